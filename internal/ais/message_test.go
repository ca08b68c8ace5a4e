package ais

import (
	"testing"
	"time"

	"github.com/veriscope/veriscope/internal/storage"
)

func TestParseUpstream(t *testing.T) {
	raw := []byte(`{
		"MessageType": "PositionReport",
		"MetaData": {
			"MMSI": 235090123,
			"time_utc": "2026-08-20 10:15:30.000000000 +0000 UTC",
			"Destination": "ROTTERDAM",
			"ETA": "08-22 06:00"
		},
		"Message": {
			"PositionReport": {
				"Latitude": 51.95,
				"Longitude": 4.12,
				"Sog": 11.2,
				"Cog": 184.5,
				"TrueHeading": 180,
				"NavigationalStatus": 0
			}
		}
	}`)

	m, err := ParseUpstream(raw)
	if err != nil {
		t.Fatalf("ParseUpstream: %v", err)
	}
	if m.MMSI != "235090123" {
		t.Errorf("MMSI = %q, want 235090123", m.MMSI)
	}
	want := time.Date(2026, 8, 20, 10, 15, 30, 0, time.UTC)
	if !m.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", m.Timestamp, want)
	}
	if m.NavStatus != storage.NavUnderway {
		t.Errorf("NavStatus = %q, want underway", m.NavStatus)
	}
	if m.Destination != "ROTTERDAM" {
		t.Errorf("Destination = %q", m.Destination)
	}
}

func TestParseUpstreamRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"wrong type", `{"MessageType":"ShipStaticData","MetaData":{"MMSI":235090123,"time_utc":"2026-08-20 10:15:30 +0000 UTC"},"Message":{}}`},
		{"bad time", `{"MessageType":"PositionReport","MetaData":{"MMSI":235090123,"time_utc":"yesterday"},"Message":{"PositionReport":{"Latitude":1,"Longitude":1}}}`},
		{"lat out of range", `{"MessageType":"PositionReport","MetaData":{"MMSI":235090123,"time_utc":"2026-08-20 10:15:30 +0000 UTC"},"Message":{"PositionReport":{"Latitude":91,"Longitude":1}}}`},
		{"lon out of range", `{"MessageType":"PositionReport","MetaData":{"MMSI":235090123,"time_utc":"2026-08-20 10:15:30 +0000 UTC"},"Message":{"PositionReport":{"Latitude":1,"Longitude":-181}}}`},
		{"mmsi too long", `{"MessageType":"PositionReport","MetaData":{"MMSI":1234567890,"time_utc":"2026-08-20 10:15:30 +0000 UTC"},"Message":{"PositionReport":{"Latitude":1,"Longitude":1}}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseUpstream([]byte(tc.raw)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestParseUpstreamPadsShortMMSI(t *testing.T) {
	raw := []byte(`{"MessageType":"PositionReport","MetaData":{"MMSI":12345,"time_utc":"2026-08-20T10:15:30Z"},"Message":{"PositionReport":{"Latitude":1,"Longitude":1}}}`)
	m, err := ParseUpstream(raw)
	if err != nil {
		t.Fatalf("ParseUpstream: %v", err)
	}
	if m.MMSI != "000012345" {
		t.Errorf("MMSI = %q, want zero-padded 000012345", m.MMSI)
	}
}

func TestNavStatusFromCode(t *testing.T) {
	tests := []struct {
		code int
		want storage.NavStatus
	}{
		{0, storage.NavUnderway},
		{1, storage.NavAnchored},
		{2, storage.NavNotUnderCommand},
		{3, storage.NavRestricted},
		{4, storage.NavConstrainedDraft},
		{5, storage.NavMoored},
		{6, storage.NavAground},
		{7, storage.NavFishing},
		{8, storage.NavUnderwaySailing},
		{9, storage.NavUnknown},
		{15, storage.NavUnknown},
		{-1, storage.NavUnknown},
	}
	for _, tc := range tests {
		if got := NavStatusFromCode(tc.code); got != tc.want {
			t.Errorf("NavStatusFromCode(%d) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestSubscribeFrameShape(t *testing.T) {
	raw, err := marshalSubscribe("test-key")
	if err != nil {
		t.Fatalf("marshal subscribe: %v", err)
	}
	want := `{"APIKey":"test-key","BoundingBoxes":[[[-180,-90],[180,90]]],"FilterMessageTypes":["PositionReport"]}`
	if string(raw) != want {
		t.Errorf("subscribe frame = %s\nwant %s", raw, want)
	}
}
