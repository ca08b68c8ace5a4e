// Package ais ingests vessel position reports from an upstream AIS feed
// (JSON over WebSocket) or, when no upstream credential is configured, from
// a built-in simulator. Messages are normalized, deduplicated against a
// bounded fingerprint set, buffered in a fixed-capacity ring queue, and
// drained in batches into the storage layer.
package ais

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/veriscope/veriscope/internal/storage"
)

// Message is a normalized AIS position report.
type Message struct {
	MMSI        string
	Timestamp   time.Time
	Lat         float64
	Lon         float64
	SOG         float64
	COG         float64
	Heading     float64
	NavStatus   storage.NavStatus
	Destination string
	ETA         string
}

// subscribeRequest is the upstream subscription frame sent after dialing.
type subscribeRequest struct {
	APIKey             string        `json:"APIKey"`
	BoundingBoxes      [][][]float64 `json:"BoundingBoxes"`
	FilterMessageTypes []string      `json:"FilterMessageTypes"`
}

// envelope mirrors the upstream record shape for PositionReport messages.
type envelope struct {
	MessageType string `json:"MessageType"`
	MetaData    struct {
		MMSI        int64  `json:"MMSI"`
		TimeUTC     string `json:"time_utc"`
		Destination string `json:"Destination"`
		ETA         string `json:"ETA"`
	} `json:"MetaData"`
	Message struct {
		PositionReport struct {
			Latitude           float64 `json:"Latitude"`
			Longitude          float64 `json:"Longitude"`
			Sog                float64 `json:"Sog"`
			Cog                float64 `json:"Cog"`
			TrueHeading        float64 `json:"TrueHeading"`
			NavigationalStatus int     `json:"NavigationalStatus"`
		} `json:"PositionReport"`
	} `json:"Message"`
}

// navStatusTable maps upstream navigational-status integers to the
// normalized enum. Unlisted codes map to unknown.
var navStatusTable = map[int]storage.NavStatus{
	0: storage.NavUnderway,
	1: storage.NavAnchored,
	2: storage.NavNotUnderCommand,
	3: storage.NavRestricted,
	4: storage.NavConstrainedDraft,
	5: storage.NavMoored,
	6: storage.NavAground,
	7: storage.NavFishing,
	8: storage.NavUnderwaySailing,
}

// NavStatusFromCode converts an upstream status integer to the enum.
func NavStatusFromCode(code int) storage.NavStatus {
	if s, ok := navStatusTable[code]; ok {
		return s
	}
	return storage.NavUnknown
}

var mmsiPattern = regexp.MustCompile(`^[0-9]{9}$`)

// timeLayouts are tried in order when parsing the upstream time_utc field.
// The feed emits Go's default time.Time formatting; RFC 3339 is accepted as
// a fallback for replayed captures.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05 -0700 MST",
	time.RFC3339Nano,
	time.RFC3339,
}

// ParseUpstream decodes one raw upstream frame into a normalized Message.
// Non-PositionReport frames and frames failing validation return an error;
// the caller skips them without touching any state.
func ParseUpstream(raw []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("ais: decode frame: %w", err)
	}
	if env.MessageType != "PositionReport" {
		return nil, fmt.Errorf("ais: unexpected message type %q", env.MessageType)
	}

	mmsi := fmt.Sprintf("%09d", env.MetaData.MMSI)
	ts, err := parseUpstreamTime(env.MetaData.TimeUTC)
	if err != nil {
		return nil, err
	}

	pr := env.Message.PositionReport
	m := &Message{
		MMSI:        mmsi,
		Timestamp:   ts,
		Lat:         pr.Latitude,
		Lon:         pr.Longitude,
		SOG:         pr.Sog,
		COG:         pr.Cog,
		Heading:     pr.TrueHeading,
		NavStatus:   NavStatusFromCode(pr.NavigationalStatus),
		Destination: env.MetaData.Destination,
		ETA:         env.MetaData.ETA,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// parseUpstreamTime tries each accepted layout in order.
func parseUpstreamTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("ais: unparseable time_utc %q", s)
}

// Validate enforces the position invariants: 9-digit MMSI, lat in
// [-90, 90], lon in [-180, 180], non-zero timestamp.
func (m *Message) Validate() error {
	if !mmsiPattern.MatchString(m.MMSI) {
		return fmt.Errorf("ais: invalid mmsi %q", m.MMSI)
	}
	if m.Lat < -90 || m.Lat > 90 {
		return fmt.Errorf("ais: latitude %v out of range", m.Lat)
	}
	if m.Lon < -180 || m.Lon > 180 {
		return fmt.Errorf("ais: longitude %v out of range", m.Lon)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("ais: zero timestamp")
	}
	return nil
}
