package delivery

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/veriscope/veriscope/internal/signal"
	"github.com/veriscope/veriscope/internal/storage"
)

func testCandidate() *storage.Signal {
	meta, _ := signal.Metadata{
		Drivers: []signal.Driver{
			{Metric: "arrivals", Value: 14, Baseline: 10, DeltaPct: 40},
			{Metric: "avg_dwell_hours", Value: 32, Baseline: 20, DeltaPct: 60},
		},
		DataQuality:          signal.DataQuality{HistoryDaysUsed: 30, CompletenessPct: 100},
		Impact:               []string{"Vessel schedules calling at this port may slip"},
		RecommendedFollowups: []string{"Review open port calls and recent arrivals for this port"},
	}.Marshal()
	return &storage.Signal{
		SignalType:      "PORT_ARRIVALS_ANOMALY",
		EntityType:      "port",
		EntityID:        "port-1",
		Day:             time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC),
		ClusterID:       "PORT_DISRUPTION:port-1:2026-08-19",
		ClusterSeverity: storage.SeverityHigh,
		ClusterSummary:  "Arrivals +40.0%, Dwell +60.0%",
		ConfidenceScore: 0.66,
		ConfidenceBand:  storage.BandMedium,
		Metadata:        meta,
	}
}

func TestBuildPayload(t *testing.T) {
	now := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	p, err := BuildPayload("sub-1", testCandidate(), now)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}

	if p.EventType != "VERISCOPE_SIGNAL_CLUSTER" {
		t.Errorf("event_type = %q", p.EventType)
	}
	if p.PayloadVersion != "1.1" {
		t.Errorf("payload_version = %q", p.PayloadVersion)
	}
	if p.Day != "2026-08-19" {
		t.Errorf("day = %q", p.Day)
	}
	if p.SentAt != "2026-08-20T06:00:00Z" {
		t.Errorf("sent_at = %q", p.SentAt)
	}
	if len(p.TopDrivers) != 1 || p.TopDrivers[0].Metric != "arrivals" {
		t.Errorf("top_drivers = %+v, want first driver only", p.TopDrivers)
	}
	if p.IdempotencyKey != IdempotencyKey("sub-1", p.ClusterID, "2026-08-19") {
		t.Error("idempotency key mismatch")
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey("sub-1", "PORT_DISRUPTION:port-1:2026-08-19", "2026-08-19")
	b := IdempotencyKey("sub-1", "PORT_DISRUPTION:port-1:2026-08-19", "2026-08-19")
	if a != b {
		t.Fatal("key not deterministic")
	}
	if len(a) != 40 {
		t.Fatalf("key length = %d, want 40 hex chars", len(a))
	}
	if c := IdempotencyKey("sub-2", "PORT_DISRUPTION:port-1:2026-08-19", "2026-08-19"); c == a {
		t.Fatal("different subscriptions share a key")
	}
}

func TestPayloadJSONFieldNames(t *testing.T) {
	now := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	p, err := BuildPayload("sub-1", testCandidate(), now)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{
		"event_type", "day", "entity_type", "entity_id", "cluster_id",
		"cluster_severity", "confidence_score", "confidence_band",
		"cluster_summary", "top_drivers", "impact", "followups",
		"data_quality", "payload_version", "sent_at", "idempotency_key",
	} {
		if _, ok := m[key]; !ok {
			t.Errorf("body missing field %q", key)
		}
	}
}

func TestRenderSubject(t *testing.T) {
	now := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	p, _ := BuildPayload("sub-1", testCandidate(), now)
	got := RenderSubject(p, "Rotterdam")
	want := "[Veriscope] HIGH PORT_DISRUPTION — Rotterdam — 2026-08-19"
	if got != want {
		t.Fatalf("subject = %q, want %q", got, want)
	}
}

func TestRenderBodyStructure(t *testing.T) {
	now := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	p, _ := BuildPayload("sub-1", testCandidate(), now)
	body := RenderBody(p, "Rotterdam")
	for _, fragment := range []string{
		"PORT_DISRUPTION at Rotterdam on 2026-08-19",
		"Severity: HIGH",
		"Summary: Arrivals +40.0%, Dwell +60.0%",
		"arrivals: 14.0 vs baseline 10.0 (+40.0%)",
		"Impact:",
		"Recommended followups:",
		"Data quality: 30/30 days (100% complete)",
	} {
		if !strings.Contains(body, fragment) {
			t.Errorf("body missing %q\n%s", fragment, body)
		}
	}
}
