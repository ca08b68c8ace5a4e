package signal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/veriscope/veriscope/internal/storage"
)

func f(v float64) *float64 { return &v }

var fullQuality = DataQuality{HistoryDaysUsed: 30, CompletenessPct: 100, MissingPoints: 0}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func baselineRow() storage.Baseline {
	return storage.Baseline{
		PortID:          "port-1",
		Day:             day(2026, 8, 19),
		Arrivals:        10,
		AvgDwellHours:   f(20),
		OpenCalls:       6,
		Arrivals30dAvg:  f(10),
		Arrivals30dStd:  f(2),
		Dwell30dAvg:     f(20),
		Dwell30dStd:     f(4),
		OpenCalls30dAvg: f(6),
	}
}

func TestArrivalsDetectorThreshold(t *testing.T) {
	tests := []struct {
		name     string
		arrivals int
		fires    bool
		severity storage.Severity
	}{
		{"within 2 sigma", 13, false, ""},
		{"exactly 2 sigma", 14, true, storage.SeverityMedium},
		{"3 sigma", 16, true, storage.SeverityHigh},
		{"5 sigma", 20, true, storage.SeverityCritical},
		{"negative 2 sigma", 6, true, storage.SeverityMedium},
		{"negative 5 sigma", 0, true, storage.SeverityCritical},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := baselineRow()
			b.Arrivals = tc.arrivals
			sig := detectArrivals(&b, fullQuality, "Rotterdam")
			if (sig != nil) != tc.fires {
				t.Fatalf("fires = %v, want %v", sig != nil, tc.fires)
			}
			if sig != nil && sig.Severity != tc.severity {
				t.Errorf("severity = %s, want %s", sig.Severity, tc.severity)
			}
		})
	}
}

func TestArrivalsDetectorNeedsStdDev(t *testing.T) {
	b := baselineRow()
	b.Arrivals = 100
	b.Arrivals30dStd = f(0)
	if sig := detectArrivals(&b, fullQuality, ""); sig != nil {
		t.Fatal("fired with zero stddev")
	}
	b.Arrivals30dStd = nil
	if sig := detectArrivals(&b, fullQuality, ""); sig != nil {
		t.Fatal("fired with missing stddev")
	}
}

func TestDwellDetectorPositiveOnly(t *testing.T) {
	b := baselineRow()
	b.AvgDwellHours = f(28) // z = +2
	if sig := detectDwell(&b, fullQuality, ""); sig == nil {
		t.Fatal("positive spike did not fire")
	}

	b.AvgDwellHours = f(4) // z = -4: falling dwell is not a spike
	if sig := detectDwell(&b, fullQuality, ""); sig != nil {
		t.Fatal("negative deviation fired")
	}
}

func TestCongestionDetector(t *testing.T) {
	tests := []struct {
		name      string
		openCalls int
		avg       float64
		fires     bool
		severity  storage.Severity
	}{
		{"quiet port ignored", 9, 4.9, false, ""},
		{"below multiplier", 8, 6, false, ""},
		{"exactly 1.5x", 9, 6, true, storage.SeverityMedium},
		{"2x", 12, 6, true, storage.SeverityHigh},
		{"4x", 24, 6, true, storage.SeverityCritical},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := baselineRow()
			b.OpenCalls = tc.openCalls
			b.OpenCalls30dAvg = f(tc.avg)
			sig := detectCongestion(&b, fullQuality, "")
			if (sig != nil) != tc.fires {
				t.Fatalf("fires = %v, want %v", sig != nil, tc.fires)
			}
			if sig != nil && sig.Severity != tc.severity {
				t.Errorf("severity = %s, want %s", sig.Severity, tc.severity)
			}
		})
	}
}

func TestConfidenceMath(t *testing.T) {
	b := baselineRow()
	b.Arrivals = 16 // z = 3
	sig := detectArrivals(&b, fullQuality, "")
	if sig == nil {
		t.Fatal("detector did not fire")
	}
	if sig.ConfidenceScore != 0.5 {
		t.Errorf("score = %v, want 0.5 (|z|/6)", sig.ConfidenceScore)
	}
	if sig.ConfidenceBand != storage.BandMedium {
		t.Errorf("band = %s, want MEDIUM", sig.ConfidenceBand)
	}

	b.Arrivals = 22 // z = 6 → score capped at 1
	sig = detectArrivals(&b, fullQuality, "")
	if sig.ConfidenceScore != 1 {
		t.Errorf("score = %v, want capped 1", sig.ConfidenceScore)
	}
	if sig.ConfidenceBand != storage.BandHigh {
		t.Errorf("band = %s, want HIGH", sig.ConfidenceBand)
	}
}

func TestCompletenessDowngrades(t *testing.T) {
	tests := []struct {
		name      string
		pct       int
		wantScore float64
		wantBand  storage.ConfidenceBand
	}{
		{"full history untouched", 100, 1, storage.BandHigh},
		{"89 pct demotes high to medium", 89, 0.75, storage.BandMedium},
		{"84 pct forces low", 84, 0.75, storage.BandLow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			score, band := adjustConfidence(1.0, DataQuality{CompletenessPct: tc.pct})
			if score != tc.wantScore {
				t.Errorf("score = %v, want %v", score, tc.wantScore)
			}
			if band != tc.wantBand {
				t.Errorf("band = %s, want %s", band, tc.wantBand)
			}
		})
	}
}

func TestClusterStampsMembers(t *testing.T) {
	b := baselineRow()
	b.Arrivals = 14       // z=2 → MEDIUM, delta +40%
	b.AvgDwellHours = f(32) // z=3 → HIGH, delta +60%
	members := Evaluate(&b, fullQuality, "Rotterdam")
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	Cluster(members, b.PortID, b.Day)

	wantID := "PORT_DISRUPTION:port-1:2026-08-19"
	for _, sig := range members {
		if sig.ClusterID != wantID {
			t.Errorf("cluster_id = %q, want %q", sig.ClusterID, wantID)
		}
		if sig.ClusterSeverity != storage.SeverityHigh {
			t.Errorf("cluster_severity = %s, want HIGH (max of members)", sig.ClusterSeverity)
		}
		if sig.ClusterType != ClusterTypeDisruption {
			t.Errorf("cluster_type = %q", sig.ClusterType)
		}
	}
	if members[0].ClusterSummary != "Arrivals +40.0%, Dwell +60.0%" {
		t.Errorf("summary = %q", members[0].ClusterSummary)
	}
}

func TestClusterSummaryCongestion(t *testing.T) {
	b := baselineRow()
	b.OpenCalls = 12
	b.OpenCalls30dAvg = f(6)
	members := Evaluate(&b, fullQuality, "")
	if len(members) != 1 {
		t.Fatalf("members = %d, want 1", len(members))
	}
	Cluster(members, b.PortID, b.Day)
	if members[0].ClusterSummary != "Congestion 2.0x" {
		t.Errorf("summary = %q", members[0].ClusterSummary)
	}
}

func TestMetadataShape(t *testing.T) {
	b := baselineRow()
	b.Arrivals = 16
	sig := detectArrivals(&b, DataQuality{HistoryDaysUsed: 27, CompletenessPct: 90, MissingPoints: 3}, "")
	var meta Metadata
	if err := json.Unmarshal(sig.Metadata, &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if len(meta.Drivers) != 1 || meta.Drivers[0].Metric != "arrivals" {
		t.Fatalf("drivers = %+v", meta.Drivers)
	}
	if meta.Drivers[0].ZScore == nil || *meta.Drivers[0].ZScore != 3 {
		t.Errorf("zscore = %v, want 3", meta.Drivers[0].ZScore)
	}
	if meta.DataQuality.HistoryDaysUsed != 27 || meta.DataQuality.MissingPoints != 3 {
		t.Errorf("data_quality = %+v", meta.DataQuality)
	}
	if len(meta.Impact) == 0 || len(meta.RecommendedFollowups) == 0 {
		t.Error("impact/followups missing")
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	b := baselineRow()
	b.Arrivals = 16
	b.OpenCalls = 12
	b.OpenCalls30dAvg = f(6)

	first := Evaluate(&b, fullQuality, "Rotterdam")
	second := Evaluate(&b, fullQuality, "Rotterdam")
	Cluster(first, b.PortID, b.Day)
	Cluster(second, b.PortID, b.Day)

	if !reflect.DeepEqual(first, second) {
		t.Fatal("identical inputs produced different signals")
	}
}

// --- engine wiring ---

type mockStore struct {
	baselines []storage.Baseline
	history   map[string]int
	ports     []storage.Port
	upserted  []storage.Signal
}

func (m *mockStore) BaselinesForDay(_ context.Context, _ time.Time, _ []string) ([]storage.Baseline, error) {
	return m.baselines, nil
}
func (m *mockStore) HistoryDays(_ context.Context, portID string, _ time.Time) (int, error) {
	return m.history[portID], nil
}
func (m *mockStore) ListPorts(context.Context) ([]storage.Port, error) { return m.ports, nil }
func (m *mockStore) UpsertSignal(_ context.Context, sig storage.Signal) error {
	m.upserted = append(m.upserted, sig)
	return nil
}

func TestEngineSkipsThinHistory(t *testing.T) {
	anomalous := baselineRow()
	anomalous.Arrivals = 20

	thin := baselineRow()
	thin.PortID = "port-2"
	thin.Arrivals = 20

	store := &mockStore{
		baselines: []storage.Baseline{anomalous, thin},
		history:   map[string]int{"port-1": 30, "port-2": 9},
	}
	e := NewEngine(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := e.EvaluateDay(context.Background(), day(2026, 8, 19), nil)
	if err != nil {
		t.Fatalf("EvaluateDay: %v", err)
	}
	if n != 1 {
		t.Fatalf("written = %d, want 1 (thin-history port skipped)", n)
	}
	if store.upserted[0].EntityID != "port-1" {
		t.Errorf("signal for %s, want port-1", store.upserted[0].EntityID)
	}
	if store.upserted[0].ClusterID == "" {
		t.Error("upserted signal missing cluster fields")
	}
}
