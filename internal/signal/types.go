// Package signal evaluates anomaly detectors against the daily port
// baselines and upserts typed, clustered signals. All statistics come
// pre-aggregated from the baseline table; this package owns the thresholds,
// severity ladders, confidence math, and the deterministic explanation
// text.
package signal

import "encoding/json"

// Signal types produced by the engine.
const (
	TypeArrivalsAnomaly    = "PORT_ARRIVALS_ANOMALY"
	TypeDwellSpike         = "PORT_DWELL_SPIKE"
	TypeCongestionBuildup  = "PORT_CONGESTION_BUILDUP"
	ClusterTypeDisruption  = "PORT_DISRUPTION"
	EntityTypePort         = "port"
)

// DetectorKind names the statistical method behind a signal.
type DetectorKind string

const (
	KindZScore     DetectorKind = "zscore_30d"
	KindMultiplier DetectorKind = "multiplier_30d"
)

// MinHistoryDays is the guardrail: a port with fewer baseline rows in
// [D-30, D-1] is not evaluated at all.
const MinHistoryDays = 10

// Driver is one metric's contribution to a signal, embedded in metadata.
type Driver struct {
	Metric     string   `json:"metric"`
	Value      float64  `json:"value"`
	Baseline   float64  `json:"baseline"`
	StdDev     *float64 `json:"stddev,omitempty"`
	DeltaPct   float64  `json:"delta_pct"`
	ZScore     *float64 `json:"zscore,omitempty"`
	Multiplier *float64 `json:"multiplier,omitempty"`
}

// DataQuality describes how complete the trailing window was.
type DataQuality struct {
	HistoryDaysUsed int `json:"history_days_used"`
	CompletenessPct int `json:"completeness_pct"`
	MissingPoints   int `json:"missing_points"`
}

// Metadata is the structured payload persisted in the signal's JSONB
// column and surfaced verbatim in alert deliveries.
type Metadata struct {
	Drivers              []Driver    `json:"drivers"`
	DataQuality          DataQuality `json:"data_quality"`
	Impact               []string    `json:"impact"`
	RecommendedFollowups []string    `json:"recommended_followups"`
}

// Marshal encodes the metadata for storage; the zero value still encodes
// to a valid object.
func (m Metadata) Marshal() (json.RawMessage, error) {
	return json.Marshal(m)
}

// Fixed impact and followup lines shared by every port signal. Keeping them
// constant makes re-runs bit-identical.
var (
	portImpact = []string{
		"Vessel schedules calling at this port may slip",
		"Berth and anchorage capacity may tighten",
	}
	portFollowups = []string{
		"Review open port calls and recent arrivals for this port",
		"Check regional weather and port authority notices",
		"Monitor the next 24-48h of baseline updates",
	}
)
