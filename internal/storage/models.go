// Package storage provides the PostgreSQL-backed persistence layer for the
// Veriscope server. It exposes typed model structs for every table in
// db/migrations and a Store that wraps a pgxpool connection pool with a
// batched position-insert path.
package storage

import (
	"encoding/json"
	"time"
)

// Severity is the urgency level of a signal or the floor of a subscription.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the ordering weight of s; unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ValidSeverity reports whether s is one of the four defined levels.
func ValidSeverity(s Severity) bool { return s.Rank() > 0 }

// ConfidenceBand is the coarse confidence classification of a signal.
type ConfidenceBand string

const (
	BandLow    ConfidenceBand = "LOW"
	BandMedium ConfidenceBand = "MEDIUM"
	BandHigh   ConfidenceBand = "HIGH"
)

// Rank returns the ordering weight of b.
func (b ConfidenceBand) Rank() int {
	switch b {
	case BandHigh:
		return 3
	case BandMedium:
		return 2
	case BandLow:
		return 1
	default:
		return 0
	}
}

// NavStatus is the normalized navigational status of a vessel.
type NavStatus string

const (
	NavUnderway          NavStatus = "underway"
	NavAnchored          NavStatus = "anchored"
	NavMoored            NavStatus = "moored"
	NavNotUnderCommand   NavStatus = "not_under_command"
	NavRestricted        NavStatus = "restricted"
	NavConstrainedDraft  NavStatus = "constrained_by_draft"
	NavAground           NavStatus = "aground"
	NavFishing           NavStatus = "fishing"
	NavUnderwaySailing   NavStatus = "underway_sailing"
	NavUnknown           NavStatus = "unknown"
)

// CallStatus is the lifecycle state of a port call.
type CallStatus string

const (
	CallInPort    CallStatus = "in_port"
	CallCompleted CallStatus = "completed"
)

// Channel is the delivery channel of an alert subscription.
type Channel string

const (
	ChannelWebhook Channel = "WEBHOOK"
	ChannelEmail   Channel = "EMAIL"
)

// Scope restricts which clusters a subscription matches.
type Scope string

const (
	ScopePort   Scope = "PORT"
	ScopeGlobal Scope = "GLOBAL"
)

// DeliveryStatus is the terminal state of one alert delivery.
type DeliveryStatus string

const (
	DeliverySent             DeliveryStatus = "SENT"
	DeliveryFailed           DeliveryStatus = "FAILED"
	DeliverySkippedDedupe    DeliveryStatus = "SKIPPED_DEDUPE"
	DeliverySkippedRateLimit DeliveryStatus = "SKIPPED_RATE_LIMIT"
)

// RunStatus is the aggregate state of a dispatcher run.
type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// Vessel maps to the `vessels` table. Vessels are created on first sighting
// and never deleted; metadata fields are mutable.
type Vessel struct {
	VesselID   string     `json:"vessel_id"`
	MMSI       string     `json:"mmsi"`
	IMO        string     `json:"imo,omitempty"`
	Name       string     `json:"name,omitempty"`
	Flag       string     `json:"flag,omitempty"`
	VesselType string     `json:"vessel_type,omitempty"`
	Deadweight int        `json:"deadweight,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Port maps to the `ports` table. Geometry is immutable.
type Port struct {
	PortID           string  `json:"port_id"`
	UNLOCODE         string  `json:"unlocode"`
	Name             string  `json:"name"`
	Country          string  `json:"country,omitempty"`
	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
	GeofenceRadiusKM float64 `json:"geofence_radius_km"`
}

// Position maps to the `vessel_positions` append-only table.
type Position struct {
	VesselID    string    `json:"vessel_id"`
	Timestamp   time.Time `json:"timestamp_utc"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	SOG         float64   `json:"sog"`
	COG         float64   `json:"cog"`
	Heading     float64   `json:"heading"`
	NavStatus   NavStatus `json:"nav_status"`
	Destination string    `json:"destination,omitempty"`
	ETA         string    `json:"eta,omitempty"`
}

// PortCall maps to the `port_calls` table: an open or closed
// [arrival, departure?] interval for one (vessel, port) pair.
type PortCall struct {
	CallID         string     `json:"call_id"`
	VesselID       string     `json:"vessel_id"`
	PortID         string     `json:"port_id"`
	CallType       string     `json:"call_type"`
	Status         CallStatus `json:"status"`
	ArrivalTime    time.Time  `json:"arrival_time"`
	DepartureTime  *time.Time `json:"departure_time,omitempty"`
	BerthTimeHours *float64   `json:"berth_time_hours,omitempty"`
}

// Baseline maps to the `port_daily_baselines` table: one day's aggregates
// plus trailing 30-day moments computed from [day-30, day-1].
type Baseline struct {
	PortID          string     `json:"port_id"`
	Day             time.Time  `json:"day"`
	Arrivals        int        `json:"arrivals"`
	Departures      int        `json:"departures"`
	UniqueVessels   int        `json:"unique_vessels"`
	AvgDwellHours   *float64   `json:"avg_dwell_hours,omitempty"`
	OpenCalls       int        `json:"open_calls"`
	Arrivals30dAvg  *float64   `json:"arrivals_30d_avg,omitempty"`
	Arrivals30dStd  *float64   `json:"arrivals_30d_std,omitempty"`
	Dwell30dAvg     *float64   `json:"dwell_30d_avg,omitempty"`
	Dwell30dStd     *float64   `json:"dwell_30d_std,omitempty"`
	OpenCalls30dAvg *float64   `json:"open_calls_30d_avg,omitempty"`
}

// Signal maps to the `signals` table. The unique key
// (signal_type, entity_type, entity_id, day) makes upserts idempotent.
//
// Metadata carries the structured driver/data-quality payload produced by the
// signal engine; it round-trips through JSONB without modification.
type Signal struct {
	SignalID        string          `json:"signal_id"`
	SignalType      string          `json:"signal_type"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Day             time.Time       `json:"day"`
	Severity        Severity        `json:"severity"`
	Value           float64         `json:"value"`
	Baseline        *float64        `json:"baseline,omitempty"`
	StdDev          *float64        `json:"stddev,omitempty"`
	ZScore          *float64        `json:"zscore,omitempty"`
	DeltaPct        *float64        `json:"delta_pct,omitempty"`
	ConfidenceScore float64         `json:"confidence_score"`
	ConfidenceBand  ConfidenceBand  `json:"confidence_band"`
	Method          string          `json:"method"`
	ClusterID       string          `json:"cluster_id,omitempty"`
	ClusterKey      string          `json:"cluster_key,omitempty"`
	ClusterType     string          `json:"cluster_type,omitempty"`
	ClusterSeverity Severity        `json:"cluster_severity,omitempty"`
	ClusterSummary  string          `json:"cluster_summary,omitempty"`
	Explanation     string          `json:"explanation,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Subscription maps to the `alert_subscriptions` table.
type Subscription struct {
	SubscriptionID   string   `json:"subscription_id"`
	TenantID         string   `json:"tenant_id"`
	UserID           string   `json:"user_id"`
	Scope            Scope    `json:"scope"`
	EntityType       string   `json:"entity_type,omitempty"`
	EntityID         string   `json:"entity_id,omitempty"`
	SeverityMin      Severity `json:"severity_min"`
	ConfidenceMin    ConfidenceBand `json:"confidence_min,omitempty"`
	Channel          Channel  `json:"channel"`
	Endpoint         string   `json:"endpoint"`
	Secret           string   `json:"-"`
	SignatureVersion string   `json:"signature_version"`
	IsEnabled        bool     `json:"is_enabled"`
	CreatedAt        time.Time `json:"created_at"`
}

// AlertRun maps to the `alert_runs` table: one dispatcher invocation.
type AlertRun struct {
	RunID      string          `json:"run_id"`
	TenantID   string          `json:"tenant_id"`
	Status     RunStatus       `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// RunSummary holds the per-run counters persisted in AlertRun.Summary.
type RunSummary struct {
	CandidatesTotal       int `json:"candidates_total"`
	Subscriptions         int `json:"subscriptions"`
	MatchedTotal          int `json:"matched_total"`
	SentTotal             int `json:"sent_total"`
	SkippedDedupeTotal    int `json:"skipped_dedupe_total"`
	SkippedRateLimitTotal int `json:"skipped_rate_limit_total"`
	FailedTotal           int `json:"failed_total"`
}

// Delivery maps to the `alert_deliveries` table.
type Delivery struct {
	DeliveryID     string         `json:"delivery_id"`
	RunID          string         `json:"run_id"`
	SubscriptionID string         `json:"subscription_id"`
	TenantID       string         `json:"tenant_id"`
	ClusterID      string         `json:"cluster_id"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastHTTPStatus *int           `json:"last_http_status,omitempty"`
	LatencyMS      *int           `json:"latency_ms,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DeliveryAttempt maps to the `alert_delivery_attempts` table: one row per
// physical HTTP attempt. AttemptNo increases monotonically across DLQ
// re-drains of the same delivery.
type DeliveryAttempt struct {
	AttemptID  string    `json:"attempt_id"`
	DeliveryID string    `json:"delivery_id"`
	AttemptNo  int       `json:"attempt_no"`
	Status     string    `json:"status"`
	HTTPStatus *int      `json:"http_status,omitempty"`
	LatencyMS  *int      `json:"latency_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DLQEntry maps to the `alert_dlq` table.
type DLQEntry struct {
	DLQID         string    `json:"dlq_id"`
	DeliveryID    string    `json:"delivery_id"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	AttemptCount  int       `json:"attempt_count"`
	MaxAttempts   int       `json:"max_attempts"`
	LastError     string    `json:"last_error,omitempty"`
}

// SignalQuery carries the filter and pagination parameters for QuerySignals.
//
// Clustered restricts results to one representative per cluster. Limit
// defaults to 100 when ≤ 0 and is capped at 1000.
type SignalQuery struct {
	PortID      string
	SignalType  string
	Severity    Severity
	SeverityMin Severity
	DayFrom     *time.Time
	DayTo       *time.Time
	Clustered   bool
	Limit       int
	Offset      int
}

// CandidateQuery selects alert candidates: one representative signal per
// cluster. A nil Day means "the latest day with any matching cluster".
type CandidateQuery struct {
	Day         *time.Time
	EntityType  string
	EntityID    string
	SeverityMin Severity
}

// DeliveryQuery carries the cursor-pagination parameters for QueryDeliveries.
// Pages are ordered (created_at DESC, delivery_id DESC); CursorCreatedAt and
// CursorID, when both set, exclude rows at or after the cursor position.
type DeliveryQuery struct {
	TenantID        string
	UserID          string
	SubscriptionIDs []string
	Day             *time.Time
	Status          DeliveryStatus
	CursorCreatedAt *time.Time
	CursorID        string
	Limit           int
}

// DueDLQItem is a DLQ entry joined with the context needed to re-attempt it.
type DueDLQItem struct {
	Entry        DLQEntry
	Delivery     Delivery
	Subscription Subscription
}
