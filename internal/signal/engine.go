package signal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/veriscope/veriscope/internal/metrics"
	"github.com/veriscope/veriscope/internal/storage"
)

// Store is the slice of the storage layer the engine needs.
type Store interface {
	BaselinesForDay(ctx context.Context, day time.Time, portIDs []string) ([]storage.Baseline, error)
	HistoryDays(ctx context.Context, portID string, day time.Time) (int, error)
	ListPorts(ctx context.Context) ([]storage.Port, error)
	UpsertSignal(ctx context.Context, sig storage.Signal) error
}

// Engine runs the three port detectors for a target day.
type Engine struct {
	store  Store
	logger *slog.Logger
}

// NewEngine builds an Engine.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger.With("component", "signal")}
}

// EvaluateDay evaluates every port with a baseline row on day (optionally
// restricted to portIDs) and upserts the resulting signals. It returns the
// number of signals written. The upsert key (signal_type, entity_type,
// entity_id, day) makes re-evaluation idempotent.
func (e *Engine) EvaluateDay(ctx context.Context, day time.Time, portIDs []string) (int, error) {
	day = day.UTC().Truncate(24 * time.Hour)

	baselines, err := e.store.BaselinesForDay(ctx, day, portIDs)
	if err != nil {
		return 0, fmt.Errorf("signal: baselines for %s: %w", day.Format("2006-01-02"), err)
	}
	portNames, err := e.portNames(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for i := range baselines {
		b := &baselines[i]
		history, err := e.store.HistoryDays(ctx, b.PortID, day)
		if err != nil {
			return written, fmt.Errorf("signal: history for port %s: %w", b.PortID, err)
		}
		if history < MinHistoryDays {
			e.logger.Debug("port skipped, insufficient history",
				"port_id", b.PortID, "history_days", history)
			continue
		}

		quality := dataQuality(history)
		members := Evaluate(b, quality, portNames[b.PortID])
		if len(members) == 0 {
			continue
		}
		Cluster(members, b.PortID, day)

		for _, sig := range members {
			if err := e.store.UpsertSignal(ctx, *sig); err != nil {
				return written, fmt.Errorf("signal: upsert %s port %s: %w",
					sig.SignalType, b.PortID, err)
			}
			metrics.SignalsUpserted.WithLabelValues(sig.SignalType).Inc()
			written++
		}
		e.logger.Info("signals upserted",
			"port_id", b.PortID, "day", day.Format("2006-01-02"),
			"count", len(members))
	}
	return written, nil
}

func (e *Engine) portNames(ctx context.Context) (map[string]string, error) {
	ports, err := e.store.ListPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("signal: list ports: %w", err)
	}
	names := make(map[string]string, len(ports))
	for _, p := range ports {
		names[p.PortID] = p.Name
	}
	return names, nil
}

// dataQuality derives completeness from the trailing-window row count.
func dataQuality(historyDays int) DataQuality {
	pct := int(math.Round(float64(historyDays) / 30.0 * 100))
	missing := 30 - historyDays
	if missing < 0 {
		missing = 0
	}
	return DataQuality{
		HistoryDaysUsed: historyDays,
		CompletenessPct: pct,
		MissingPoints:   missing,
	}
}

// Evaluate runs all three detectors for one baseline row and returns the
// signals that fired, in fixed order (arrivals, dwell, congestion) so the
// cluster summary is deterministic. Signals are returned unclustered.
func Evaluate(b *storage.Baseline, quality DataQuality, portName string) []*storage.Signal {
	var members []*storage.Signal
	if sig := detectArrivals(b, quality, portName); sig != nil {
		members = append(members, sig)
	}
	if sig := detectDwell(b, quality, portName); sig != nil {
		members = append(members, sig)
	}
	if sig := detectCongestion(b, quality, portName); sig != nil {
		members = append(members, sig)
	}
	return members
}

// detectArrivals fires on |z| ≥ 2 against the arrivals 30-day stats.
func detectArrivals(b *storage.Baseline, quality DataQuality, portName string) *storage.Signal {
	if b.Arrivals30dAvg == nil || b.Arrivals30dStd == nil || *b.Arrivals30dStd <= 0 {
		return nil
	}
	avg, std := *b.Arrivals30dAvg, *b.Arrivals30dStd
	value := float64(b.Arrivals)
	z := (value - avg) / std
	if math.Abs(z) < 2 {
		return nil
	}
	return buildZScoreSignal(zScoreInput{
		signalType: TypeArrivalsAnomaly,
		metric:     "arrivals",
		label:      "Arrivals",
		baseline:   b,
		portName:   portName,
		quality:    quality,
		value:      value,
		avg:        avg,
		std:        std,
		z:          z,
	})
}

// detectDwell fires on z ≥ 2 (rising dwell only) against avg_dwell_hours.
func detectDwell(b *storage.Baseline, quality DataQuality, portName string) *storage.Signal {
	if b.AvgDwellHours == nil || b.Dwell30dAvg == nil || b.Dwell30dStd == nil || *b.Dwell30dStd <= 0 {
		return nil
	}
	avg, std := *b.Dwell30dAvg, *b.Dwell30dStd
	value := *b.AvgDwellHours
	z := (value - avg) / std
	if z < 2 {
		return nil
	}
	return buildZScoreSignal(zScoreInput{
		signalType: TypeDwellSpike,
		metric:     "avg_dwell_hours",
		label:      "Dwell",
		baseline:   b,
		portName:   portName,
		quality:    quality,
		value:      value,
		avg:        avg,
		std:        std,
		z:          z,
	})
}

// detectCongestion fires when open calls run at ≥ 1.5x a trailing average
// that itself is ≥ 5, so quiet ports do not alarm on small multiples.
func detectCongestion(b *storage.Baseline, quality DataQuality, portName string) *storage.Signal {
	if b.OpenCalls30dAvg == nil || *b.OpenCalls30dAvg < 5 {
		return nil
	}
	avg := *b.OpenCalls30dAvg
	value := float64(b.OpenCalls)
	m := value / avg
	if m < 1.5 {
		return nil
	}

	var severity storage.Severity
	switch {
	case m >= 4:
		severity = storage.SeverityCritical
	case m >= 2:
		severity = storage.SeverityHigh
	default:
		severity = storage.SeverityMedium
	}

	score := clamp((m-1)/3, 0, 1)
	score, band := adjustConfidence(score, quality)
	deltaPct := pctDelta(value, avg)

	mult := m
	driver := Driver{
		Metric:     "open_calls",
		Value:      value,
		Baseline:   avg,
		DeltaPct:   deltaPct,
		Multiplier: &mult,
	}
	explanation := strings.Join([]string{
		fmt.Sprintf("Open port calls at %.0f vs 30-day average %.1f (%.1fx).", value, avg, m),
		fmt.Sprintf("Vessel backlog at %s is building materially faster than its trailing pattern.", displayName(portName, b.PortID)),
		"Impact: " + strings.Join(portImpact, "; ") + ".",
		"Followups: " + strings.Join(portFollowups, "; ") + ".",
	}, "\n")

	return assembleSignal(b, TypeCongestionBuildup, severity, value, &avg, nil, nil,
		&deltaPct, score, band, string(KindMultiplier), driver, quality, explanation)
}

// zScoreInput carries the shared parameters of the two z-score detectors.
type zScoreInput struct {
	signalType string
	metric     string
	label      string
	baseline   *storage.Baseline
	portName   string
	quality    DataQuality
	value      float64
	avg        float64
	std        float64
	z          float64
}

func buildZScoreSignal(in zScoreInput) *storage.Signal {
	var severity storage.Severity
	switch abs := math.Abs(in.z); {
	case abs >= 5:
		severity = storage.SeverityCritical
	case abs >= 3:
		severity = storage.SeverityHigh
	default:
		severity = storage.SeverityMedium
	}

	score := math.Min(1, math.Abs(in.z)/6)
	score, band := adjustConfidence(score, in.quality)
	deltaPct := pctDelta(in.value, in.avg)

	z, std := in.z, in.std
	driver := Driver{
		Metric:   in.metric,
		Value:    in.value,
		Baseline: in.avg,
		StdDev:   &std,
		DeltaPct: deltaPct,
		ZScore:   &z,
	}
	explanation := strings.Join([]string{
		fmt.Sprintf("%s at %.1f vs 30-day baseline %.1f (stddev %.2f), z-score %.2f.",
			in.label, in.value, in.avg, in.std, in.z),
		fmt.Sprintf("Observed %s deviates materially from the trailing 30-day pattern at %s.",
			in.metric, displayName(in.portName, in.baseline.PortID)),
		"Impact: " + strings.Join(portImpact, "; ") + ".",
		"Followups: " + strings.Join(portFollowups, "; ") + ".",
	}, "\n")

	avg := in.avg
	return assembleSignal(in.baseline, in.signalType, severity, in.value, &avg, &std, &z,
		&deltaPct, score, band, string(KindZScore), driver, in.quality, explanation)
}

func assembleSignal(b *storage.Baseline, signalType string, severity storage.Severity,
	value float64, avg, std, z, deltaPct *float64, score float64, band storage.ConfidenceBand,
	method string, driver Driver, quality DataQuality, explanation string) *storage.Signal {

	meta, _ := Metadata{
		Drivers:              []Driver{driver},
		DataQuality:          quality,
		Impact:               portImpact,
		RecommendedFollowups: portFollowups,
	}.Marshal()

	return &storage.Signal{
		SignalType:      signalType,
		EntityType:      EntityTypePort,
		EntityID:        b.PortID,
		Day:             b.Day,
		Severity:        severity,
		Value:           value,
		Baseline:        avg,
		StdDev:          std,
		ZScore:          z,
		DeltaPct:        deltaPct,
		ConfidenceScore: round4(score),
		ConfidenceBand:  band,
		Method:          method,
		Explanation:     explanation,
		Metadata:        meta,
	}
}

// Cluster stamps the shared cluster fields onto all signals firing for the
// same (port, day): max member severity and a comma-joined driver summary.
func Cluster(members []*storage.Signal, portID string, day time.Time) {
	if len(members) == 0 {
		return
	}
	clusterID := fmt.Sprintf("%s:%s:%s", ClusterTypeDisruption, portID, day.Format("2006-01-02"))

	maxSeverity := members[0].Severity
	var parts []string
	for _, sig := range members {
		if sig.Severity.Rank() > maxSeverity.Rank() {
			maxSeverity = sig.Severity
		}
		parts = append(parts, driverSummary(sig))
	}
	summary := strings.Join(parts, ", ")

	for _, sig := range members {
		sig.ClusterID = clusterID
		sig.ClusterKey = clusterID
		sig.ClusterType = ClusterTypeDisruption
		sig.ClusterSeverity = maxSeverity
		sig.ClusterSummary = summary
	}
}

// driverSummary renders one member's contribution to the cluster summary,
// e.g. "Arrivals +40.0%" or "Congestion 2.0x".
func driverSummary(sig *storage.Signal) string {
	switch sig.SignalType {
	case TypeArrivalsAnomaly:
		return fmt.Sprintf("Arrivals %+.1f%%", deref(sig.DeltaPct))
	case TypeDwellSpike:
		return fmt.Sprintf("Dwell %+.1f%%", deref(sig.DeltaPct))
	case TypeCongestionBuildup:
		m := 0.0
		if sig.Baseline != nil && *sig.Baseline > 0 {
			m = sig.Value / *sig.Baseline
		}
		return fmt.Sprintf("Congestion %.1fx", m)
	default:
		return sig.SignalType
	}
}

// adjustConfidence applies the completeness downgrades: below 90% the score
// is scaled by 0.75 and the band (computed from the raw score) loses a
// level; below 85% the band collapses to LOW outright.
func adjustConfidence(score float64, quality DataQuality) (float64, storage.ConfidenceBand) {
	band := bandForScore(score)
	if quality.CompletenessPct >= 90 {
		return score, band
	}
	score *= 0.75
	if quality.CompletenessPct < 85 {
		return score, storage.BandLow
	}
	if band == storage.BandHigh {
		band = storage.BandMedium
	}
	return score, band
}

func bandForScore(score float64) storage.ConfidenceBand {
	switch {
	case score >= 0.8:
		return storage.BandHigh
	case score >= 0.5:
		return storage.BandMedium
	default:
		return storage.BandLow
	}
}

func pctDelta(value, baseline float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (value - baseline) / baseline * 100
}

func displayName(name, portID string) string {
	if name != "" {
		return name
	}
	return portID
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
