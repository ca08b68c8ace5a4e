package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// severityRank maps a severity column to its ordering weight inside SQL.
// Kept in sync with Severity.Rank.
const severityRank = `CASE %s
	WHEN 'CRITICAL' THEN 4
	WHEN 'HIGH'     THEN 3
	WHEN 'MEDIUM'   THEN 2
	WHEN 'LOW'      THEN 1
	ELSE 0 END`

// UpsertSignal inserts sig or, on (signal_type, entity_type, entity_id, day)
// conflict, overwrites every computed column in place. Re-running the engine
// with identical inputs therefore yields zero net-new rows and bit-identical
// values (created_at excepted: it keeps the original insert time).
func (s *Store) UpsertSignal(ctx context.Context, sig Signal) error {
	if sig.SignalID == "" {
		sig.SignalID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signals
			(signal_id, signal_type, entity_type, entity_id, day, severity,
			 value, baseline, stddev, zscore, delta_pct,
			 confidence_score, confidence_band, method,
			 cluster_id, cluster_key, cluster_type, cluster_severity,
			 cluster_summary, explanation, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (signal_type, entity_type, entity_id, day) DO UPDATE SET
			severity         = EXCLUDED.severity,
			value            = EXCLUDED.value,
			baseline         = EXCLUDED.baseline,
			stddev           = EXCLUDED.stddev,
			zscore           = EXCLUDED.zscore,
			delta_pct        = EXCLUDED.delta_pct,
			confidence_score = EXCLUDED.confidence_score,
			confidence_band  = EXCLUDED.confidence_band,
			method           = EXCLUDED.method,
			cluster_id       = EXCLUDED.cluster_id,
			cluster_key      = EXCLUDED.cluster_key,
			cluster_type     = EXCLUDED.cluster_type,
			cluster_severity = EXCLUDED.cluster_severity,
			cluster_summary  = EXCLUDED.cluster_summary,
			explanation      = EXCLUDED.explanation,
			metadata         = EXCLUDED.metadata`,
		sig.SignalID, sig.SignalType, sig.EntityType, sig.EntityID,
		sig.Day.UTC().Format("2006-01-02"), string(sig.Severity),
		sig.Value, sig.Baseline, sig.StdDev, sig.ZScore, sig.DeltaPct,
		sig.ConfidenceScore, string(sig.ConfidenceBand), sig.Method,
		nullableStr(sig.ClusterID), nullableStr(sig.ClusterKey),
		nullableStr(sig.ClusterType), nullableStr(string(sig.ClusterSeverity)),
		nullableStr(sig.ClusterSummary), nullableStr(sig.Explanation),
		sig.Metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert signal %s/%s: %w", sig.SignalType, sig.EntityID, err)
	}
	return nil
}

const signalColumns = `
	signal_id, signal_type, entity_type, entity_id, day, severity,
	value, baseline, stddev, zscore, delta_pct,
	confidence_score, confidence_band, method,
	cluster_id, cluster_key, cluster_type, cluster_severity,
	cluster_summary, explanation, metadata, created_at`

// QuerySignals returns signals matching q plus the total match count
// (ignoring limit/offset). Results are ordered by day desc, severity desc,
// confidence desc.
func (s *Store) QuerySignals(ctx context.Context, q SignalQuery) ([]Signal, int, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}

	where := "WHERE TRUE"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.PortID != "" {
		where += " AND entity_id = " + arg(q.PortID)
	}
	if q.SignalType != "" {
		where += " AND signal_type = " + arg(q.SignalType)
	}
	if q.Severity != "" {
		where += " AND severity = " + arg(string(q.Severity))
	}
	if q.SeverityMin != "" {
		where += fmt.Sprintf(" AND "+severityRank+" >= %d", "severity", q.SeverityMin.Rank())
	}
	if q.DayFrom != nil {
		where += " AND day >= " + arg(q.DayFrom.UTC().Format("2006-01-02"))
	}
	if q.DayTo != nil {
		where += " AND day <= " + arg(q.DayTo.UTC().Format("2006-01-02"))
	}
	if q.Clustered {
		where += " AND cluster_id IS NOT NULL"
	}

	var total int
	countSQL := "SELECT COUNT(*) FROM signals " + where
	if q.Clustered {
		countSQL = "SELECT COUNT(DISTINCT cluster_id) FROM signals " + where
	}
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count signals: %w", err)
	}

	sel := "SELECT " + signalColumns + " FROM signals " + where
	if q.Clustered {
		// One representative per cluster: highest severity, then highest
		// confidence, then newest.
		sel = fmt.Sprintf(`
			SELECT DISTINCT ON (cluster_id) %s
			FROM signals %s
			ORDER BY cluster_id, `+severityRank+` DESC, confidence_score DESC, created_at DESC`,
			signalColumns, where, "cluster_severity")
		sel = "SELECT * FROM (" + sel + ") reps"
	}
	sel += fmt.Sprintf(" ORDER BY day DESC, "+severityRank+" DESC, confidence_score DESC", "severity")
	sel += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)

	rows, err := s.pool.Query(ctx, sel, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan signal: %w", err)
		}
		signals = append(signals, *sig)
	}
	return signals, total, rows.Err()
}

// AlertCandidates returns one representative signal per cluster matching q.
// The representative is the member with the highest cluster severity,
// tie-broken by confidence_score desc then created_at desc. When q.Day is
// nil, the latest day with any matching cluster is used. The result is
// ordered by cluster_severity desc, confidence_score desc, created_at desc.
func (s *Store) AlertCandidates(ctx context.Context, q CandidateQuery) ([]Signal, error) {
	where := "WHERE cluster_id IS NOT NULL"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.EntityType != "" {
		where += " AND entity_type = " + arg(q.EntityType)
	}
	if q.EntityID != "" {
		where += " AND entity_id = " + arg(q.EntityID)
	}
	if q.SeverityMin != "" {
		where += fmt.Sprintf(" AND "+severityRank+" >= %d", "cluster_severity", q.SeverityMin.Rank())
	}

	day := q.Day
	if day == nil {
		var latest *time.Time
		err := s.pool.QueryRow(ctx, "SELECT MAX(day) FROM signals "+where, args...).Scan(&latest)
		if err != nil {
			return nil, fmt.Errorf("latest candidate day: %w", err)
		}
		if latest == nil {
			return nil, nil
		}
		day = latest
	}
	where += " AND day = " + arg(day.UTC().Format("2006-01-02"))

	sql := fmt.Sprintf(`
		SELECT * FROM (
			SELECT DISTINCT ON (cluster_id) %s
			FROM signals %s
			ORDER BY cluster_id, `+severityRank+` DESC, confidence_score DESC, created_at DESC
		) reps
		ORDER BY `+severityRank+` DESC, confidence_score DESC, created_at DESC`,
		signalColumns, where, "cluster_severity", "cluster_severity")

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("alert candidates: %w", err)
	}
	defer rows.Close()

	var candidates []Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, *sig)
	}
	return candidates, rows.Err()
}

// SignalByCluster returns the representative member of one cluster, using
// the same selection order as AlertCandidates. Used by the DLQ drainer to
// rebuild a delivery payload from its cluster_id. Returns nil when the
// cluster no longer exists.
func (s *Store) SignalByCluster(ctx context.Context, clusterID string) (*Signal, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM   signals
		WHERE  cluster_id = $1
		ORDER  BY `+severityRank+` DESC, confidence_score DESC, created_at DESC
		LIMIT  1`, signalColumns, "cluster_severity"), clusterID)
	if err != nil {
		return nil, fmt.Errorf("signal by cluster %s: %w", clusterID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	sig, err := scanSignal(rows)
	if err != nil {
		return nil, fmt.Errorf("scan cluster signal: %w", err)
	}
	return sig, rows.Err()
}

// scanSignal reads one signals row projected as signalColumns.
func scanSignal(sc scanner) (*Signal, error) {
	var sig Signal
	var severity, band string
	var clusterID, clusterKey, clusterType, clusterSeverity, clusterSummary, explanation *string
	err := sc.Scan(
		&sig.SignalID, &sig.SignalType, &sig.EntityType, &sig.EntityID,
		&sig.Day, &severity,
		&sig.Value, &sig.Baseline, &sig.StdDev, &sig.ZScore, &sig.DeltaPct,
		&sig.ConfidenceScore, &band, &sig.Method,
		&clusterID, &clusterKey, &clusterType, &clusterSeverity,
		&clusterSummary, &explanation, &sig.Metadata, &sig.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sig.Severity = Severity(severity)
	sig.ConfidenceBand = ConfidenceBand(band)
	if clusterID != nil {
		sig.ClusterID = *clusterID
	}
	if clusterKey != nil {
		sig.ClusterKey = *clusterKey
	}
	if clusterType != nil {
		sig.ClusterType = *clusterType
	}
	if clusterSeverity != nil {
		sig.ClusterSeverity = Severity(*clusterSeverity)
	}
	if clusterSummary != nil {
		sig.ClusterSummary = *clusterSummary
	}
	if explanation != nil {
		sig.Explanation = *explanation
	}
	return &sig, nil
}
