package storage

import (
	"context"
	"fmt"
	"time"
)

// upsertBaselinesSQL computes every port's daily aggregates over
// [$1 - 30 days, $2] so that the trailing window has full context, derives
// the 30-day moments with a ROWS BETWEEN 30 PRECEDING AND 1 PRECEDING frame
// (inclusive of day-30, exclusive of the current day, sample stddev), and
// upserts only the rows inside the requested [$1, $2] range.
//
// One statement, so a concurrent signal evaluation never observes a
// half-written window.
const upsertBaselinesSQL = `
WITH days AS (
    SELECT generate_series($1::date - 30, $2::date, interval '1 day')::date AS day
),
daily AS (
    SELECT p.port_id,
           d.day,
           COUNT(pc.call_id) FILTER (
               WHERE pc.arrival_time >= d.day
                 AND pc.arrival_time <  d.day + interval '1 day') AS arrivals,
           COUNT(pc.call_id) FILTER (
               WHERE pc.departure_time >= d.day
                 AND pc.departure_time <  d.day + interval '1 day') AS departures,
           COUNT(DISTINCT pc.vessel_id) FILTER (
               WHERE pc.arrival_time >= d.day
                 AND pc.arrival_time <  d.day + interval '1 day') AS unique_vessels,
           AVG(EXTRACT(EPOCH FROM (pc.departure_time - pc.arrival_time)) / 3600.0) FILTER (
               WHERE pc.departure_time >= d.day
                 AND pc.departure_time <  d.day + interval '1 day') AS avg_dwell_hours,
           COUNT(pc.call_id) FILTER (
               WHERE pc.arrival_time < d.day + interval '1 day'
                 AND (pc.departure_time IS NULL
                      OR pc.departure_time >= d.day + interval '1 day')) AS open_calls
    FROM   ports p
    CROSS  JOIN days d
    LEFT   JOIN port_calls pc ON pc.port_id = p.port_id
    GROUP  BY p.port_id, d.day
),
windowed AS (
    SELECT daily.*,
           AVG(arrivals)               OVER w AS arrivals_30d_avg,
           STDDEV_SAMP(arrivals)       OVER w AS arrivals_30d_std,
           AVG(avg_dwell_hours)        OVER w AS dwell_30d_avg,
           STDDEV_SAMP(avg_dwell_hours) OVER w AS dwell_30d_std,
           AVG(open_calls)             OVER w AS open_calls_30d_avg
    FROM   daily
    WINDOW w AS (PARTITION BY port_id ORDER BY day
                 ROWS BETWEEN 30 PRECEDING AND 1 PRECEDING)
)
INSERT INTO port_daily_baselines
    (port_id, day, arrivals, departures, unique_vessels, avg_dwell_hours,
     open_calls, arrivals_30d_avg, arrivals_30d_std, dwell_30d_avg,
     dwell_30d_std, open_calls_30d_avg, computed_at)
SELECT port_id, day, arrivals, departures, unique_vessels, avg_dwell_hours,
       open_calls, arrivals_30d_avg, arrivals_30d_std, dwell_30d_avg,
       dwell_30d_std, open_calls_30d_avg, now()
FROM   windowed
WHERE  day >= $1::date
ON CONFLICT (port_id, day) DO UPDATE SET
    arrivals           = EXCLUDED.arrivals,
    departures         = EXCLUDED.departures,
    unique_vessels     = EXCLUDED.unique_vessels,
    avg_dwell_hours    = EXCLUDED.avg_dwell_hours,
    open_calls         = EXCLUDED.open_calls,
    arrivals_30d_avg   = EXCLUDED.arrivals_30d_avg,
    arrivals_30d_std   = EXCLUDED.arrivals_30d_std,
    dwell_30d_avg      = EXCLUDED.dwell_30d_avg,
    dwell_30d_std      = EXCLUDED.dwell_30d_std,
    open_calls_30d_avg = EXCLUDED.open_calls_30d_avg,
    computed_at        = now()`

// UpsertBaselines recomputes and upserts port_daily_baselines rows for every
// port and every day in [from, to] (dates, inclusive). It returns the number
// of rows written. Running it twice over the same window writes the same
// rows in place: count(port_daily_baselines) is unchanged.
func (s *Store) UpsertBaselines(ctx context.Context, from, to time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, upsertBaselinesSQL, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("upsert baselines: %w", err)
	}
	return tag.RowsAffected(), nil
}

// BaselinesForDay returns the baseline row of every port for day, optionally
// restricted to portIDs.
func (s *Store) BaselinesForDay(ctx context.Context, day time.Time, portIDs []string) ([]Baseline, error) {
	args := []any{day.UTC().Format("2006-01-02")}
	sql := `
		SELECT port_id, day, arrivals, departures, unique_vessels,
		       avg_dwell_hours, open_calls, arrivals_30d_avg, arrivals_30d_std,
		       dwell_30d_avg, dwell_30d_std, open_calls_30d_avg
		FROM   port_daily_baselines
		WHERE  day = $1`
	if len(portIDs) > 0 {
		sql += ` AND port_id = ANY($2)`
		args = append(args, portIDs)
	}
	sql += ` ORDER BY port_id`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("baselines for day: %w", err)
	}
	defer rows.Close()

	var baselines []Baseline
	for rows.Next() {
		var b Baseline
		err := rows.Scan(
			&b.PortID, &b.Day, &b.Arrivals, &b.Departures, &b.UniqueVessels,
			&b.AvgDwellHours, &b.OpenCalls, &b.Arrivals30dAvg, &b.Arrivals30dStd,
			&b.Dwell30dAvg, &b.Dwell30dStd, &b.OpenCalls30dAvg,
		)
		if err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		baselines = append(baselines, b)
	}
	return baselines, rows.Err()
}

// HistoryDays counts the baseline rows for portID in [day-30, day-1]. The
// signal engine requires at least 10 before evaluating the port.
func (s *Store) HistoryDays(ctx context.Context, portID string, day time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM   port_daily_baselines
		WHERE  port_id = $1
		  AND  day >= $2::date - 30
		  AND  day <  $2::date`,
		portID, day.UTC().Format("2006-01-02"),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history days: %w", err)
	}
	return n, nil
}

// CountBaselines returns count(port_daily_baselines); used to verify
// backfill idempotence.
func (s *Store) CountBaselines(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM port_daily_baselines`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count baselines: %w", err)
	}
	return n, nil
}
