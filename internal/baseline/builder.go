// Package baseline backfills the per-port daily activity baselines. The
// heavy lifting is one set-oriented SQL upsert in the storage layer; this
// package owns the date-range arithmetic and the daily cadence, and chains
// signal evaluation for the previous UTC day after each backfill.
package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veriscope/veriscope/internal/metrics"
	"github.com/veriscope/veriscope/internal/sched"
)

// DefaultBackfillDays is how far back each backfill reaches. Slightly more
// than the 30-day stats window so late-arriving departures refresh the days
// they touch.
const DefaultBackfillDays = 35

// Store is the slice of the storage layer the builder needs.
type Store interface {
	UpsertBaselines(ctx context.Context, from, to time.Time) (int64, error)
}

// EvalFunc is invoked with the previous UTC day after every successful
// backfill; the signal engine hangs off this hook.
type EvalFunc func(ctx context.Context, day time.Time) error

// Builder owns the baseline backfill.
type Builder struct {
	store        Store
	logger       *slog.Logger
	backfillDays int
	eval         EvalFunc
}

// NewBuilder creates a Builder. days ≤ 0 uses DefaultBackfillDays; eval may
// be nil.
func NewBuilder(store Store, logger *slog.Logger, days int, eval EvalFunc) *Builder {
	if days <= 0 {
		days = DefaultBackfillDays
	}
	return &Builder{
		store:        store,
		logger:       logger.With("component", "baseline"),
		backfillDays: days,
		eval:         eval,
	}
}

// Backfill upserts baselines for [today-N, today] relative to now (UTC).
// The upsert is idempotent, so overlapping runs converge on the same rows.
func (b *Builder) Backfill(ctx context.Context, now time.Time) error {
	to := Day(now)
	from := to.AddDate(0, 0, -b.backfillDays)

	rows, err := b.store.UpsertBaselines(ctx, from, to)
	if err != nil {
		return fmt.Errorf("baseline: backfill [%s, %s]: %w",
			from.Format("2006-01-02"), to.Format("2006-01-02"), err)
	}
	metrics.BaselineRowsUpserted.Add(float64(rows))
	b.logger.Info("baselines backfilled",
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"rows", rows)
	return nil
}

// RunOnce backfills and then evaluates signals for the previous UTC day.
func (b *Builder) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()
	if err := b.Backfill(ctx, now); err != nil {
		return err
	}
	if b.eval != nil {
		prev := Day(now).AddDate(0, 0, -1)
		if err := b.eval(ctx, prev); err != nil {
			return fmt.Errorf("baseline: signal eval for %s: %w",
				prev.Format("2006-01-02"), err)
		}
	}
	return nil
}

// Task wraps the daily cadence: one run at startup, then every 24 hours.
func (b *Builder) Task() *sched.Task {
	return &sched.Task{
		Name:      "baseline-daily",
		Interval:  24 * time.Hour,
		Immediate: true,
		Fn:        b.RunOnce,
		Logger:    b.logger,
	}
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
