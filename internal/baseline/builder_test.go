package baseline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type mockStore struct {
	from, to time.Time
	rows     int64
	err      error
	calls    int
}

func (m *mockStore) UpsertBaselines(_ context.Context, from, to time.Time) (int64, error) {
	m.calls++
	m.from, m.to = from, to
	return m.rows, m.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackfillRange(t *testing.T) {
	store := &mockStore{rows: 12}
	b := NewBuilder(store, discardLogger(), 35, nil)

	now := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)
	if err := b.Backfill(context.Background(), now); err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	wantTo := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	wantFrom := time.Date(2026, 7, 16, 0, 0, 0, 0, time.UTC)
	if !store.to.Equal(wantTo) {
		t.Errorf("to = %v, want %v", store.to, wantTo)
	}
	if !store.from.Equal(wantFrom) {
		t.Errorf("from = %v, want %v", store.from, wantFrom)
	}
}

func TestBackfillPropagatesError(t *testing.T) {
	store := &mockStore{err: errors.New("deadlock detected")}
	b := NewBuilder(store, discardLogger(), 0, nil)
	if err := b.Backfill(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunOnceTriggersEval(t *testing.T) {
	store := &mockStore{}
	var evalDay time.Time
	b := NewBuilder(store, discardLogger(), 35, func(_ context.Context, day time.Time) error {
		evalDay = day
		return nil
	})
	if err := b.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	wantDay := Day(time.Now().UTC()).AddDate(0, 0, -1)
	if !evalDay.Equal(wantDay) {
		t.Errorf("eval day = %v, want previous UTC day %v", evalDay, wantDay)
	}
}

func TestRunOnceSkipsEvalOnBackfillFailure(t *testing.T) {
	store := &mockStore{err: errors.New("down")}
	evalCalled := false
	b := NewBuilder(store, discardLogger(), 35, func(context.Context, time.Time) error {
		evalCalled = true
		return nil
	})
	if err := b.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if evalCalled {
		t.Fatal("eval ran despite failed backfill")
	}
}

func TestDay(t *testing.T) {
	in := time.Date(2026, 8, 20, 23, 59, 59, 999999999, time.FixedZone("CEST", 2*3600))
	got := Day(in)
	want := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Day = %v, want %v", got, want)
	}
}
