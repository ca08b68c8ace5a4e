package ais

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/veriscope/veriscope/internal/storage"
)

// mockStore records calls and can be told to fail persistence.
type mockStore struct {
	mu        sync.Mutex
	vessels   map[string]string
	positions []storage.Position
	failNext  error
}

func newMockStore() *mockStore {
	return &mockStore{vessels: make(map[string]string)}
}

func (m *mockStore) UpsertVessel(_ context.Context, v storage.Vessel) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.vessels[v.MMSI]; ok {
		return id, nil
	}
	id := fmt.Sprintf("vessel-%d", len(m.vessels)+1)
	m.vessels[v.MMSI] = id
	return id, nil
}

func (m *mockStore) BatchInsertPositions(_ context.Context, pos storage.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.positions = append(m.positions, pos)
	return nil
}

func (m *mockStore) ListVessels(context.Context) ([]storage.Vessel, error) {
	return nil, nil
}

func (m *mockStore) LatestPositions(context.Context) ([]storage.Position, error) {
	return nil, nil
}

func (m *mockStore) positionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testIngestor(store Store) *Ingestor {
	return NewIngestor(store, Options{
		QueueSize: 100,
		DedupSize: 100,
		BatchSize: 10,
		Workers:   1,
		Logger:    discardLogger(),
	})
}

func TestIngestorDeduplicates(t *testing.T) {
	store := newMockStore()
	ing := testIngestor(store)
	if err := ing.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ing.Stop()

	msg := testMessage("235090123", time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC), 51.95, 4.12)
	ing.handle(msg)
	ing.handle(msg) // exact duplicate

	waitFor(t, 2*time.Second, func() bool { return store.positionCount() == 1 })

	st := ing.Stats()
	if st.MessagesReceived != 2 {
		t.Errorf("MessagesReceived = %d, want 2", st.MessagesReceived)
	}
	if st.DuplicatesFiltered != 1 {
		t.Errorf("DuplicatesFiltered = %d, want 1", st.DuplicatesFiltered)
	}
	if st.PositionsPersisted != 1 {
		t.Errorf("PositionsPersisted = %d, want 1", st.PositionsPersisted)
	}
}

func TestIngestorResolvesVesselOnce(t *testing.T) {
	store := newMockStore()
	ing := testIngestor(store)
	if err := ing.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ing.Stop()

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ing.handle(testMessage("235090123", base.Add(time.Duration(i)*time.Minute), 51.95, 4.12))
	}
	waitFor(t, 2*time.Second, func() bool { return store.positionCount() == 5 })

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.vessels) != 1 {
		t.Fatalf("vessels upserted = %d, want 1", len(store.vessels))
	}
	for _, p := range store.positions {
		if p.VesselID != "vessel-1" {
			t.Fatalf("position vessel_id = %q, want vessel-1", p.VesselID)
		}
	}
}

func TestIngestorRetriesAfterStorageError(t *testing.T) {
	store := newMockStore()
	store.failNext = errors.New("connection reset")
	ing := testIngestor(store)
	if err := ing.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ing.Stop()

	ing.handle(testMessage("235090123", time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC), 51.95, 4.12))

	// The drainer requeues the failed batch and succeeds on the next pass.
	waitFor(t, 5*time.Second, func() bool { return store.positionCount() == 1 })
}

func TestIngestorDoubleStart(t *testing.T) {
	ing := testIngestor(newMockStore())
	if err := ing.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer ing.Stop()
	if err := ing.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestIngestorModeSelection(t *testing.T) {
	sim := NewIngestor(newMockStore(), Options{Logger: discardLogger()})
	if sim.Mode() != ModeSimulation {
		t.Errorf("empty key: Mode = %q, want simulation", sim.Mode())
	}
	live := NewIngestor(newMockStore(), Options{UpstreamKey: "k", Logger: discardLogger()})
	if live.Mode() != ModeLive {
		t.Errorf("with key: Mode = %q, want live", live.Mode())
	}
}

func TestReconnectDelayCapped(t *testing.T) {
	for attempts := 0; attempts < 20; attempts++ {
		d := reconnectDelay(attempts)
		if d > maxReconnectDelay+time.Second {
			t.Fatalf("attempt %d: delay %v exceeds cap", attempts, d)
		}
		if d < baseReconnectDelay {
			t.Fatalf("attempt %d: delay %v below base", attempts, d)
		}
	}
}
