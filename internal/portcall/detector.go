// Package portcall turns the position stream into arrival and departure
// events via a per-vessel geofence state machine. The authoritative state is
// the set of open port_calls rows; the in-memory map is an accelerator
// rebuilt from the database at startup.
package portcall

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/veriscope/veriscope/internal/metrics"
	"github.com/veriscope/veriscope/internal/storage"
)

// DefaultCheckInterval is how often the detector evaluates every vessel
// against every geofence.
const DefaultCheckInterval = 60 * time.Second

const earthRadiusKM = 6371.0

// Store is the slice of the storage layer the detector needs.
type Store interface {
	ListPorts(ctx context.Context) ([]storage.Port, error)
	LatestPositions(ctx context.Context) ([]storage.Position, error)
	OpenCalls(ctx context.Context) ([]storage.PortCall, error)
	OpenPortCall(ctx context.Context, vesselID, portID string, arrival time.Time) (string, error)
	ClosePortCall(ctx context.Context, vesselID, portID string, departure time.Time, computeBerth bool) (bool, error)
}

// vesselState is the detector's memory of where a vessel currently is.
type vesselState struct {
	portID    string
	enteredAt time.Time
}

// Detector holds the per-vessel geofence state machine.
type Detector struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	state map[string]vesselState // vessel_id → current port
}

// NewDetector builds a Detector; call Rebuild before the first Tick.
func NewDetector(store Store, logger *slog.Logger) *Detector {
	return &Detector{
		store:  store,
		logger: logger.With("component", "portcall"),
		state:  make(map[string]vesselState),
	}
}

// Rebuild replaces the in-memory map with the open calls currently in the
// database. Called once at startup.
func (d *Detector) Rebuild(ctx context.Context) error {
	calls, err := d.store.OpenCalls(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = make(map[string]vesselState, len(calls))
	for _, c := range calls {
		d.state[c.VesselID] = vesselState{portID: c.PortID, enteredAt: c.ArrivalTime}
	}
	d.logger.Info("port-call state rebuilt", "open_calls", len(calls))
	return nil
}

// Run ticks on interval until ctx is cancelled. interval ≤ 0 uses the
// default.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Tick(ctx, time.Now().UTC()); err != nil {
				d.logger.Error("port-call tick failed", "err", err)
			}
		}
	}
}

// Tick evaluates every vessel's latest position against every geofence and
// applies the state transitions. A database write failure for one vessel
// leaves that vessel's in-memory state untouched, so the next tick retries
// the same transition; other vessels are unaffected.
func (d *Detector) Tick(ctx context.Context, now time.Time) error {
	ports, err := d.store.ListPorts(ctx)
	if err != nil {
		return err
	}
	positions, err := d.store.LatestPositions(ctx)
	if err != nil {
		return err
	}

	for i := range positions {
		p := &positions[i]
		inside := nearestPort(ports, p.Lat, p.Lon)
		d.transition(ctx, p.VesselID, inside, now)
	}
	return nil
}

// transition applies one vessel's state change. Memory is only updated
// after every required database write succeeded.
func (d *Detector) transition(ctx context.Context, vesselID string, inside *storage.Port, now time.Time) {
	d.mu.Lock()
	cur, hasCur := d.state[vesselID]
	d.mu.Unlock()

	switch {
	case !hasCur && inside == nil:
		// none → none

	case !hasCur && inside != nil:
		// none → P
		if !d.open(ctx, vesselID, inside.PortID, now) {
			return
		}
		d.setState(vesselID, inside.PortID, now)
		d.logger.Info("vessel arrived", "vessel_id", vesselID, "port_id", inside.PortID)

	case hasCur && inside == nil:
		// P → none: normal departure records berth time.
		if !d.close(ctx, vesselID, cur.portID, now, true) {
			return
		}
		d.clearState(vesselID)
		d.logger.Info("vessel departed", "vessel_id", vesselID, "port_id", cur.portID)

	case inside.PortID != cur.portID:
		// P → Q: close at P without berth time, open at Q.
		if !d.close(ctx, vesselID, cur.portID, now, false) {
			return
		}
		if !d.open(ctx, vesselID, inside.PortID, now) {
			// P is closed but Q failed to open: drop the memory entry so
			// the next tick sees none → Q and retries the open.
			d.clearState(vesselID)
			return
		}
		d.setState(vesselID, inside.PortID, now)
		d.logger.Info("vessel moved port", "vessel_id", vesselID,
			"from_port_id", cur.portID, "to_port_id", inside.PortID)

	default:
		// P → P
	}
}

// open inserts a port call; an already-open call (lost race with another
// instance) is adopted rather than treated as a failure.
func (d *Detector) open(ctx context.Context, vesselID, portID string, now time.Time) bool {
	_, err := d.store.OpenPortCall(ctx, vesselID, portID, now)
	if err != nil && !errors.Is(err, storage.ErrOpenCallExists) {
		d.logger.Error("open port call failed", "vessel_id", vesselID, "port_id", portID, "err", err)
		return false
	}
	metrics.PortCallsOpened.Inc()
	return true
}

func (d *Detector) close(ctx context.Context, vesselID, portID string, now time.Time, computeBerth bool) bool {
	closed, err := d.store.ClosePortCall(ctx, vesselID, portID, now, computeBerth)
	if err != nil {
		d.logger.Error("close port call failed", "vessel_id", vesselID, "port_id", portID, "err", err)
		return false
	}
	if closed {
		metrics.PortCallsClosed.Inc()
	}
	return true
}

func (d *Detector) setState(vesselID, portID string, enteredAt time.Time) {
	d.mu.Lock()
	d.state[vesselID] = vesselState{portID: portID, enteredAt: enteredAt}
	d.mu.Unlock()
}

func (d *Detector) clearState(vesselID string) {
	d.mu.Lock()
	delete(d.state, vesselID)
	d.mu.Unlock()
}

// CurrentPort reports which port the detector believes the vessel is in.
func (d *Detector) CurrentPort(vesselID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.state[vesselID]
	return st.portID, ok
}

// nearestPort returns the closest port whose geofence contains (lat, lon),
// or nil when the position is outside every fence. Distance ties resolve by
// port UUID so the outcome is stable across ticks.
func nearestPort(ports []storage.Port, lat, lon float64) *storage.Port {
	var best *storage.Port
	bestDist := math.Inf(1)
	// Sorting by UUID first makes the < comparison below a stable
	// tie-break without a secondary key.
	idx := make([]int, len(ports))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return ports[idx[a]].PortID < ports[idx[b]].PortID })

	for _, i := range idx {
		p := &ports[i]
		dist := Haversine(lat, lon, p.Lat, p.Lon)
		if dist <= p.GeofenceRadiusKM && dist < bestDist {
			best = p
			bestDist = dist
		}
	}
	return best
}

// Haversine returns the great-circle distance in kilometres between two
// (lat, lon) points in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180
	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
