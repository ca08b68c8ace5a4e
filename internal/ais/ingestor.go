package ais

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veriscope/veriscope/internal/metrics"
	"github.com/veriscope/veriscope/internal/storage"
)

// cleanupInterval is how often the dedup set is trimmed back under its cap.
const cleanupInterval = 60 * time.Second

// drainIdleSleep is how long a drainer sleeps when the queue is empty.
const drainIdleSleep = 200 * time.Millisecond

// Mode selects the message source.
type Mode string

const (
	ModeLive       Mode = "live"
	ModeSimulation Mode = "simulation"
)

// Store is the slice of the storage layer the ingestor needs.
type Store interface {
	UpsertVessel(ctx context.Context, v storage.Vessel) (string, error)
	BatchInsertPositions(ctx context.Context, pos storage.Position) error
	ListVessels(ctx context.Context) ([]storage.Vessel, error)
	LatestPositions(ctx context.Context) ([]storage.Position, error)
}

// Options configures an Ingestor.
type Options struct {
	UpstreamURL  string
	UpstreamKey  string // empty selects simulation mode
	QueueSize    int
	DedupSize    int
	BatchSize    int
	Workers      int
	Logger       *slog.Logger
}

// Stats is a point-in-time snapshot of the ingestion pipeline, exposed on
// the health endpoint.
type Stats struct {
	Mode               Mode       `json:"mode"`
	ConnectionStatus   ConnStatus `json:"connection_status"`
	IsHealthy          bool       `json:"is_healthy"`
	ReconnectAttempts  uint64     `json:"reconnect_attempts"`
	MessagesReceived   uint64     `json:"messages_received"`
	DuplicatesFiltered uint64     `json:"duplicates_filtered"`
	MessagesDropped    uint64     `json:"messages_dropped"`
	PositionsPersisted uint64     `json:"positions_persisted"`
	QueueDepth         int        `json:"queue_depth"`
	QueueCapacity      int        `json:"queue_capacity"`
	DedupSetSize       int        `json:"dedup_set_size"`
	KnownVessels       int        `json:"known_vessels"`
}

// Ingestor owns the full ingest pipeline: source (live client or simulator),
// dedup set, ring queue, and a pool of drainer goroutines that resolve
// vessels and hand positions to the storage batch path.
type Ingestor struct {
	opts   Options
	store  Store
	logger *slog.Logger

	queue *Queue
	dedup *DedupSet

	received   atomic.Uint64
	reconnects atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
	persisted  atomic.Uint64
	connStatus atomic.Value // ConnStatus

	// mmsiCache memoizes MMSI → vessel_id so drainers upsert each vessel
	// once, not once per message.
	cacheMu   sync.RWMutex
	mmsiCache map[string]string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewIngestor builds an Ingestor; Start launches it.
func NewIngestor(store Store, opts Options) *Ingestor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	ing := &Ingestor{
		opts:      opts,
		store:     store,
		logger:    opts.Logger.With("component", "ais"),
		queue:     NewQueue(opts.QueueSize),
		dedup:     NewDedupSet(opts.DedupSize),
		mmsiCache: make(map[string]string),
	}
	ing.connStatus.Store(StatusDisconnected)
	return ing
}

// Mode reports which source this ingestor uses: simulation when no upstream
// key is configured, live otherwise.
func (ing *Ingestor) Mode() Mode {
	if ing.opts.UpstreamKey == "" {
		return ModeSimulation
	}
	return ModeLive
}

// Start launches the source, the drainer pool, and the periodic dedup trim.
// Calling Start on a running ingestor is an error.
func (ing *Ingestor) Start(ctx context.Context) error {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.started {
		return fmt.Errorf("ais: ingestor already started")
	}
	ing.started = true

	ctx, ing.cancel = context.WithCancel(ctx)

	switch ing.Mode() {
	case ModeSimulation:
		ing.connStatus.Store(StatusSimulated)
		sim := NewSimulator(ing.logger, ing.handle, time.Now().UnixNano())
		sim.Seed(ing.knownPositions(ctx))
		ing.wg.Add(1)
		go func() {
			defer ing.wg.Done()
			sim.Run(ctx)
		}()
	case ModeLive:
		client := NewClient(ing.opts.UpstreamURL, ing.opts.UpstreamKey, ing.logger,
			ing.handle,
			func(st ConnStatus) {
				if st == StatusDisconnected {
					ing.reconnects.Add(1)
				}
				ing.connStatus.Store(st)
			})
		ing.wg.Add(1)
		go func() {
			defer ing.wg.Done()
			client.Run(ctx)
		}()
	}

	for i := 0; i < ing.opts.Workers; i++ {
		ing.wg.Add(1)
		go func() {
			defer ing.wg.Done()
			ing.drain(ctx)
		}()
	}

	ing.wg.Add(1)
	go func() {
		defer ing.wg.Done()
		ing.cleanupLoop(ctx)
	}()

	ing.logger.Info("ais ingestor started",
		"mode", ing.Mode(),
		"queue_capacity", ing.queue.Cap(),
		"workers", ing.opts.Workers)
	return nil
}

// Stop cancels the pipeline and waits for all goroutines to exit.
func (ing *Ingestor) Stop() {
	ing.mu.Lock()
	if !ing.started {
		ing.mu.Unlock()
		return
	}
	ing.started = false
	cancel := ing.cancel
	ing.mu.Unlock()

	cancel()
	ing.wg.Wait()
}

// handle is the hot path for every message from the source: count,
// deduplicate, enqueue.
func (ing *Ingestor) handle(m *Message) {
	n := ing.received.Add(1)
	metrics.AISMessagesReceived.Inc()

	if ing.dedup.Seen(Fingerprint(m)) {
		ing.duplicates.Add(1)
		metrics.AISDuplicatesFiltered.Inc()
		return
	}
	if ing.queue.Enqueue(*m) {
		d := ing.dropped.Add(1)
		metrics.AISMessagesDropped.Inc()
		// Sampled warning so a saturated queue does not flood the log.
		if d%100 == 1 {
			ing.logger.Warn("ais queue full, dropping oldest",
				"dropped_total", d, "received_total", n)
		}
	}
	metrics.AISQueueDepth.Set(float64(ing.queue.Len()))
}

// drain repeatedly pulls batches off the queue and persists them. A storage
// failure pushes the unprocessed remainder back to the head of the queue and
// backs off for a second.
func (ing *Ingestor) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch := ing.queue.DequeueBatch(ing.opts.BatchSize)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(drainIdleSleep):
			}
			continue
		}

		for i := range batch {
			if err := ing.persist(ctx, &batch[i]); err != nil {
				if ctx.Err() != nil {
					return
				}
				ing.logger.Error("ais persist failed, requeueing batch",
					"err", err, "remaining", len(batch)-i)
				ing.queue.RequeueFront(batch[i:])
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				break
			}
		}
		metrics.AISQueueDepth.Set(float64(ing.queue.Len()))
	}
}

// persist resolves the vessel and hands the position to the batch insert
// path.
func (ing *Ingestor) persist(ctx context.Context, m *Message) error {
	vesselID, err := ing.resolveVessel(ctx, m.MMSI)
	if err != nil {
		return err
	}
	pos := storage.Position{
		VesselID:    vesselID,
		Timestamp:   m.Timestamp,
		Lat:         m.Lat,
		Lon:         m.Lon,
		SOG:         m.SOG,
		COG:         m.COG,
		Heading:     m.Heading,
		NavStatus:   m.NavStatus,
		Destination: m.Destination,
		ETA:         m.ETA,
	}
	if err := ing.store.BatchInsertPositions(ctx, pos); err != nil {
		return err
	}
	ing.persisted.Add(1)
	metrics.AISPositionsPersisted.Inc()
	return nil
}

// resolveVessel returns the vessel_id for an MMSI, upserting on first
// sighting and memoizing the result.
func (ing *Ingestor) resolveVessel(ctx context.Context, mmsi string) (string, error) {
	ing.cacheMu.RLock()
	id, ok := ing.mmsiCache[mmsi]
	ing.cacheMu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := ing.store.UpsertVessel(ctx, storage.Vessel{MMSI: mmsi})
	if err != nil {
		return "", err
	}
	ing.cacheMu.Lock()
	ing.mmsiCache[mmsi] = id
	ing.cacheMu.Unlock()
	return id, nil
}

// cleanupLoop trims the dedup set on a fixed interval.
func (ing *Ingestor) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ing.dedup.Trim()
		}
	}
}

// knownPositions returns MMSI → last known (lat, lon) for seeding the
// simulator. Lookup failures degrade to an empty map.
func (ing *Ingestor) knownPositions(ctx context.Context) map[string][2]float64 {
	out := make(map[string][2]float64)

	vessels, err := ing.store.ListVessels(ctx)
	if err != nil {
		ing.logger.Warn("simulator seed: list vessels", "err", err)
		return out
	}
	latest, err := ing.store.LatestPositions(ctx)
	if err != nil {
		ing.logger.Warn("simulator seed: latest positions", "err", err)
		return out
	}

	byID := make(map[string][2]float64, len(latest))
	for _, p := range latest {
		byID[p.VesselID] = [2]float64{p.Lat, p.Lon}
	}
	for _, v := range vessels {
		if pos, ok := byID[v.VesselID]; ok {
			out[v.MMSI] = pos
		}
	}
	return out
}

// Stats returns a snapshot of pipeline counters and connection state.
func (ing *Ingestor) Stats() Stats {
	status, _ := ing.connStatus.Load().(ConnStatus)
	mode := ing.Mode()

	ing.cacheMu.RLock()
	known := len(ing.mmsiCache)
	ing.cacheMu.RUnlock()

	healthy := true
	if mode == ModeLive {
		healthy = status == StatusConnected
	}
	return Stats{
		Mode:               mode,
		ConnectionStatus:   status,
		IsHealthy:          healthy,
		ReconnectAttempts:  ing.reconnects.Load(),
		MessagesReceived:   ing.received.Load(),
		DuplicatesFiltered: ing.duplicates.Load(),
		MessagesDropped:    ing.dropped.Load(),
		PositionsPersisted: ing.persisted.Load(),
		QueueDepth:         ing.queue.Len(),
		QueueCapacity:      ing.queue.Cap(),
		DedupSetSize:       ing.dedup.Size(),
		KnownVessels:       known,
	}
}
