package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of position rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending positions even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the Veriscope server.
//
// Position ingestion is batched: callers enqueue individual Position values
// via BatchInsertPositions, which accumulates them in memory and flushes to
// the database either when the buffer reaches batchSize or when the
// background ticker fires, whichever comes first. All other operations are
// executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Position
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Position, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// positions, and closes the connection pool. It is safe to call Close more
// than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// Ping verifies database connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// flushLoop is the background goroutine that ticks on flushInterval and
// calls Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertPositions enqueues pos for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertPositions(ctx context.Context, pos Position) error {
	s.mu.Lock()
	s.batch = append(s.batch, pos)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current position buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip. Rows that conflict on the primary key
// (same vessel, same timestamp) are silently ignored, which makes upstream
// replays idempotent.
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains
// a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Position, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO vessel_positions
			(vessel_id, timestamp_utc, lat, lon, sog, cog, heading, nav_status, destination, eta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		p := &toInsert[i]
		b.Queue(query,
			p.VesselID, p.Timestamp.UTC(), p.Lat, p.Lon,
			p.SOG, p.COG, p.Heading,
			string(p.NavStatus),
			nullableStr(p.Destination), nullableStr(p.ETA),
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec position: %w", err)
		}
	}
	return nil
}

// LatestPositions returns the newest position per vessel.
func (s *Store) LatestPositions(ctx context.Context) ([]Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (vessel_id)
		       vessel_id, timestamp_utc, lat, lon, sog, cog, heading,
		       nav_status, destination, eta
		FROM   vessel_positions
		ORDER  BY vessel_id, timestamp_utc DESC`)
	if err != nil {
		return nil, fmt.Errorf("latest positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanPosition reads one vessel_positions row.
func scanPosition(sc scanner) (*Position, error) {
	var p Position
	var sog, cog, heading *float64
	var navStatus string
	var destination, eta *string
	err := sc.Scan(
		&p.VesselID, &p.Timestamp, &p.Lat, &p.Lon,
		&sog, &cog, &heading,
		&navStatus, &destination, &eta,
	)
	if err != nil {
		return nil, err
	}
	p.NavStatus = NavStatus(navStatus)
	if sog != nil {
		p.SOG = *sog
	}
	if cog != nil {
		p.COG = *cog
	}
	if heading != nil {
		p.Heading = *heading
	}
	if destination != nil {
		p.Destination = *destination
	}
	if eta != nil {
		p.ETA = *eta
	}
	return &p, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
