// Package outbox provides a WAL-mode SQLite-backed email outbox with
// at-least-once delivery semantics: messages are persisted on Enqueue and
// are not removed until Ack. A crash between send and Ack re-delivers the
// message on the next drain after restart, which is acceptable for alert
// mail.
//
// The database is opened with PRAGMA journal_mode = WAL so the enqueueing
// dispatcher and the draining goroutine do not block each other.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/veriscope/veriscope/internal/delivery"
)

// Outbox is a WAL-mode SQLite-backed email queue. It is safe for
// concurrent use.
type Outbox struct {
	db    *sql.DB
	depth atomic.Int64
}

const ddl = `
CREATE TABLE IF NOT EXISTS email_outbox (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    recipient   TEXT    NOT NULL,
    subject     TEXT    NOT NULL,
    body        TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    sent        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_email_outbox_pending
    ON email_outbox (sent, id);
`

// Open opens (or creates) the outbox database at path, enables WAL mode,
// and applies the schema. ":memory:" gives an in-memory outbox for tests.
// The depth counter is seeded from unsent rows so Depth is accurate right
// after a restart.
func Open(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("outbox: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// serialises concurrent Enqueue calls instead of failing with
	// "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: apply schema: %w", err)
	}

	ob := &Outbox{db: db}
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM email_outbox WHERE sent = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: count pending rows: %w", err)
	}
	ob.depth.Store(count)
	return ob, nil
}

// Enqueue persists msg with sent = 0; it stays visible to Dequeue until
// acknowledged.
func (o *Outbox) Enqueue(ctx context.Context, msg delivery.EmailMessage) error {
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO email_outbox (recipient, subject, body) VALUES (?, ?, ?)`,
		msg.To, msg.Subject, msg.Body,
	)
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	o.depth.Add(1)
	return nil
}

// Pending is an unacknowledged message; ID is the row key passed to Ack.
type Pending struct {
	ID  int64
	Msg delivery.EmailMessage
}

// Dequeue returns up to n unsent messages in insertion order without
// marking them sent. n ≤ 0 returns nil without touching the database.
func (o *Outbox) Dequeue(ctx context.Context, n int) ([]Pending, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, recipient, subject, body
		 FROM   email_outbox
		 WHERE  sent = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("outbox: dequeue query: %w", err)
	}
	defer rows.Close()

	var pending []Pending
	for rows.Next() {
		var p Pending
		if err := rows.Scan(&p.ID, &p.Msg.To, &p.Msg.Subject, &p.Msg.Body); err != nil {
			return nil, fmt.Errorf("outbox: dequeue scan: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: dequeue rows: %w", err)
	}
	return pending, nil
}

// Ack marks the given rows sent. Idempotent; the depth counter drops only
// for rows that actually transitioned.
func (o *Outbox) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := o.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE email_outbox SET sent = 1 WHERE id IN (%s) AND sent = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("outbox: ack: %w", err)
	}
	n, _ := result.RowsAffected()
	o.depth.Add(-n)
	return nil
}

// Depth returns the number of pending messages from an atomic counter; it
// never blocks on the database.
func (o *Outbox) Depth() int {
	return int(o.depth.Load())
}

// Close closes the underlying database. The outbox must not be used after
// Close returns.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Transport delivers one rendered email. The production swap-in point for
// SMTP or a provider API.
type Transport interface {
	Deliver(ctx context.Context, msg delivery.EmailMessage) error
}

// LogTransport is the stub transport: it logs the message instead of
// sending it.
type LogTransport struct {
	Logger *slog.Logger
}

// Deliver logs the message at info level.
func (t LogTransport) Deliver(_ context.Context, msg delivery.EmailMessage) error {
	t.Logger.Info("email delivered (stub transport)",
		"to", msg.To, "subject", msg.Subject, "bytes", len(msg.Body))
	return nil
}

// Drain sends up to batch pending messages through transport and acks the
// ones that succeeded. A transport failure leaves the message queued for
// the next drain.
func (o *Outbox) Drain(ctx context.Context, transport Transport, batch int, logger *slog.Logger) error {
	pending, err := o.Dequeue(ctx, batch)
	if err != nil {
		return err
	}
	var acked []int64
	for _, p := range pending {
		if err := transport.Deliver(ctx, p.Msg); err != nil {
			logger.Warn("outbox: transport failed, message stays queued",
				"id", p.ID, "to", p.Msg.To, "err", err)
			continue
		}
		acked = append(acked, p.ID)
	}
	return o.Ack(ctx, acked)
}
