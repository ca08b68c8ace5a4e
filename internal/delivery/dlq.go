package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veriscope/veriscope/internal/metrics"
	"github.com/veriscope/veriscope/internal/storage"
)

// DefaultDrainBatch bounds how many due entries one drain cycle processes.
const DefaultDrainBatch = 20

// DLQStore is the slice of the storage layer the drainer needs.
type DLQStore interface {
	DueDLQ(ctx context.Context, now time.Time, limit int) ([]storage.DueDLQItem, error)
	SignalByCluster(ctx context.Context, clusterID string) (*storage.Signal, error)
	InsertDeliveryAttempt(ctx context.Context, deliveryID, status string, httpStatus, latencyMS *int, errDetail string) (int, error)
	UpdateDeliveryStatus(ctx context.Context, deliveryID string, status storage.DeliveryStatus, attempts int, lastHTTPStatus, latencyMS *int, sentAt *time.Time, errDetail string) error
	UpsertDLQ(ctx context.Context, deliveryID, lastError string, maxAttempts int, now time.Time) (*storage.DLQEntry, error)
	ResolveDLQ(ctx context.Context, deliveryID string) error
	TerminalDLQ(ctx context.Context, deliveryID string, now time.Time) error
	MarkAlertSent(ctx context.Context, tenantID, clusterID string, channel storage.Channel, endpoint string, sentAt time.Time, ttlHours int) error
	GetPort(ctx context.Context, portID string) (*storage.Port, error)
}

// Drainer re-attempts dead-lettered deliveries on their backoff schedule.
// Each cycle is one drain: the DLQ row's attempt_count counts drain cycles,
// while the in-call HTTP retries inside a cycle are recorded individually
// in alert_delivery_attempts.
type Drainer struct {
	store       DLQStore
	webhook     *WebhookSender
	email       *EmailSender
	logger      *slog.Logger
	batch       int
	maxAttempts int
	ttlHours    int
}

// NewDrainer builds a Drainer. batch ≤ 0 uses DefaultDrainBatch.
func NewDrainer(store DLQStore, webhook *WebhookSender, email *EmailSender,
	logger *slog.Logger, batch, maxAttempts, ttlHours int) *Drainer {
	if batch <= 0 {
		batch = DefaultDrainBatch
	}
	return &Drainer{
		store:       store,
		webhook:     webhook,
		email:       email,
		logger:      logger.With("component", "dlq"),
		batch:       batch,
		maxAttempts: maxAttempts,
		ttlHours:    ttlHours,
	}
}

// Drain processes one batch of due entries, oldest next_attempt_at first.
func (d *Drainer) Drain(ctx context.Context) error {
	now := time.Now().UTC()
	items, err := d.store.DueDLQ(ctx, now, d.batch)
	if err != nil {
		return fmt.Errorf("delivery: due dlq: %w", err)
	}
	metrics.DLQDepth.Set(float64(len(items)))
	for i := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.drainOne(ctx, &items[i], now)
	}
	return nil
}

// drainOne re-attempts a single delivery.
func (d *Drainer) drainOne(ctx context.Context, item *storage.DueDLQItem, now time.Time) {
	del := &item.Delivery
	sub := &item.Subscription

	sig, err := d.store.SignalByCluster(ctx, del.ClusterID)
	if err != nil {
		d.logger.Error("dlq: lookup cluster failed", "delivery_id", del.DeliveryID, "err", err)
		return
	}
	if sig == nil {
		// The cluster was re-evaluated away; nothing sensible to resend.
		d.terminal(ctx, del.DeliveryID, "cluster no longer exists", del.Attempts, now)
		metrics.DLQDrained.WithLabelValues("orphaned").Inc()
		return
	}

	payload, err := BuildPayload(sub.SubscriptionID, sig, now)
	if err != nil {
		d.terminal(ctx, del.DeliveryID, err.Error(), del.Attempts, now)
		metrics.DLQDrained.WithLabelValues("orphaned").Inc()
		return
	}

	switch sub.Channel {
	case storage.ChannelEmail:
		d.drainEmail(ctx, item, payload, now)
	default:
		d.drainWebhook(ctx, item, payload, now)
	}
}

func (d *Drainer) drainWebhook(ctx context.Context, item *storage.DueDLQItem, payload *Payload, now time.Time) {
	del := &item.Delivery
	sub := &item.Subscription

	res, err := d.webhook.Send(ctx, sub.Endpoint, sub.Secret, payload)
	if err == nil {
		d.recordAttempts(ctx, del.DeliveryID, res.AttemptLog)
		sentAt := now
		status, latency := res.HTTPStatus, res.LatencyMS
		_ = d.store.UpdateDeliveryStatus(ctx, del.DeliveryID, storage.DeliverySent,
			del.Attempts+len(res.AttemptLog), &status, &latency, &sentAt, "")
		if err := d.store.ResolveDLQ(ctx, del.DeliveryID); err != nil {
			d.logger.Error("dlq: resolve failed", "delivery_id", del.DeliveryID, "err", err)
		}
		_ = d.store.MarkAlertSent(ctx, del.TenantID, del.ClusterID, sub.Channel,
			sub.Endpoint, now, d.ttlHours)
		metrics.DLQDrained.WithLabelValues("sent").Inc()
		d.logger.Info("dlq: delivery recovered", "delivery_id", del.DeliveryID)
		return
	}

	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		// Context cancellation or marshal failure; leave the entry due.
		d.logger.Error("dlq: send aborted", "delivery_id", del.DeliveryID, "err", err)
		return
	}
	d.recordAttempts(ctx, del.DeliveryID, sendErr.AttemptLog)
	d.reschedule(ctx, item, sendErr.Error(), len(sendErr.AttemptLog), now)
}

func (d *Drainer) drainEmail(ctx context.Context, item *storage.DueDLQItem, payload *Payload, now time.Time) {
	del := &item.Delivery
	sub := &item.Subscription

	if err := d.email.Send(ctx, sub.Endpoint, d.entityName(ctx, payload), payload); err != nil {
		zero := 0
		_, _ = d.store.InsertDeliveryAttempt(ctx, del.DeliveryID, "FAILED", &zero, &zero, err.Error())
		d.reschedule(ctx, item, err.Error(), 1, now)
		return
	}
	sentAt := now
	_ = d.store.UpdateDeliveryStatus(ctx, del.DeliveryID, storage.DeliverySent,
		del.Attempts+1, nil, nil, &sentAt, "")
	if err := d.store.ResolveDLQ(ctx, del.DeliveryID); err != nil {
		d.logger.Error("dlq: resolve failed", "delivery_id", del.DeliveryID, "err", err)
	}
	_ = d.store.MarkAlertSent(ctx, del.TenantID, del.ClusterID, sub.Channel,
		sub.Endpoint, now, d.ttlHours)
	metrics.DLQDrained.WithLabelValues("sent").Inc()
}

// reschedule bumps the DLQ entry onto the next backoff step, or declares
// the delivery terminally failed once the drain budget is spent.
func (d *Drainer) reschedule(ctx context.Context, item *storage.DueDLQItem, lastError string, attemptsMade int, now time.Time) {
	del := &item.Delivery

	entry, err := d.store.UpsertDLQ(ctx, del.DeliveryID, lastError, d.maxAttempts, now)
	if err != nil {
		d.logger.Error("dlq: reschedule failed", "delivery_id", del.DeliveryID, "err", err)
		return
	}
	if entry.AttemptCount >= entry.MaxAttempts {
		d.terminal(ctx, del.DeliveryID, lastError, del.Attempts+attemptsMade, now)
		metrics.DLQDrained.WithLabelValues("exhausted").Inc()
		d.logger.Warn("dlq: delivery exhausted",
			"delivery_id", del.DeliveryID, "attempt_count", entry.AttemptCount)
		return
	}
	_ = d.store.UpdateDeliveryStatus(ctx, del.DeliveryID, storage.DeliveryFailed,
		del.Attempts+attemptsMade, nil, nil, nil, lastError)
	metrics.DLQDrained.WithLabelValues("rescheduled").Inc()
	d.logger.Info("dlq: delivery rescheduled",
		"delivery_id", del.DeliveryID,
		"attempt_count", entry.AttemptCount,
		"next_attempt_at", entry.NextAttemptAt)
}

// terminal marks the delivery FAILED for good and parks the DLQ entry far
// in the future. attempts is the delivery's accumulated count across the
// initial dispatch and every drain cycle; it must survive the final update.
func (d *Drainer) terminal(ctx context.Context, deliveryID, lastError string, attempts int, now time.Time) {
	if err := d.store.TerminalDLQ(ctx, deliveryID, now); err != nil {
		d.logger.Error("dlq: terminal mark failed", "delivery_id", deliveryID, "err", err)
	}
	_ = d.store.UpdateDeliveryStatus(ctx, deliveryID, storage.DeliveryFailed,
		attempts, nil, nil, nil, lastError)
	metrics.DeliveriesTotal.WithLabelValues(string(storage.DeliveryFailed)).Inc()
}

// recordAttempts persists one alert_delivery_attempts row per physical
// POST; attempt_no continues monotonically across drain cycles.
func (d *Drainer) recordAttempts(ctx context.Context, deliveryID string, log []AttemptLog) {
	for _, a := range log {
		status := "FAILED"
		if a.Error == "" {
			status = "SENT"
		}
		httpStatus, latency := a.HTTPStatus, a.LatencyMS
		if _, err := d.store.InsertDeliveryAttempt(ctx, deliveryID, status, &httpStatus, &latency, a.Error); err != nil {
			d.logger.Error("dlq: record attempt failed", "delivery_id", deliveryID, "err", err)
		}
	}
}

// entityName resolves the display name for the payload's entity; ports fall
// back to the raw id.
func (d *Drainer) entityName(ctx context.Context, p *Payload) string {
	if p.EntityType == "port" {
		if port, err := d.store.GetPort(ctx, p.EntityID); err == nil && port != nil {
			return port.Name
		}
	}
	return p.EntityID
}
