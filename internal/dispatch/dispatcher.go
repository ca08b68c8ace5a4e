// Package dispatch orchestrates one alerting run: load enabled
// subscriptions, match alert candidates against each, gate on confidence,
// rate-limit, dedupe, and send per channel. Every outcome is persisted as
// an alert_deliveries row and rolled up into the run summary.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veriscope/veriscope/internal/delivery"
	"github.com/veriscope/veriscope/internal/metrics"
	"github.com/veriscope/veriscope/internal/storage"
)

// Store is the slice of the storage layer the dispatcher needs.
type Store interface {
	InsertAlertRun(ctx context.Context, tenantID string, startedAt time.Time) (string, error)
	FinishAlertRun(ctx context.Context, runID string, status storage.RunStatus, finishedAt time.Time, summary storage.RunSummary, errDetail string) error
	EnabledSubscriptions(ctx context.Context, tenantID, userID string) ([]storage.Subscription, error)
	AlertCandidates(ctx context.Context, q storage.CandidateQuery) ([]storage.Signal, error)
	ShouldSendAlert(ctx context.Context, tenantID, clusterID string, channel storage.Channel, endpoint string, now time.Time) (bool, error)
	MarkAlertSent(ctx context.Context, tenantID, clusterID string, channel storage.Channel, endpoint string, sentAt time.Time, ttlHours int) error
	InsertDelivery(ctx context.Context, d storage.Delivery) (string, error)
	UpdateDeliveryStatus(ctx context.Context, deliveryID string, status storage.DeliveryStatus, attempts int, lastHTTPStatus, latencyMS *int, sentAt *time.Time, errDetail string) error
	InsertDeliveryAttempt(ctx context.Context, deliveryID, status string, httpStatus, latencyMS *int, errDetail string) (int, error)
	UpsertDLQ(ctx context.Context, deliveryID, lastError string, maxAttempts int, now time.Time) (*storage.DLQEntry, error)
	GetPort(ctx context.Context, portID string) (*storage.Port, error)
}

// Options carries the dispatcher's tunables.
type Options struct {
	RateLimitPerEndpoint int
	DedupeTTLHours       int
	DLQMaxAttempts       int
}

// Dispatcher runs the alerting state machine.
type Dispatcher struct {
	store   Store
	webhook *delivery.WebhookSender
	email   *delivery.EmailSender
	logger  *slog.Logger
	opts    Options
}

// New builds a Dispatcher. Zero option fields fall back to the documented
// defaults (50 per endpoint, 24 h TTL, 10 DLQ attempts).
func New(store Store, webhook *delivery.WebhookSender, email *delivery.EmailSender,
	logger *slog.Logger, opts Options) *Dispatcher {
	if opts.RateLimitPerEndpoint <= 0 {
		opts.RateLimitPerEndpoint = 50
	}
	if opts.DedupeTTLHours <= 0 {
		opts.DedupeTTLHours = 24
	}
	if opts.DLQMaxAttempts <= 0 {
		opts.DLQMaxAttempts = 10
	}
	return &Dispatcher{
		store:   store,
		webhook: webhook,
		email:   email,
		logger:  logger.With("component", "dispatch"),
		opts:    opts,
	}
}

// Result is the outcome of one run.
type Result struct {
	RunID   string
	Status  storage.RunStatus
	Summary storage.RunSummary
}

// Run executes one alerting run for a tenant (optionally narrowed to one
// user's subscriptions and one target day). Subscriptions are processed
// sequentially; the per-endpoint rate counter is scoped to this run only.
func (d *Dispatcher) Run(ctx context.Context, tenantID, userID string, day *time.Time) (*Result, error) {
	now := time.Now().UTC()
	runID, err := d.store.InsertAlertRun(ctx, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("dispatch: insert run: %w", err)
	}

	var summary storage.RunSummary
	var runErr error

	subs, err := d.store.EnabledSubscriptions(ctx, tenantID, userID)
	if err != nil {
		runErr = err
	}
	summary.Subscriptions = len(subs)

	perEndpoint := make(map[string]int)
	for i := range subs {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		if err := d.processSubscription(ctx, runID, &subs[i], day, perEndpoint, &summary); err != nil {
			runErr = err
		}
	}

	status := storage.RunSuccess
	errDetail := ""
	if runErr != nil {
		status = storage.RunFailed
		errDetail = runErr.Error()
	}
	if err := d.store.FinishAlertRun(ctx, runID, status, time.Now().UTC(), summary, errDetail); err != nil {
		d.logger.Error("finish run failed", "run_id", runID, "err", err)
	}
	metrics.DispatcherRuns.WithLabelValues(string(status)).Inc()
	d.logger.Info("alert run finished",
		"run_id", runID, "status", status,
		"candidates", summary.CandidatesTotal, "sent", summary.SentTotal,
		"skipped_dedupe", summary.SkippedDedupeTotal,
		"skipped_rate_limit", summary.SkippedRateLimitTotal,
		"failed", summary.FailedTotal)

	return &Result{RunID: runID, Status: status, Summary: summary}, nil
}

// processSubscription matches candidates against one subscription and
// attempts delivery for each. The returned error, if any, marks the whole
// run FAILED but does not stop the remaining subscriptions.
func (d *Dispatcher) processSubscription(ctx context.Context, runID string,
	sub *storage.Subscription, day *time.Time, perEndpoint map[string]int,
	summary *storage.RunSummary) error {

	q := storage.CandidateQuery{Day: day, SeverityMin: sub.SeverityMin}
	if sub.Scope == storage.ScopePort {
		q.EntityType = sub.EntityType
		q.EntityID = sub.EntityID
	}
	candidates, err := d.store.AlertCandidates(ctx, q)
	if err != nil {
		return fmt.Errorf("dispatch: candidates for %s: %w", sub.SubscriptionID, err)
	}
	summary.CandidatesTotal += len(candidates)

	var firstErr error
	for i := range candidates {
		if err := d.processCandidate(ctx, runID, sub, &candidates[i], perEndpoint, summary); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) processCandidate(ctx context.Context, runID string,
	sub *storage.Subscription, candidate *storage.Signal,
	perEndpoint map[string]int, summary *storage.RunSummary) error {

	// Confidence gate.
	if sub.ConfidenceMin != "" && candidate.ConfidenceBand.Rank() < sub.ConfidenceMin.Rank() {
		return nil
	}
	summary.MatchedTotal++

	base := storage.Delivery{
		RunID:          runID,
		SubscriptionID: sub.SubscriptionID,
		TenantID:       sub.TenantID,
		ClusterID:      candidate.ClusterID,
	}

	// Per-run rate limit on the subscription's endpoint.
	if perEndpoint[sub.SubscriptionID] >= d.opts.RateLimitPerEndpoint {
		base.Status = storage.DeliverySkippedRateLimit
		d.record(ctx, base)
		summary.SkippedRateLimitTotal++
		return nil
	}
	perEndpoint[sub.SubscriptionID]++

	// TTL dedupe.
	now := time.Now().UTC()
	allowed, err := d.store.ShouldSendAlert(ctx, sub.TenantID, candidate.ClusterID, sub.Channel, sub.Endpoint, now)
	if err != nil {
		return fmt.Errorf("dispatch: dedupe check: %w", err)
	}
	if !allowed {
		base.Status = storage.DeliverySkippedDedupe
		d.record(ctx, base)
		summary.SkippedDedupeTotal++
		return nil
	}

	payload, err := delivery.BuildPayload(sub.SubscriptionID, candidate, now)
	if err != nil {
		return fmt.Errorf("dispatch: build payload: %w", err)
	}

	switch sub.Channel {
	case storage.ChannelEmail:
		return d.sendEmail(ctx, base, sub, payload, summary, now)
	default:
		return d.sendWebhook(ctx, base, sub, payload, summary, now)
	}
}

func (d *Dispatcher) sendWebhook(ctx context.Context, base storage.Delivery,
	sub *storage.Subscription, payload *delivery.Payload,
	summary *storage.RunSummary, now time.Time) error {

	base.Status = storage.DeliveryFailed
	deliveryID, err := d.store.InsertDelivery(ctx, base)
	if err != nil {
		return fmt.Errorf("dispatch: insert delivery: %w", err)
	}

	res, sendErr := d.webhook.Send(ctx, sub.Endpoint, sub.Secret, payload)
	if sendErr == nil {
		d.recordAttempts(ctx, deliveryID, res.AttemptLog)
		sentAt := now
		status, latency := res.HTTPStatus, res.LatencyMS
		if err := d.store.UpdateDeliveryStatus(ctx, deliveryID, storage.DeliverySent,
			len(res.AttemptLog), &status, &latency, &sentAt, ""); err != nil {
			return fmt.Errorf("dispatch: update delivery: %w", err)
		}
		if err := d.store.MarkAlertSent(ctx, sub.TenantID, base.ClusterID, sub.Channel,
			sub.Endpoint, now, d.opts.DedupeTTLHours); err != nil {
			return fmt.Errorf("dispatch: mark sent: %w", err)
		}
		summary.SentTotal++
		metrics.DeliveriesTotal.WithLabelValues(string(storage.DeliverySent)).Inc()
		return nil
	}

	var typed *delivery.SendError
	if errors.As(sendErr, &typed) {
		d.recordAttempts(ctx, deliveryID, typed.AttemptLog)
		lastStatus := typed.LastStatus
		_ = d.store.UpdateDeliveryStatus(ctx, deliveryID, storage.DeliveryFailed,
			len(typed.AttemptLog), &lastStatus, nil, nil, typed.Error())
	} else {
		_ = d.store.UpdateDeliveryStatus(ctx, deliveryID, storage.DeliveryFailed,
			0, nil, nil, nil, sendErr.Error())
	}
	if _, err := d.store.UpsertDLQ(ctx, deliveryID, sendErr.Error(), d.opts.DLQMaxAttempts, now); err != nil {
		d.logger.Error("dlq enqueue failed", "delivery_id", deliveryID, "err", err)
	}
	summary.FailedTotal++
	metrics.DeliveriesTotal.WithLabelValues(string(storage.DeliveryFailed)).Inc()
	return fmt.Errorf("dispatch: webhook to %s: %w", sub.Endpoint, sendErr)
}

func (d *Dispatcher) sendEmail(ctx context.Context, base storage.Delivery,
	sub *storage.Subscription, payload *delivery.Payload,
	summary *storage.RunSummary, now time.Time) error {

	base.Status = storage.DeliveryFailed
	deliveryID, err := d.store.InsertDelivery(ctx, base)
	if err != nil {
		return fmt.Errorf("dispatch: insert delivery: %w", err)
	}

	if err := d.email.Send(ctx, sub.Endpoint, d.entityName(ctx, payload), payload); err != nil {
		zero := 0
		_, _ = d.store.InsertDeliveryAttempt(ctx, deliveryID, "FAILED", &zero, &zero, err.Error())
		_ = d.store.UpdateDeliveryStatus(ctx, deliveryID, storage.DeliveryFailed, 1, nil, nil, nil, err.Error())
		if _, dlqErr := d.store.UpsertDLQ(ctx, deliveryID, err.Error(), d.opts.DLQMaxAttempts, now); dlqErr != nil {
			d.logger.Error("dlq enqueue failed", "delivery_id", deliveryID, "err", dlqErr)
		}
		summary.FailedTotal++
		metrics.DeliveriesTotal.WithLabelValues(string(storage.DeliveryFailed)).Inc()
		return fmt.Errorf("dispatch: email to %s: %w", sub.Endpoint, err)
	}

	sentAt := now
	if err := d.store.UpdateDeliveryStatus(ctx, deliveryID, storage.DeliverySent,
		1, nil, nil, &sentAt, ""); err != nil {
		return fmt.Errorf("dispatch: update delivery: %w", err)
	}
	if err := d.store.MarkAlertSent(ctx, sub.TenantID, base.ClusterID, sub.Channel,
		sub.Endpoint, now, d.opts.DedupeTTLHours); err != nil {
		return fmt.Errorf("dispatch: mark sent: %w", err)
	}
	summary.SentTotal++
	metrics.DeliveriesTotal.WithLabelValues(string(storage.DeliverySent)).Inc()
	return nil
}

// record persists a skipped delivery outcome; failures are logged, not
// propagated, so one bad row does not fail the run.
func (d *Dispatcher) record(ctx context.Context, del storage.Delivery) {
	if _, err := d.store.InsertDelivery(ctx, del); err != nil {
		d.logger.Error("record delivery failed", "cluster_id", del.ClusterID, "err", err)
		return
	}
	metrics.DeliveriesTotal.WithLabelValues(string(del.Status)).Inc()
}

func (d *Dispatcher) recordAttempts(ctx context.Context, deliveryID string, log []delivery.AttemptLog) {
	for _, a := range log {
		status := "FAILED"
		if a.Error == "" {
			status = "SENT"
		}
		httpStatus, latency := a.HTTPStatus, a.LatencyMS
		if _, err := d.store.InsertDeliveryAttempt(ctx, deliveryID, status, &httpStatus, &latency, a.Error); err != nil {
			d.logger.Error("record attempt failed", "delivery_id", deliveryID, "err", err)
		}
	}
}

func (d *Dispatcher) entityName(ctx context.Context, p *delivery.Payload) string {
	if p.EntityType == "port" {
		if port, err := d.store.GetPort(ctx, p.EntityID); err == nil && port != nil {
			return port.Name
		}
	}
	return p.EntityID
}
