package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Dedupe ---

// ShouldSendAlert reports whether a (tenant, cluster, channel, endpoint)
// tuple may be sent at `now`. With no dedupe row the send is allowed;
// otherwise it is allowed only once last_sent_at + ttl_hours has elapsed.
func (s *Store) ShouldSendAlert(ctx context.Context, tenantID, clusterID string, channel Channel, endpoint string, now time.Time) (bool, error) {
	var lastSentAt time.Time
	var ttlHours int
	err := s.pool.QueryRow(ctx, `
		SELECT last_sent_at, ttl_hours
		FROM   alert_dedupe
		WHERE  tenant_id = $1 AND cluster_id = $2 AND channel = $3 AND endpoint = $4`,
		tenantID, clusterID, string(channel), endpoint,
	).Scan(&lastSentAt, &ttlHours)
	if err != nil {
		if isNoRows(err) {
			return true, nil
		}
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return !now.Before(lastSentAt.Add(time.Duration(ttlHours) * time.Hour)), nil
}

// MarkAlertSent upserts the dedupe row for the tuple, recording sentAt and
// the TTL that governs the next eligible send.
func (s *Store) MarkAlertSent(ctx context.Context, tenantID, clusterID string, channel Channel, endpoint string, sentAt time.Time, ttlHours int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_dedupe (tenant_id, cluster_id, channel, endpoint, last_sent_at, ttl_hours)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, cluster_id, channel, endpoint) DO UPDATE SET
			last_sent_at = EXCLUDED.last_sent_at,
			ttl_hours    = EXCLUDED.ttl_hours`,
		tenantID, clusterID, string(channel), endpoint, sentAt.UTC(), ttlHours,
	)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	return nil
}

// --- Runs ---

// InsertAlertRun creates a run row in state SUCCESS with started_at=now and
// returns its run_id. FinishAlertRun records the terminal state.
func (s *Store) InsertAlertRun(ctx context.Context, tenantID string, startedAt time.Time) (string, error) {
	runID := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_runs (run_id, tenant_id, status, started_at)
		VALUES ($1, $2, 'SUCCESS', $3)`,
		runID, tenantID, startedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert alert run: %w", err)
	}
	return runID, nil
}

// FinishAlertRun records the terminal status, summary counters, and error
// detail of a run.
func (s *Store) FinishAlertRun(ctx context.Context, runID string, status RunStatus, finishedAt time.Time, summary RunSummary, errDetail string) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE alert_runs
		SET    status = $2, finished_at = $3, summary = $4, error = $5
		WHERE  run_id = $1`,
		runID, string(status), finishedAt.UTC(), raw, nullableStr(errDetail),
	)
	if err != nil {
		return fmt.Errorf("finish alert run %s: %w", runID, err)
	}
	return nil
}

// --- Deliveries ---

// InsertDelivery creates a delivery row and returns its delivery_id.
func (s *Store) InsertDelivery(ctx context.Context, d Delivery) (string, error) {
	if d.DeliveryID == "" {
		d.DeliveryID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_deliveries
			(delivery_id, run_id, subscription_id, tenant_id, cluster_id,
			 status, attempts, last_http_status, latency_ms, sent_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.DeliveryID, d.RunID, d.SubscriptionID, d.TenantID, d.ClusterID,
		string(d.Status), d.Attempts, d.LastHTTPStatus, d.LatencyMS,
		d.SentAt, nullableStr(d.Error),
	)
	if err != nil {
		return "", fmt.Errorf("insert delivery: %w", err)
	}
	return d.DeliveryID, nil
}

// UpdateDeliveryStatus overwrites the mutable outcome fields of a delivery
// after a send attempt or a DLQ re-drain.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, deliveryID string, status DeliveryStatus, attempts int, lastHTTPStatus, latencyMS *int, sentAt *time.Time, errDetail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alert_deliveries
		SET    status = $2, attempts = $3, last_http_status = $4,
		       latency_ms = $5, sent_at = $6, error = $7
		WHERE  delivery_id = $1`,
		deliveryID, string(status), attempts, lastHTTPStatus, latencyMS,
		sentAt, nullableStr(errDetail),
	)
	if err != nil {
		return fmt.Errorf("update delivery %s: %w", deliveryID, err)
	}
	return nil
}

// InsertDeliveryAttempt appends one physical-attempt row. attempt_no is
// assigned inside the statement as MAX(attempt_no)+1 for the delivery, so
// numbering stays monotonic across DLQ re-drains without caller bookkeeping.
func (s *Store) InsertDeliveryAttempt(ctx context.Context, deliveryID, status string, httpStatus, latencyMS *int, errDetail string) (int, error) {
	var attemptNo int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alert_delivery_attempts
			(attempt_id, delivery_id, attempt_no, status, http_status, latency_ms, error)
		SELECT $1, $2,
		       COALESCE(MAX(attempt_no), 0) + 1,
		       $3, $4, $5, $6
		FROM   alert_delivery_attempts
		WHERE  delivery_id = $2
		RETURNING attempt_no`,
		uuid.NewString(), deliveryID, status, httpStatus, latencyMS, nullableStr(errDetail),
	).Scan(&attemptNo)
	if err != nil {
		return 0, fmt.Errorf("insert delivery attempt: %w", err)
	}
	return attemptNo, nil
}

// QueryDeliveries returns a cursor-paginated page of deliveries for
// q.TenantID ordered (created_at DESC, delivery_id DESC). Tenant filtering
// is mandatory; rows of other tenants are never returned.
func (s *Store) QueryDeliveries(ctx context.Context, q DeliveryQuery) ([]Delivery, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}

	where := "WHERE d.tenant_id = $1"
	args := []any{q.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.UserID != "" {
		where += ` AND d.subscription_id IN
			(SELECT subscription_id FROM alert_subscriptions WHERE user_id = ` + arg(q.UserID) + `)`
	}
	if len(q.SubscriptionIDs) > 0 {
		where += " AND d.subscription_id = ANY(" + arg(q.SubscriptionIDs) + ")"
	}
	if q.Status != "" {
		where += " AND d.status = " + arg(string(q.Status))
	}
	if q.Day != nil {
		day := q.Day.UTC().Format("2006-01-02")
		where += " AND d.created_at >= " + arg(day) + "::date AND d.created_at < " + arg(day) + "::date + interval '1 day'"
	}
	if q.CursorCreatedAt != nil && q.CursorID != "" {
		where += " AND (d.created_at, d.delivery_id) < (" + arg(q.CursorCreatedAt.UTC()) + ", " + arg(q.CursorID) + ")"
	}

	sql := fmt.Sprintf(`
		SELECT d.delivery_id, d.run_id, d.subscription_id, d.tenant_id,
		       d.cluster_id, d.status, d.attempts, d.last_http_status,
		       d.latency_ms, d.sent_at, d.error, d.created_at
		FROM   alert_deliveries d
		%s
		ORDER  BY d.created_at DESC, d.delivery_id DESC
		LIMIT  %d`, where, q.Limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// GetDelivery returns one delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT delivery_id, run_id, subscription_id, tenant_id, cluster_id,
		       status, attempts, last_http_status, latency_ms, sent_at, error, created_at
		FROM   alert_deliveries
		WHERE  delivery_id = $1`, deliveryID)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, fmt.Errorf("get delivery %s: %w", deliveryID, err)
	}
	return d, nil
}

// scanDelivery reads one alert_deliveries row.
func scanDelivery(sc scanner) (*Delivery, error) {
	var d Delivery
	var status string
	var errDetail *string
	err := sc.Scan(
		&d.DeliveryID, &d.RunID, &d.SubscriptionID, &d.TenantID, &d.ClusterID,
		&status, &d.Attempts, &d.LastHTTPStatus, &d.LatencyMS, &d.SentAt,
		&errDetail, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DeliveryStatus(status)
	if errDetail != nil {
		d.Error = *errDetail
	}
	return &d, nil
}

// --- DLQ ---

// UpsertDLQ inserts or advances the dead-letter row for deliveryID. The
// backoff ladder lives in the statement: attempt_count 1 schedules the retry
// 5 minutes out, 2 → 15 minutes, 3 → 1 hour, 4 → 6 hours, 5 and beyond → 12
// hours. It returns the resulting entry so callers can detect exhaustion.
func (s *Store) UpsertDLQ(ctx context.Context, deliveryID, lastError string, maxAttempts int, now time.Time) (*DLQEntry, error) {
	var e DLQEntry
	e.DeliveryID = deliveryID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alert_dlq
			(dlq_id, delivery_id, next_attempt_at, attempt_count, max_attempts, last_error)
		VALUES ($1, $2, $3::timestamptz + interval '5 minutes', 1, $4, $5)
		ON CONFLICT (delivery_id) DO UPDATE SET
			attempt_count   = alert_dlq.attempt_count + 1,
			next_attempt_at = $3::timestamptz + CASE alert_dlq.attempt_count + 1
				WHEN 2 THEN interval '15 minutes'
				WHEN 3 THEN interval '1 hour'
				WHEN 4 THEN interval '6 hours'
				ELSE interval '12 hours' END,
			last_error = EXCLUDED.last_error,
			updated_at = now()
		RETURNING dlq_id, attempt_count, max_attempts, next_attempt_at`,
		uuid.NewString(), deliveryID, now.UTC(), maxAttempts, nullableStr(lastError),
	).Scan(&e.DLQID, &e.AttemptCount, &e.MaxAttempts, &e.NextAttemptAt)
	if err != nil {
		return nil, fmt.Errorf("upsert dlq: %w", err)
	}
	e.LastError = lastError
	return &e, nil
}

// DueDLQ returns up to limit dead-letter entries whose next_attempt_at has
// passed, joined with their delivery and subscription, ordered oldest due
// first.
func (s *Store) DueDLQ(ctx context.Context, now time.Time, limit int) ([]DueDLQItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT q.dlq_id, q.delivery_id, q.next_attempt_at, q.attempt_count,
		       q.max_attempts, q.last_error,
		       d.delivery_id, d.run_id, d.subscription_id, d.tenant_id,
		       d.cluster_id, d.status, d.attempts, d.last_http_status,
		       d.latency_ms, d.sent_at, d.error, d.created_at,
		       sub.subscription_id, sub.tenant_id, sub.user_id, sub.scope,
		       sub.entity_type, sub.entity_id, sub.severity_min,
		       sub.confidence_min, sub.channel, sub.endpoint, sub.secret,
		       sub.signature_version, sub.is_enabled, sub.created_at
		FROM   alert_dlq q
		JOIN   alert_deliveries d    ON d.delivery_id = q.delivery_id
		JOIN   alert_subscriptions sub ON sub.subscription_id = d.subscription_id
		WHERE  q.next_attempt_at <= $1
		  AND  q.attempt_count < q.max_attempts
		ORDER  BY q.next_attempt_at
		LIMIT  $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due dlq: %w", err)
	}
	defer rows.Close()

	var items []DueDLQItem
	for rows.Next() {
		var it DueDLQItem
		var lastErr *string
		var dStatus string
		var dErr *string
		var scope, sevMin, channel, sigVer string
		var confMin, entityType, entityID, secret *string
		err := rows.Scan(
			&it.Entry.DLQID, &it.Entry.DeliveryID, &it.Entry.NextAttemptAt,
			&it.Entry.AttemptCount, &it.Entry.MaxAttempts, &lastErr,
			&it.Delivery.DeliveryID, &it.Delivery.RunID, &it.Delivery.SubscriptionID,
			&it.Delivery.TenantID, &it.Delivery.ClusterID, &dStatus,
			&it.Delivery.Attempts, &it.Delivery.LastHTTPStatus,
			&it.Delivery.LatencyMS, &it.Delivery.SentAt, &dErr, &it.Delivery.CreatedAt,
			&it.Subscription.SubscriptionID, &it.Subscription.TenantID,
			&it.Subscription.UserID, &scope, &entityType, &entityID, &sevMin,
			&confMin, &channel, &it.Subscription.Endpoint, &secret,
			&sigVer, &it.Subscription.IsEnabled, &it.Subscription.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dlq item: %w", err)
		}
		if lastErr != nil {
			it.Entry.LastError = *lastErr
		}
		it.Delivery.Status = DeliveryStatus(dStatus)
		if dErr != nil {
			it.Delivery.Error = *dErr
		}
		it.Subscription.Scope = Scope(scope)
		it.Subscription.SeverityMin = Severity(sevMin)
		it.Subscription.Channel = Channel(channel)
		it.Subscription.SignatureVersion = sigVer
		if entityType != nil {
			it.Subscription.EntityType = *entityType
		}
		if entityID != nil {
			it.Subscription.EntityID = *entityID
		}
		if confMin != nil {
			it.Subscription.ConfidenceMin = ConfidenceBand(*confMin)
		}
		if secret != nil {
			it.Subscription.Secret = *secret
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ResolveDLQ deletes the dead-letter row after a successful re-drain.
func (s *Store) ResolveDLQ(ctx context.Context, deliveryID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM alert_dlq WHERE delivery_id = $1`, deliveryID)
	if err != nil {
		return fmt.Errorf("resolve dlq %s: %w", deliveryID, err)
	}
	return nil
}

// TerminalDLQ parks an exhausted entry far in the future so the drainer
// never picks it up again; the delivery itself is marked FAILED by the
// caller.
func (s *Store) TerminalDLQ(ctx context.Context, deliveryID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alert_dlq
		SET    next_attempt_at = $2::timestamptz + interval '100 years',
		       updated_at      = now()
		WHERE  delivery_id = $1`, deliveryID, now.UTC())
	if err != nil {
		return fmt.Errorf("terminal dlq %s: %w", deliveryID, err)
	}
	return nil
}
