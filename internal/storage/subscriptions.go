package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `
	subscription_id, tenant_id, user_id, scope, entity_type, entity_id,
	severity_min, confidence_min, channel, endpoint, secret,
	signature_version, is_enabled, created_at`

// CreateSubscription inserts sub and returns its subscription_id.
func (s *Store) CreateSubscription(ctx context.Context, sub Subscription) (string, error) {
	if sub.SubscriptionID == "" {
		sub.SubscriptionID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_subscriptions
			(subscription_id, tenant_id, user_id, scope, entity_type, entity_id,
			 severity_min, confidence_min, channel, endpoint, secret,
			 signature_version, is_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sub.SubscriptionID, sub.TenantID, sub.UserID, string(sub.Scope),
		nullableStr(sub.EntityType), nullableStr(sub.EntityID),
		string(sub.SeverityMin), nullableStr(string(sub.ConfidenceMin)),
		string(sub.Channel), sub.Endpoint, nullableStr(sub.Secret),
		sub.SignatureVersion, sub.IsEnabled,
	)
	if err != nil {
		return "", fmt.Errorf("create subscription: %w", err)
	}
	return sub.SubscriptionID, nil
}

// GetSubscription fetches one subscription scoped to tenantID. Cross-tenant
// IDs return pgx.ErrNoRows.
func (s *Store) GetSubscription(ctx context.Context, tenantID, subscriptionID string) (*Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM   alert_subscriptions
		WHERE  tenant_id = $1 AND subscription_id = $2`, tenantID, subscriptionID)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

// ListSubscriptions returns all subscriptions of tenantID ordered by
// creation time.
func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM   alert_subscriptions
		WHERE  tenant_id = $1
		ORDER  BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// EnabledSubscriptions returns the enabled subscriptions of tenantID,
// optionally restricted to userID. This is the dispatcher's working set.
func (s *Store) EnabledSubscriptions(ctx context.Context, tenantID, userID string) ([]Subscription, error) {
	sql := `
		SELECT ` + subscriptionColumns + `
		FROM   alert_subscriptions
		WHERE  tenant_id = $1 AND is_enabled`
	args := []any{tenantID}
	if userID != "" {
		sql += ` AND user_id = $2`
		args = append(args, userID)
	}
	sql += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("enabled subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// UpdateSubscription replaces the mutable fields of an existing
// subscription, scoped to tenantID. The boolean result reports whether a
// row matched.
func (s *Store) UpdateSubscription(ctx context.Context, sub Subscription) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_subscriptions
		SET    scope = $3, entity_type = $4, entity_id = $5,
		       severity_min = $6, confidence_min = $7, channel = $8,
		       endpoint = $9, secret = $10, signature_version = $11,
		       is_enabled = $12, updated_at = now()
		WHERE  tenant_id = $1 AND subscription_id = $2`,
		sub.TenantID, sub.SubscriptionID, string(sub.Scope),
		nullableStr(sub.EntityType), nullableStr(sub.EntityID),
		string(sub.SeverityMin), nullableStr(string(sub.ConfidenceMin)),
		string(sub.Channel), sub.Endpoint, nullableStr(sub.Secret),
		sub.SignatureVersion, sub.IsEnabled,
	)
	if err != nil {
		return false, fmt.Errorf("update subscription %s: %w", sub.SubscriptionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteSubscription removes the subscription, scoped to tenantID.
func (s *Store) DeleteSubscription(ctx context.Context, tenantID, subscriptionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM alert_subscriptions
		WHERE  tenant_id = $1 AND subscription_id = $2`, tenantID, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("delete subscription %s: %w", subscriptionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// collectSubscriptions drains rows into a slice.
func collectSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// scanSubscription reads one alert_subscriptions row projected as
// subscriptionColumns.
func scanSubscription(sc scanner) (*Subscription, error) {
	var sub Subscription
	var scope, sevMin, channel string
	var entityType, entityID, confMin, secret *string
	err := sc.Scan(
		&sub.SubscriptionID, &sub.TenantID, &sub.UserID, &scope,
		&entityType, &entityID, &sevMin, &confMin, &channel,
		&sub.Endpoint, &secret, &sub.SignatureVersion, &sub.IsEnabled,
		&sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Scope = Scope(scope)
	sub.SeverityMin = Severity(sevMin)
	sub.Channel = Channel(channel)
	if entityType != nil {
		sub.EntityType = *entityType
	}
	if entityID != nil {
		sub.EntityID = *entityID
	}
	if confMin != nil {
		sub.ConfidenceMin = ConfidenceBand(*confMin)
	}
	if secret != nil {
		sub.Secret = *secret
	}
	return &sub, nil
}

// isNoRows reports whether err is (or wraps) pgx.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
