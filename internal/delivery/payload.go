// Package delivery sends alert clusters to subscription endpoints: signed,
// idempotent webhook POSTs with bounded in-call retries, and rendered
// emails queued on the local outbox. Exhausted webhook sends land in the
// database-backed dead-letter queue, re-drained on a schedule.
package delivery

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veriscope/veriscope/internal/signal"
	"github.com/veriscope/veriscope/internal/storage"
)

// PayloadVersion is bumped whenever the webhook body shape changes.
const PayloadVersion = "1.1"

// EventType identifies the only event kind currently emitted.
const EventType = "VERISCOPE_SIGNAL_CLUSTER"

// Payload is the webhook body, v1.1.
type Payload struct {
	EventType       string                 `json:"event_type"`
	Day             string                 `json:"day"`
	EntityType      string                 `json:"entity_type"`
	EntityID        string                 `json:"entity_id"`
	ClusterID       string                 `json:"cluster_id"`
	ClusterSeverity storage.Severity       `json:"cluster_severity"`
	ConfidenceScore float64                `json:"confidence_score"`
	ConfidenceBand  storage.ConfidenceBand `json:"confidence_band"`
	ClusterSummary  string                 `json:"cluster_summary"`
	TopDrivers      []signal.Driver        `json:"top_drivers"`
	Impact          []string               `json:"impact"`
	Followups       []string               `json:"followups"`
	DataQuality     signal.DataQuality     `json:"data_quality"`
	PayloadVersion  string                 `json:"payload_version"`
	SentAt          string                 `json:"sent_at"`
	IdempotencyKey  string                 `json:"idempotency_key"`
}

// BuildPayload assembles the webhook body for one candidate signal. The
// candidate's metadata blob supplies drivers, impact, followups, and data
// quality; top_drivers carries only the first driver.
func BuildPayload(subscriptionID string, candidate *storage.Signal, now time.Time) (*Payload, error) {
	var meta signal.Metadata
	if len(candidate.Metadata) > 0 {
		if err := json.Unmarshal(candidate.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("delivery: decode signal metadata: %w", err)
		}
	}

	dayISO := candidate.Day.UTC().Format("2006-01-02")
	top := meta.Drivers
	if len(top) > 1 {
		top = top[:1]
	}

	return &Payload{
		EventType:       EventType,
		Day:             dayISO,
		EntityType:      candidate.EntityType,
		EntityID:        candidate.EntityID,
		ClusterID:       candidate.ClusterID,
		ClusterSeverity: candidate.ClusterSeverity,
		ConfidenceScore: candidate.ConfidenceScore,
		ConfidenceBand:  candidate.ConfidenceBand,
		ClusterSummary:  candidate.ClusterSummary,
		TopDrivers:      top,
		Impact:          meta.Impact,
		Followups:       meta.RecommendedFollowups,
		DataQuality:     meta.DataQuality,
		PayloadVersion:  PayloadVersion,
		SentAt:          now.UTC().Format(time.RFC3339),
		IdempotencyKey:  IdempotencyKey(subscriptionID, candidate.ClusterID, dayISO),
	}, nil
}

// IdempotencyKey derives the stable per-(subscription, cluster, day) key
// sent both in the body and the Idempotency-Key header.
func IdempotencyKey(subscriptionID, clusterID, dayISO string) string {
	sum := sha1.Sum([]byte(subscriptionID + "|" + clusterID + "|" + dayISO))
	return hex.EncodeToString(sum[:])
}
