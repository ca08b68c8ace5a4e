package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veriscope/veriscope/internal/metrics"
)

const (
	// DefaultRetryAttempts is the in-call HTTP retry budget per send.
	DefaultRetryAttempts = 3

	// DefaultTimeout bounds each individual POST.
	DefaultTimeout = 5 * time.Second
)

// retryDelays precede attempt 1, 2, 3, ...; attempts beyond the table reuse
// the last entry.
var retryDelays = []time.Duration{0, 250 * time.Millisecond, time.Second}

// AttemptLog records one physical POST.
type AttemptLog struct {
	AttemptNo  int    `json:"attempt_no"`
	HTTPStatus int    `json:"http_status,omitempty"`
	LatencyMS  int    `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// SendError is returned when every retry of one send call failed. It
// carries the full attempt trail so the dispatcher can persist per-attempt
// rows and the DLQ entry.
type SendError struct {
	Attempts   int
	LastStatus int
	AttemptLog []AttemptLog
}

func (e *SendError) Error() string {
	return fmt.Sprintf("delivery: webhook failed after %d attempts (last status %d)",
		e.Attempts, e.LastStatus)
}

// SendResult describes a successful send.
type SendResult struct {
	HTTPStatus int
	LatencyMS  int
	AttemptLog []AttemptLog
}

// WebhookSender POSTs signed payloads with bounded retries.
type WebhookSender struct {
	client   *http.Client
	attempts int
	// now is swapped in tests to pin the signature timestamp.
	now func() time.Time
}

// NewWebhookSender builds a sender. attempts ≤ 0 uses the default; timeout
// ≤ 0 uses the default.
func NewWebhookSender(attempts int, timeout time.Duration) *WebhookSender {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &WebhookSender{
		client:   &http.Client{Timeout: timeout},
		attempts: attempts,
		now:      time.Now,
	}
}

// Send POSTs payload to endpoint, signing with secret when non-empty. Any
// 2xx on any attempt is success; exhaustion returns a *SendError.
func (w *WebhookSender) Send(ctx context.Context, endpoint, secret string, payload *Payload) (*SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("delivery: marshal payload: %w", err)
	}

	var log []AttemptLog
	lastStatus := 0
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if delay := delayFor(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		status, latency, err := w.post(ctx, endpoint, secret, payload.IdempotencyKey, body)
		entry := AttemptLog{AttemptNo: attempt, HTTPStatus: status, LatencyMS: latency}
		if err != nil {
			entry.Error = err.Error()
		} else if status < 200 || status >= 300 {
			entry.Error = fmt.Sprintf("unexpected status %d", status)
		}
		log = append(log, entry)
		metrics.WebhookAttemptSeconds.Observe(float64(latency) / 1000)

		if entry.Error == "" {
			return &SendResult{HTTPStatus: status, LatencyMS: latency, AttemptLog: log}, nil
		}
		lastStatus = status
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, &SendError{Attempts: w.attempts, LastStatus: lastStatus, AttemptLog: log}
}

// post performs one HTTP attempt and reports (status, latency ms, error).
func (w *WebhookSender) post(ctx context.Context, endpoint, secret, idempotencyKey string, body []byte) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if secret != "" {
		ts := w.now().Unix()
		req.Header.Set("X-Veriscope-Timestamp", fmt.Sprintf("%d", ts))
		req.Header.Set("X-Veriscope-Signature", "v1="+Sign(secret, ts, body))
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, latency, nil
}

// Sign computes the hex HMAC-SHA256 over "v1:{timestamp}:{body}".
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v1:%d:", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature; exported for webhook consumers and
// tests.
func Verify(secret string, timestamp int64, body []byte, sigHex string) bool {
	want := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(want), []byte(sigHex))
}

func delayFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	return retryDelays[idx]
}
