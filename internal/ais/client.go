package ais

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veriscope/veriscope/internal/metrics"
)

const (
	// maxReconnectAttempts is how many consecutive failed dials the client
	// tolerates before giving up and marking the feed unhealthy.
	maxReconnectAttempts = 10

	// maxReconnectDelay caps the exponential backoff between dials.
	maxReconnectDelay = 60 * time.Second

	baseReconnectDelay = 1 * time.Second
)

// ConnStatus describes the upstream connection state as reported by Stats.
type ConnStatus string

const (
	StatusConnected    ConnStatus = "connected"
	StatusDisconnected ConnStatus = "disconnected"
	StatusGaveUp       ConnStatus = "gave_up"
	StatusSimulated    ConnStatus = "simulated"
)

// Client maintains a WebSocket connection to the upstream AIS feed. After
// each successful dial it sends a subscription frame covering the whole
// globe filtered to PositionReport messages, then reads frames until the
// connection drops. Reconnects back off exponentially with jitter; after
// maxReconnectAttempts consecutive failures the client stops and reports
// gave_up.
type Client struct {
	url     string
	apiKey  string
	logger  *slog.Logger
	handler func(*Message)
	status  func(ConnStatus)
}

// NewClient creates a Client that delivers each parsed message to handler
// and reports connection-state changes through status.
func NewClient(url, apiKey string, logger *slog.Logger, handler func(*Message), status func(ConnStatus)) *Client {
	return &Client{
		url:     url,
		apiKey:  apiKey,
		logger:  logger,
		handler: handler,
		status:  status,
	}
}

// Run dials, subscribes, and reads until ctx is cancelled or the reconnect
// budget is exhausted. The attempt counter resets every time a connection is
// successfully established, so a flaky feed that recovers keeps running
// indefinitely.
func (c *Client) Run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempts > 0 {
			metrics.AISReconnects.Inc()
			delay := reconnectDelay(attempts)
			c.logger.Warn("ais reconnect scheduled", "attempt", attempts, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		err := c.runOnce(ctx, &attempts)
		if ctx.Err() != nil {
			return
		}
		c.status(StatusDisconnected)
		attempts++
		if attempts >= maxReconnectAttempts {
			c.logger.Error("ais feed unreachable, giving up", "attempts", attempts, "err", err)
			c.status(StatusGaveUp)
			return
		}
		c.logger.Warn("ais connection lost", "err", err)
	}
}

// runOnce performs one dial/subscribe/read cycle. It resets *attempts once
// the subscription frame is accepted.
func (c *Client) runOnce(ctx context.Context, attempts *int) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := subscribeRequest{
		APIKey:             c.apiKey,
		BoundingBoxes:      [][][]float64{{{-180, -90}, {180, 90}}},
		FilterMessageTypes: []string{"PositionReport"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	*attempts = 0
	c.status(StatusConnected)
	c.logger.Info("ais feed connected", "url", c.url)

	// Tear the connection down when ctx is cancelled so ReadMessage
	// unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := ParseUpstream(raw)
		if err != nil {
			// Malformed or non-position frames are skipped, not fatal.
			c.logger.Debug("ais frame skipped", "err", err)
			continue
		}
		c.handler(msg)
	}
}

// reconnectDelay returns min(base * 2^attempts, 60s) plus up to one second
// of jitter.
func reconnectDelay(attempts int) time.Duration {
	d := baseReconnectDelay
	for i := 0; i < attempts && d < maxReconnectDelay; i++ {
		d *= 2
	}
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d + time.Duration(rand.Int63n(int64(time.Second)))
}

// marshalSubscribe is used by tests to assert the subscription frame shape.
func marshalSubscribe(apiKey string) ([]byte, error) {
	return json.Marshal(subscribeRequest{
		APIKey:             apiKey,
		BoundingBoxes:      [][][]float64{{{-180, -90}, {180, 90}}},
		FilterMessageTypes: []string{"PositionReport"},
	})
}
