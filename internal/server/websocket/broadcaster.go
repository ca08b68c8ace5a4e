// Package websocket pushes newly upserted signal clusters to connected
// dashboard clients. The Broadcaster fans events out without ever blocking
// the signal engine: each client gets a dedicated buffered channel and a
// non-blocking send, so a slow browser drops frames instead of applying
// back-pressure to the evaluation path.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veriscope/veriscope/internal/storage"
)

// SignalData is the structured payload sent to dashboard clients inside a
// SignalMessage envelope.
type SignalData struct {
	SignalID        string `json:"signal_id"`
	SignalType      string `json:"signal_type"`
	EntityType      string `json:"entity_type"`
	EntityID        string `json:"entity_id"`
	Day             string `json:"day"`
	Severity        string `json:"severity"`
	ConfidenceBand  string `json:"confidence_band"`
	ClusterID       string `json:"cluster_id,omitempty"`
	ClusterSeverity string `json:"cluster_severity,omitempty"`
	ClusterSummary  string `json:"cluster_summary,omitempty"`
}

// SignalMessage is the top-level JSON envelope pushed over the wire. Type is
// always "signal" for signal events.
type SignalMessage struct {
	Type string     `json:"type"`
	Data SignalData `json:"data"`
}

// Client is one connected WebSocket consumer, created by Register and valid
// until Unregister.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel delivering JSON-encoded signal frames. It is
// closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans signal events out to registered WebSocket clients and to
// anonymous channel subscribers. Safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	subs sync.Map // map[<-chan storage.Signal]chan storage.Signal

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client buffer
// depth; 0 uses the default of 64, plenty for a daily evaluation cadence
// with interactive backfills.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger.With("component", "ws"),
	}
}

// Register creates a Client under id. The caller must Unregister(id) when
// the connection drops. On a closed broadcaster the returned client's Send
// channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client and closes its Send channel so the write
// pump exits. Unknown ids are a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast marshals msg and delivers it to every registered client with a
// non-blocking send. A full client buffer drops the frame and bumps the
// client's Dropped counter.
func (b *Broadcaster) Broadcast(msg SignalMessage) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("broadcast marshal failed", "err", err)
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("client buffer full, dropping signal", "client_id", c.id)
		}
		return true
	})
}

// Subscribe registers an anonymous subscriber and returns the channel that
// receives raw storage.Signal values. The channel closes when ctx is
// cancelled or the broadcaster shuts down.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan storage.Signal {
	ch := make(chan storage.Signal, b.bufSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subs.Store(ch, ch)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}
	return ch
}

// Unsubscribe removes the subscription for ch and closes it. Safe after
// Close.
func (b *Broadcaster) Unsubscribe(ch <-chan storage.Signal) {
	if actual, loaded := b.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan storage.Signal))
	}
}

// Publish delivers sig to every anonymous subscriber, then converts it to
// the wire envelope and broadcasts it to the WebSocket clients. Every send
// is non-blocking.
func (b *Broadcaster) Publish(sig storage.Signal) {
	if b.closed.Load() {
		return
	}

	b.subs.Range(func(_, value any) bool {
		ch := value.(chan storage.Signal)
		select {
		case ch <- sig:
		default:
			b.logger.Warn("subscriber buffer full, dropping signal",
				"signal_type", sig.SignalType, "entity_id", sig.EntityID)
		}
		return true
	})

	b.Broadcast(SignalMessage{
		Type: "signal",
		Data: SignalData{
			SignalID:        sig.SignalID,
			SignalType:      sig.SignalType,
			EntityType:      sig.EntityType,
			EntityID:        sig.EntityID,
			Day:             sig.Day.UTC().Format(time.DateOnly),
			Severity:        string(sig.Severity),
			ConfidenceBand:  string(sig.ConfidenceBand),
			ClusterID:       sig.ClusterID,
			ClusterSeverity: string(sig.ClusterSeverity),
			ClusterSummary:  sig.ClusterSummary,
		},
	})
}

// Close unregisters everything and closes every channel. Publish and
// Broadcast become no-ops; Subscribe returns a closed channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.subs.Range(func(key, value any) bool {
			b.subs.Delete(key)
			close(value.(chan storage.Signal))
			return true
		})

		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
