package websocket

import (
	"bufio"
	"crypto/sha1" // mandated by RFC 6455 for the accept key, not used for security
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxFrameSize caps the payload length accepted from clients. Dashboard
// clients only ever send close/ping frames, so 64 KiB is a guard against
// misbehaving peers, not a functional limit.
const maxFrameSize = 64 * 1024

// wsGUID is the fixed GUID of RFC 6455 §4.1 used to compute
// Sec-WebSocket-Accept.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Handler upgrades HTTP connections to WebSocket and drives the per-client
// read/write loops. Incoming connections are registered with the
// Broadcaster; the read loop only detects disconnects (clients do not send
// signals) while the write loop drains Client.Send into text frames.
type Handler struct {
	bc     *Broadcaster
	logger *slog.Logger

	// writeTimeout bounds each frame write before the connection is
	// dropped.
	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc. writeTimeout ≤ 0 defaults to
// 10 seconds.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		bc:           bc,
		logger:       logger.With("component", "ws"),
		writeTimeout: writeTimeout,
	}
}

// ServeHTTP handles the upgrade handshake and the connection lifecycle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		h.logger.Error("hijack failed", "err", err)
		return
	}
	// The http.Server read/write deadlines set before the hijack would
	// expire this long-lived connection; per-frame deadlines take over.
	_ = conn.SetDeadline(time.Time{})

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n\r\n"
	if _, err := bufrw.WriteString(resp); err != nil {
		h.logger.Error("handshake write failed", "err", err)
		conn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		h.logger.Error("handshake flush failed", "err", err)
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	h.logger.Info("client connected",
		"client_id", clientID, "remote_addr", conn.RemoteAddr().String())

	// Reader and writer both want to close the connection on exit; only
	// the first close counts.
	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("read loop panic recovered",
					"recover", r, "client_id", clientID)
			}
		}()
		readLoop(conn, h.logger, clientID)
		closeOnce()
	}()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-client.Send():
			if !ok {
				// Broadcaster closed the channel: shutting down.
				closeOnce()
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.Warn("set write deadline failed", "client_id", clientID, "err", err)
				closeOnce()
				return
			}
			if err := writeTextFrame(conn, msg); err != nil {
				h.logger.Warn("write frame failed", "client_id", clientID, "err", err)
				closeOnce()
				return
			}
		}
	}
}

// isWebSocketUpgrade reports whether r carries the RFC 6455 §4.1 upgrade
// headers.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// computeAcceptKey derives Sec-WebSocket-Accept from the client's key per
// RFC 6455 §4.1.
func computeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeTextFrame writes payload as one unfragmented, unmasked text frame
// (FIN=1, opcode=0x1).
func writeTextFrame(conn net.Conn, payload []byte) error {
	n := len(payload)
	var header []byte

	switch {
	case n < 126:
		header = []byte{0x81, byte(n)}
	case n < 65536:
		header = []byte{0x81, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x81
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readLoop reads and discards client frames until the connection closes or
// a close frame arrives. It exists to detect disconnects and to keep the
// receive buffer drained.
func readLoop(conn net.Conn, logger *slog.Logger, clientID string) {
	buf := bufio.NewReader(conn)
	for {
		b0, err := buf.ReadByte()
		if err != nil {
			break
		}
		b1, err := buf.ReadByte()
		if err != nil {
			break
		}

		opcode := b0 & 0x0F
		masked := (b1 & 0x80) != 0
		length := int64(b1 & 0x7F)

		switch length {
		case 126:
			var ext [2]byte
			if _, err := io.ReadFull(buf, ext[:]); err != nil {
				return
			}
			length = int64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := io.ReadFull(buf, ext[:]); err != nil {
				return
			}
			// Values above maxFrameSize are rejected before the uint64
			// can wrap a signed length negative.
			rawLen := binary.BigEndian.Uint64(ext[:])
			if rawLen > maxFrameSize {
				return
			}
			length = int64(rawLen)
		}

		if masked {
			var maskKey [4]byte
			if _, err := io.ReadFull(buf, maskKey[:]); err != nil {
				return
			}
		}

		if length > 0 {
			if _, err := io.CopyN(io.Discard, buf, length); err != nil {
				return
			}
		}

		// Close frame, opcode 8.
		if opcode == 0x08 {
			logger.Debug("received close frame", "client_id", clientID)
			return
		}
	}
}
