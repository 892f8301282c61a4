package livefeed

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
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

// maxFrameSize is the maximum WebSocket payload length (in bytes) the server
// accepts from clients. Operator consoles never send frames near this size;
// it exists to bound memory a misbehaving client could force it to allocate.
const maxFrameSize = 64 * 1024 // 64 KiB

// wsGUID is the fixed GUID defined in RFC 6455 §4.1 for computing the
// Sec-WebSocket-Accept header value.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Handler is an http.Handler that upgrades HTTP connections to WebSocket and
// drives the per-client read/write loops, served at /ws/alerts.
//
// Incoming connections are registered with a Broadcaster; the handler reads
// (and discards) client-to-server frames (clients never send alerts) while
// writing broadcast messages from Client.Send() as server-to-client text
// frames.
type Handler struct {
	bc     *Broadcaster
	logger *slog.Logger

	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc. writeTimeout <= 0 defaults to
// 10 seconds.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{bc: bc, logger: logger, writeTimeout: writeTimeout}
}

// ServeHTTP handles the HTTP -> WebSocket upgrade and drives the connection
// lifecycle.
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
		h.logger.Error("livefeed: hijack failed", slog.Any("error", err))
		return
	}

	accept := computeAcceptKey(key)
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"

	if _, err := bufrw.WriteString(resp); err != nil {
		h.logger.Error("livefeed: handshake write failed", slog.Any("error", err))
		conn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		h.logger.Error("livefeed: handshake flush failed", slog.Any("error", err))
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	h.logger.Info("livefeed: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

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
				h.logger.Error("livefeed: readLoop panic recovered",
					slog.Any("recover", r), slog.String("client_id", clientID))
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
				closeOnce()
				return
			}

			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.Warn("livefeed: set write deadline failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				closeOnce()
				return
			}

			if err := writeTextFrame(conn, msg); err != nil {
				h.logger.Warn("livefeed: write frame failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				closeOnce()
				return
			}
		}
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeTextFrame encodes payload as a single, unfragmented WebSocket text
// frame (FIN=1, opcode=0x1). Server-to-client frames must not be masked
// (RFC 6455 §5.1).
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

// readLoop reads and discards incoming frames from conn until the
// connection closes or a close frame is received, so the server can detect
// client disconnection without its receive buffer filling up.
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
			if _, err := buf.Read(ext[:]); err != nil {
				return
			}
			length = int64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := buf.Read(ext[:]); err != nil {
				return
			}
			rawLen := binary.BigEndian.Uint64(ext[:])
			if rawLen > maxFrameSize {
				return
			}
			length = int64(rawLen)
		}

		if masked {
			var maskKey [4]byte
			if _, err := buf.Read(maskKey[:]); err != nil {
				return
			}
		}

		if length > 0 {
			if _, err := io.CopyN(io.Discard, buf, length); err != nil {
				return
			}
		}

		if opcode == 0x08 {
			logger.Debug("livefeed: received close frame", slog.String("client_id", clientID))
			return
		}
	}
}
