package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshubenok/audio-transcription-service/internal/session"
)

// WSConfig contains WebSocket transport parameters
type WSConfig struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// wsConn adapts a gorilla connection to session.Conn. Writes are serialized
// because the keepalive goroutine pings on the same connection.
type wsConn struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration
	pongWait     time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, cfg WSConfig, logger *slog.Logger) *wsConn {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	c := &wsConn{
		conn:         conn,
		logger:       logger,
		writeTimeout: cfg.WriteTimeout,
		pongWait:     cfg.PingInterval + cfg.PingInterval/5,
		done:         make(chan struct{}),
	}

	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if cfg.PingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.pongWait))
		})
		go c.keepalive(cfg.PingInterval)
	}

	return c
}

// keepalive pings the peer until the connection closes
func (c *wsConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("Ping failed", slog.String("error", err.Error()))
				c.Close()
				return
			}
		}
	}
}

// ReadChunk returns the next binary message. Text messages carry no meaning in
// the streaming protocol and are skipped.
func (c *wsConn) ReadChunk(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				errors.Is(err, net.ErrClosed) {
				return nil, session.ErrConnClosed
			}
			select {
			case <-c.done:
				return nil, session.ErrConnClosed
			default:
			}
			return nil, fmt.Errorf("read message: %w", err)
		}

		if c.pongWait > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		}

		if msgType != websocket.BinaryMessage {
			c.logger.Debug("Ignoring non-binary message", slog.Int("size", len(data)))
			continue
		}
		return data, nil
	}
}

// WriteNotification sends n as a JSON text message
func (c *wsConn) WriteNotification(ctx context.Context, n session.Notification) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteJSON(n); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Close sends a close frame when possible and releases the socket
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// handleWebSocket upgrades the request and runs a session on it
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	wc := newWSConn(conn, h.wsConfig, h.logger)
	if err := h.deps.Sessions.Serve(r.Context(), wc); err != nil && !errors.Is(err, session.ErrManagerClosed) {
		h.logger.Debug("Session ended with error",
			slog.String("remote_addr", wc.RemoteAddr()),
			slog.String("error", err.Error()),
		)
	}
}
