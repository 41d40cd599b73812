package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wricardo/chat-relay/chat/protocol"
	"github.com/wricardo/chat-relay/chat/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. A 2000 rune message with its
	// envelope fits comfortably.
	maxMessageSize = 16 * 1024

	// Time allowed for leaving rooms after the connection is gone.
	cleanupTimeout = 5 * time.Second

	defaultSendBuffer = 256
)

var (
	ErrQueueFull  = errors.New("send queue full")
	ErrConnClosed = errors.New("connection closed")
)

// Client is one websocket connection. It implements session.Peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

var _ session.Peer = (*Client)(nil)

// Send queues a frame for the write pump without blocking
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close asks the write pump to flush and close the connection
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Handler upgrades HTTP requests and connects them to the session manager
type Handler struct {
	manager    *session.Manager
	upgrader   websocket.Upgrader
	origins    []string
	sendBuffer int
	logger     *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithAllowedOrigins restricts browser origins. Empty allows every origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) { h.origins = origins }
}

// WithSendBuffer sets the per-connection outbound queue size.
func WithSendBuffer(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a websocket handler
func NewHandler(manager *session.Manager, opts ...Option) *Handler {
	h := &Handler{
		manager:    manager,
		sendBuffer: defaultSendBuffer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "websocket")
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.origins) == 0 {
		return true
	}
	origin := strings.ToLower(strings.TrimRight(r.Header.Get("Origin"), "/"))
	if origin == "" {
		// not a browser
		return true
	}
	for _, allowed := range h.origins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP handles WebSocket requests from clients. It returns when the
// connection is gone and the session has been cleaned up.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	sess := h.manager.Connect(client)
	logger := h.logger.With("conn", sess.ID(), "remote", r.RemoteAddr)
	logger.Info("client connected")

	go h.writePump(client, logger)
	h.readPump(r.Context(), client, sess.ID(), logger)
}

// readPump pumps frames from the WebSocket connection to the session manager
func (h *Handler) readPump(ctx context.Context, c *Client, id string, logger *slog.Logger) {
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := h.manager.Disconnect(cleanupCtx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
			logger.Warn("disconnect cleanup", "error", err)
		}
		c.Close()
		logger.Info("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}

		if err := h.manager.HandleFrame(ctx, id, raw); err != nil {
			if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrClosed) {
				return
			}
			logger.Error("closing connection", "error", err)
			if frame, ferr := protocol.ErrorFrame("", "connection lost: "+err.Error()); ferr == nil {
				_ = c.Send(frame)
			}
			return
		}
	}
}

// writePump pumps frames from the send queue to the WebSocket connection
func (h *Handler) writePump(c *Client, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				logger.Debug("websocket write failed", "error", err)
				c.Close()
				return
			}

		case <-c.done:
			// flush what is already queued, then say goodbye
			for {
				select {
				case frame := <-c.send:
					if err := c.write(frame); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Client) write(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}
