package ws

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fieldhub/internal/models"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 64 * 1024
)

// Client frame types.
const (
	frameTelemetry = "telemetry"
	frameHeartbeat = "heartbeat"
	frameRegister  = "register"
	framePing      = "ping"
)

var (
	errUnauthenticated      = errors.New("connection is not authenticated")
	errRegisterDisabled     = errors.New("register is disabled")
	errAlreadyAuthenticated = errors.New("connection already authenticated by token")
	errUnknownFrame         = errors.New("unknown frame type")
)

type sendResult int

const (
	sendOK sendResult = iota
	sendFull
	sendClosed
)

type clientFrame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type replyFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Client is one WebSocket connection. It may be bound to a principal after
// token verification or a register frame.
type Client struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	remoteAddr string
	roleHint   string
	createdAt  time.Time

	principal    atomic.Pointer[models.Principal]
	verified     atomic.Bool
	lastActivity atomic.Int64

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// Owned by the hub event loop.
	subscriptions map[models.ChannelID]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, remoteAddr, roleHint string) *Client {
	now := hub.now()
	c := &Client{
		id:            uuid.NewString(),
		hub:           hub,
		conn:          conn,
		remoteAddr:    remoteAddr,
		roleHint:      roleHint,
		createdAt:     now,
		send:          make(chan []byte, hub.sendBuffer),
		subscriptions: make(map[models.ChannelID]struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) CreatedAt() time.Time { return c.createdAt }

func (c *Client) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

// Principal returns the bound principal, or nil for an unauthenticated
// connection.
func (c *Client) Principal() *models.Principal {
	p := c.principal.Load()
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func (c *Client) setPrincipal(p models.Principal) {
	c.principal.Store(&p)
}

func (c *Client) trySend(msg []byte) sendResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return sendClosed
	}
	select {
	case c.send <- msg:
		return sendOK
	default:
		return sendFull
	}
}

// close ends the outbound queue; WritePump then closes the socket.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ReadPump pumps messages from WebSocket to hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[CLIENT] Unexpected close", "conn", c.id, "error", err)
			}
			break
		}

		c.lastActivity.Store(c.hub.now().UnixNano())
		c.handleClientMessage(message)
	}
}

// WritePump pumps messages from hub to WebSocket
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				slog.Error("[CLIENT] Failed to get writer", "conn", c.id, "error", err)
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				slog.Error("[CLIENT] Failed to close writer", "conn", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("[CLIENT] Failed to send ping", "conn", c.id, "error", err)
				return
			}
		}
	}
}

func (c *Client) handleClientMessage(message []byte) {
	var frame clientFrame
	if err := decodeClientFrame(message, &frame); err != nil {
		c.hub.metrics.EventsRejected.WithLabelValues("client").Inc()
		slog.Warn("[CLIENT] Malformed frame", "conn", c.id, "error", err)
		c.reply(replyFrame{Type: "error", Error: "malformed frame"})
		return
	}

	var err error
	switch frame.Type {
	case frameTelemetry:
		err = c.handleTelemetry(frame.Data)
	case frameHeartbeat:
		err = c.handleHeartbeat()
	case frameRegister:
		err = c.handleRegister(frame.Data)
	case framePing:
		c.reply(replyFrame{Type: "pong", ID: frame.ID})
		return
	default:
		err = errUnknownFrame
	}

	if err != nil {
		slog.Debug("[CLIENT] Frame rejected", "conn", c.id, "type", frame.Type, "error", err)
		c.reply(replyFrame{Type: "error", ID: frame.ID, Error: err.Error()})
		return
	}
	if frame.ID != "" {
		c.reply(replyFrame{Type: "ack", ID: frame.ID})
	}
}

func (c *Client) handleTelemetry(raw json.RawMessage) error {
	p := c.Principal()
	if p == nil {
		return errUnauthenticated
	}

	var data models.TelemetryData
	if err := json.Unmarshal(raw, &data); err != nil {
		c.hub.metrics.EventsRejected.WithLabelValues("client").Inc()
		return err
	}
	now := c.hub.now()
	data.PrincipalID = p.ID
	if data.Timestamp == 0 {
		data.Timestamp = now.UnixMilli()
	}

	ev, err := models.NewTelemetry(&data)
	if err != nil {
		c.hub.metrics.EventsRejected.WithLabelValues("client").Inc()
		return err
	}

	c.hub.touch(p.ID)
	return c.hub.Publish(ev)
}

func (c *Client) handleHeartbeat() error {
	p := c.Principal()
	if p == nil {
		return errUnauthenticated
	}
	c.hub.touch(p.ID)
	return nil
}

// handleRegister binds a self-declared principal. It goes through Admit like
// a token login, so a duplicate evicts the older connection. Self-declared
// principals are always operators.
func (c *Client) handleRegister(raw json.RawMessage) error {
	if !c.hub.allowRegister {
		return errRegisterDisabled
	}
	if c.verified.Load() {
		return errAlreadyAuthenticated
	}

	var req struct {
		PrincipalID string `json:"principalId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	id := strings.TrimSpace(req.PrincipalID)

	ctx, cancel := context.WithTimeout(context.Background(), c.hub.lookupTimeout+time.Second)
	defer cancel()

	slog.Info("[CLIENT] Legacy register", "conn", c.id, "user", id, "roleHint", c.roleHint)
	return c.hub.Admit(ctx, c, models.Principal{ID: id, Role: models.RoleOperator})
}

func (c *Client) reply(frame replyFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if c.trySend(payload) == sendFull {
		slog.Warn("[CLIENT] Reply dropped, send buffer full", "conn", c.id)
	}
}
