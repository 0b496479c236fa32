package hub

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"collabtext/internal/lock"
	"collabtext/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	// IdentityParam is the query parameter carrying the collaborator identity.
	IdentityParam = "user"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is a single connected collaborator.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity lock.Identity
	session  *session.Session
	log      logr.Logger
}

// Deliver queues msg without blocking. It reports false when the client's
// buffer is full.
func (c *Client) Deliver(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close ends the outbound stream. The write pump then closes the connection.
func (c *Client) Close() {
	close(c.send)
}

// ServeWS upgrades the request to a WebSocket and attaches it to the hub. The
// identity comes from the "user" query parameter; an identity that is already
// connected is refused with a policy violation close.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	who := lock.Identity(r.URL.Query().Get(IdentityParam))
	if who == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "websocket upgrade failed", "user", who)
		return
	}
	c := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.opts.SendBuffer),
		identity: who,
		log:      h.log.WithValues("user", string(who)),
	}

	if err := h.join(c); err != nil {
		code, reason := websocket.CloseInternalServerErr, err.Error()
		if errors.Is(err, session.ErrDuplicateIdentity) {
			code, reason = websocket.ClosePolicyViolation, session.ErrDuplicateIdentity.Error()
		}
		c.log.Info("refusing connection", "reason", reason)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump forwards inbound messages to the hub. Whatever ends the loop, the
// client is unregistered so its lock and presence are released.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("client disconnected abnormally", "error", err.Error())
			} else {
				c.log.V(1).Info("client disconnected")
			}
			return
		}
		c.hub.receive(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Error(err, "writing message to client")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
