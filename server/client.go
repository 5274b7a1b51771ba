package server

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-note-collab/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var memberColors = []string{
	"#ef4444", "#f97316", "#f59e0b", "#10b981",
	"#06b6d4", "#3b82f6", "#8b5cf6", "#ec4899",
}

// Client is a single websocket connection. Each connection gets its own
// ID so the same user can collaborate from multiple tabs.
type Client struct {
	ID       string
	UserID   string
	Username string
	Color    string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*Room

	sendMu sync.Mutex
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, identity auth.Claims) *Client {
	id := uuid.NewString()
	return &Client{
		ID:       id,
		UserID:   identity.Sub,
		Username: identity.Name,
		Color:    memberColors[rand.Intn(len(memberColors))],
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		log:      hub.log.With().Str("connection_id", id).Str("user_id", identity.Sub).Logger(),
	}
}

func (c *Client) info() MemberInfo {
	return MemberInfo{ID: c.ID, UserID: c.UserID, Username: c.Username, Color: c.Color}
}

func (c *Client) roomFor(pageID string) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[pageID]
}

func (c *Client) trackRoom(r *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms == nil {
		c.rooms = make(map[string]*Room)
	}
	c.rooms[r.PageID] = r
}

func (c *Client) forgetRoom(pageID string) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rooms[pageID]
	delete(c.rooms, pageID)
	return r
}

// enqueue hands a message to the write pump. Slow consumers get dropped
// rather than blocking the room loop. A room may still broadcast to a
// client whose leave it has not processed yet, so enqueue must stay safe
// after closeSend.
func (c *Client) enqueue(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn().Msg("send buffer full, closing connection")
		c.conn.Close()
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendError(format string, args ...any) {
	c.enqueue(ServerMessage{Event: EventError, Message: fmt.Sprintf(format, args...)}.Encode())
}

// readPump reads messages from the connection and dispatches them to the
// hub and rooms. It runs until the connection drops, then leaves every
// joined room.
func (c *Client) readPump() {
	defer func() {
		c.mu.Lock()
		rooms := make([]*Room, 0, len(c.rooms))
		for _, r := range c.rooms {
			rooms = append(rooms, r)
		}
		c.rooms = nil
		c.mu.Unlock()
		for _, r := range rooms {
			r.requests <- roomRequest{kind: reqLeave, sender: c}
		}
		c.closeSend()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed message: %v", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			c.sendError("invalid message: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg ClientMessage) {
	switch msg.Event {
	case EventJoinPage:
		if c.roomFor(msg.PageID) != nil {
			return
		}
		room, err := c.hub.Join(c, msg.PageID)
		if err != nil {
			c.log.Error().Err(err).Str("page_id", msg.PageID).Msg("join failed")
			c.sendError("could not join page %s", msg.PageID)
			return
		}
		c.trackRoom(room)
	case EventLeavePage:
		if room := c.forgetRoom(msg.PageID); room != nil {
			room.requests <- roomRequest{kind: reqLeave, sender: c}
		}
	default:
		room := c.roomFor(msg.PageID)
		if room == nil {
			c.log.Debug().Err(ErrNotJoined).Str("event", msg.Event).Str("page_id", msg.PageID).Msg("dropping event")
			return
		}
		room.requests <- roomRequest{kind: reqEvent, sender: c, msg: msg}
	}
}

// writePump writes queued messages and pings to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
