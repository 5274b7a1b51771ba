package editor

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-note-collab/server"
)

// Socket is a gateway connection for one editor. It implements Emitter
// for outgoing events and forwards incoming events to a handler.
type Socket struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   func(server.ServerMessage)

	done chan struct{}
}

// Dial connects to a gateway websocket endpoint with a bearer token.
func Dial(url, token string, log zerolog.Logger) (*Socket, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	s := &Socket{conn: conn, log: log, done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

// OnMessage sets the handler for incoming events. Typically this is
// Controller.ApplyRemote.
func (s *Socket) OnMessage(fn func(server.ServerMessage)) {
	s.handlerMu.Lock()
	s.handler = fn
	s.handlerMu.Unlock()
}

// Emit sends one event to the gateway.
func (s *Socket) Emit(msg server.ClientMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("emit %s: %w", msg.Event, err)
	}
	return nil
}

// Join subscribes to a page's room. The page-joined reply arrives on the
// message handler like any other event.
func (s *Socket) Join(pageID string) error {
	return s.Emit(server.ClientMessage{Event: server.EventJoinPage, PageID: pageID})
}

func (s *Socket) Leave(pageID string) error {
	return s.Emit(server.ClientMessage{Event: server.EventLeavePage, PageID: pageID})
}

func (s *Socket) readLoop() {
	defer close(s.done)
	for {
		var msg server.ServerMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("gateway connection lost")
			}
			return
		}
		s.handlerMu.RLock()
		fn := s.handler
		s.handlerMu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	}
}

// Close shuts the connection down and waits for the read loop to exit.
func (s *Socket) Close() error {
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	err := s.conn.Close()
	<-s.done
	return err
}
