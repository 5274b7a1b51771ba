package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/alimasry/go-note-collab/store"
)

// Hub is the room registry. It owns the page ID to room mapping, creates
// rooms on first join and deallocates them once the last member leaves.
type Hub struct {
	store store.Store
	log   zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room

	emptied chan *Room
	stop    chan struct{}
}

func NewHub(s store.Store, log zerolog.Logger) *Hub {
	return &Hub{
		store:   s,
		log:     log,
		rooms:   make(map[string]*Room),
		emptied: make(chan *Room, 16),
		stop:    make(chan struct{}),
	}
}

// Run reaps rooms that reported themselves empty. Must run in its own
// goroutine for deallocation to happen; joins work without it.
func (h *Hub) Run() {
	for {
		select {
		case room := <-h.emptied:
			h.reap(room)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) Stop() {
	close(h.stop)
}

// Join places a client in the room for pageID, creating the page and the
// room as needed. The joining client receives the page state; everyone
// else is told about the new member.
func (h *Hub) Join(c *Client, pageID string) (*Room, error) {
	if err := h.ensurePage(pageID); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[pageID]
	if !ok {
		room = newRoom(h, pageID)
		h.rooms[pageID] = room
		go room.run()
		h.log.Info().Str("page_id", pageID).Msg("room created")
	}
	room.requests <- roomRequest{kind: reqJoin, sender: c}
	return room, nil
}

func (h *Hub) ensurePage(pageID string) error {
	ctx := context.Background()
	_, err := h.store.GetPage(ctx, pageID)
	if errors.Is(err, store.ErrNotFound) {
		_, err = h.store.CreatePage(ctx, store.Page{ID: pageID, Title: "Untitled"})
	}
	if err != nil {
		return fmt.Errorf("ensure page %s: %w", pageID, err)
	}
	return nil
}

// Room returns the live room for a page, or nil.
func (h *Hub) Room(pageID string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[pageID]
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// notifyEmpty is called from a room's run loop when its last member
// leaves. Dropping the notification just leaves the room dormant.
func (h *Hub) notifyEmpty(r *Room) {
	select {
	case h.emptied <- r:
	default:
	}
}

// reap removes an empty room from the registry. The lock is held across
// tryClose so a concurrent Join cannot be handed a closing room.
func (h *Hub) reap(room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room.PageID] != room {
		return
	}
	if room.tryClose() {
		delete(h.rooms, room.PageID)
		h.log.Info().Str("page_id", room.PageID).Msg("room deallocated")
	}
}
