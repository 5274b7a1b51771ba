package server

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-note-collab/store"
)

// Member is a client's presence within one room.
type Member struct {
	Client   *Client
	JoinedAt time.Time
}

// CursorState is the last reported cursor position of a member.
type CursorState struct {
	Position  int       `json:"position"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type requestKind int

const (
	reqJoin requestKind = iota
	reqLeave
	reqEvent
)

type roomRequest struct {
	kind   requestKind
	sender *Client
	msg    ClientMessage
}

// Room relays events between the members of a single page. All state is
// owned by the run loop; clients and the hub talk to it over channels.
// Join, leave and events share one channel so each connection's requests
// are handled in the order they were sent.
type Room struct {
	PageID string

	hub   *Hub
	store store.Store
	log   zerolog.Logger

	requests chan roomRequest
	closeReq chan chan bool

	members map[string]*Member
	typing  mapset.Set[string]
	cursors map[string]CursorState
}

func newRoom(hub *Hub, pageID string) *Room {
	return &Room{
		PageID:   pageID,
		hub:      hub,
		store:    hub.store,
		log:      hub.log.With().Str("page_id", pageID).Logger(),
		requests: make(chan roomRequest, 64),
		closeReq: make(chan chan bool),
		members:  make(map[string]*Member),
		typing:   mapset.NewSet[string](),
		cursors:  make(map[string]CursorState),
	}
}

func (r *Room) run() {
	for {
		select {
		case req := <-r.requests:
			switch req.kind {
			case reqJoin:
				r.handleJoin(req.sender)
			case reqLeave:
				r.handleLeave(req.sender)
			case reqEvent:
				r.handleEvent(req.sender, req.msg)
			}
		case reply := <-r.closeReq:
			// Only close when no members remain and nothing is queued.
			ok := len(r.members) == 0 && len(r.requests) == 0
			reply <- ok
			if ok {
				return
			}
		}
	}
}

// tryClose asks the run loop to shut down if the room is truly idle.
// Called by the hub with its lock held, so no new joins can race in.
func (r *Room) tryClose() bool {
	reply := make(chan bool)
	r.closeReq <- reply
	return <-reply
}

func (r *Room) handleJoin(c *Client) {
	if _, ok := r.members[c.ID]; ok {
		return
	}
	r.members[c.ID] = &Member{Client: c, JoinedAt: time.Now()}
	r.log.Info().Str("connection_id", c.ID).Str("user", c.Username).Msg("member joined")

	ctx := context.Background()
	blocks, err := r.store.GetBlocks(ctx, r.PageID)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to load blocks")
	}
	comments, err := r.store.GetComments(ctx, r.PageID)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to load comments")
	}

	c.enqueue(ServerMessage{
		Event:    EventPageJoined,
		PageID:   r.PageID,
		Blocks:   blocks,
		Comments: comments,
		Members:  r.memberList(),
	}.Encode())

	sender := c.info()
	r.broadcast(c, ServerMessage{Event: EventUserJoined, PageID: r.PageID, User: &sender})
}

func (r *Room) handleLeave(c *Client) {
	if _, ok := r.members[c.ID]; !ok {
		return
	}
	delete(r.members, c.ID)
	r.typing.Remove(c.ID)
	delete(r.cursors, c.ID)
	r.log.Info().Str("connection_id", c.ID).Str("user", c.Username).Msg("member left")

	sender := c.info()
	r.broadcast(c, ServerMessage{Event: EventUserLeft, PageID: r.PageID, User: &sender})

	if len(r.members) == 0 {
		r.hub.notifyEmpty(r)
	}
}

// handleEvent relays a mutation or presence event to every other member.
// The gateway never writes document state itself; persistence happens on
// the sender's own write path.
func (r *Room) handleEvent(c *Client, msg ClientMessage) {
	if _, ok := r.members[c.ID]; !ok {
		r.log.Debug().Str("event", msg.Event).Str("connection_id", c.ID).Msg("dropping event from non-member")
		return
	}
	sender := c.info()

	switch msg.Event {
	case EventUpdateBlock:
		r.broadcast(c, ServerMessage{
			Event: EventBlockUpdated, PageID: r.PageID,
			BlockID: msg.BlockID, Type: msg.Type, Content: msg.Content, User: &sender,
		})
	case EventCreateBlock:
		r.broadcast(c, ServerMessage{
			Event: EventBlockCreated, PageID: r.PageID, Block: msg.Block, User: &sender,
		})
	case EventDeleteBlock:
		r.broadcast(c, ServerMessage{
			Event: EventBlockDeleted, PageID: r.PageID, BlockID: msg.BlockID, User: &sender,
		})
	case EventReorderBlocks:
		r.broadcast(c, ServerMessage{
			Event: EventBlocksReordered, PageID: r.PageID, Blocks: msg.Blocks, User: &sender,
		})
	case EventAddComment:
		r.broadcast(c, ServerMessage{
			Event: EventCommentAdded, PageID: r.PageID, Comment: msg.Comment, User: &sender,
		})
	case EventUpdateComment:
		r.broadcast(c, ServerMessage{
			Event: EventCommentUpdated, PageID: r.PageID,
			CommentID: msg.CommentID, Comment: msg.Comment, User: &sender,
		})
	case EventDeleteComment:
		r.broadcast(c, ServerMessage{
			Event: EventCommentDeleted, PageID: r.PageID, CommentID: msg.CommentID, User: &sender,
		})
	case EventResolveComment:
		r.broadcast(c, ServerMessage{
			Event: EventCommentResolved, PageID: r.PageID, CommentID: msg.CommentID, User: &sender,
		})
	case EventStartTyping:
		r.typing.Add(c.ID)
		r.broadcast(c, ServerMessage{Event: EventUserTyping, PageID: r.PageID, IsTyping: true, User: &sender})
	case EventStopTyping:
		r.typing.Remove(c.ID)
		r.broadcast(c, ServerMessage{Event: EventUserTyping, PageID: r.PageID, IsTyping: false, User: &sender})
	case EventMoveCursor:
		r.cursors[c.ID] = CursorState{Position: msg.Position, UpdatedAt: time.Now()}
		r.broadcast(c, ServerMessage{Event: EventCursorMoved, PageID: r.PageID, Position: msg.Position, User: &sender})
	default:
		r.log.Debug().Str("event", msg.Event).Msg("unknown event")
	}
}

// broadcast sends a message to every member except the sender. Delivery
// is at most once; slow members drop messages instead of blocking.
func (r *Room) broadcast(sender *Client, msg ServerMessage) {
	data := msg.Encode()
	for id, m := range r.members {
		if sender != nil && id == sender.ID {
			continue
		}
		m.Client.enqueue(data)
	}
}

func (r *Room) memberList() []MemberInfo {
	out := make([]MemberInfo, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.Client.info())
	}
	return out
}
