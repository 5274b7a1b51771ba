package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alimasry/go-note-collab/store"
)

// ErrNotJoined marks events targeting a room the sender never joined.
// Such events are dropped, not fatal.
var ErrNotJoined = errors.New("page not joined")

// Inbound events (client -> gateway).
const (
	EventJoinPage       = "join-page"
	EventLeavePage      = "leave-page"
	EventUpdateBlock    = "update-block"
	EventCreateBlock    = "create-block"
	EventDeleteBlock    = "delete-block"
	EventReorderBlocks  = "reorder-blocks"
	EventAddComment     = "add-comment"
	EventUpdateComment  = "update-comment"
	EventDeleteComment  = "delete-comment"
	EventResolveComment = "resolve-comment"
	EventStartTyping    = "start-typing"
	EventStopTyping     = "stop-typing"
	EventMoveCursor     = "move-cursor"
)

// Outbound events (gateway -> client).
const (
	EventPageJoined      = "page-joined"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventUserTyping      = "user-typing"
	EventCursorMoved     = "cursor-moved"
	EventBlockUpdated    = "block-updated"
	EventBlockCreated    = "block-created"
	EventBlockDeleted    = "block-deleted"
	EventBlocksReordered = "blocks-reordered"
	EventCommentAdded    = "comment-added"
	EventCommentUpdated  = "comment-updated"
	EventCommentDeleted  = "comment-deleted"
	EventCommentResolved = "comment-resolved"
	EventError           = "error"
)

// ClientMessage is a message from client to gateway.
type ClientMessage struct {
	Event     string          `json:"event"`
	PageID    string          `json:"pageId,omitempty"`
	BlockID   string          `json:"blockId,omitempty"`
	Type      store.BlockType `json:"type,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Block     *store.Block    `json:"block,omitempty"`
	Blocks    []store.Block   `json:"blocks,omitempty"`
	Comment   *store.Comment  `json:"comment,omitempty"`
	CommentID string          `json:"commentId,omitempty"`
	Position  int             `json:"position,omitempty"`
}

// Validate rejects messages missing required mutation fields before they
// reach a room.
func (m ClientMessage) Validate() error {
	if m.Event == "" {
		return fmt.Errorf("missing event")
	}
	if m.PageID == "" {
		return fmt.Errorf("%s: missing pageId", m.Event)
	}
	switch m.Event {
	case EventUpdateBlock:
		if m.BlockID == "" {
			return fmt.Errorf("%s: missing blockId", m.Event)
		}
		if m.Content == nil {
			return fmt.Errorf("%s: missing content", m.Event)
		}
	case EventDeleteBlock:
		if m.BlockID == "" {
			return fmt.Errorf("%s: missing blockId", m.Event)
		}
	case EventCreateBlock:
		if m.Block == nil {
			return fmt.Errorf("%s: missing block", m.Event)
		}
	case EventReorderBlocks:
		if len(m.Blocks) == 0 {
			return fmt.Errorf("%s: missing blocks", m.Event)
		}
	case EventAddComment:
		if m.Comment == nil {
			return fmt.Errorf("%s: missing comment", m.Event)
		}
	case EventUpdateComment:
		if m.CommentID == "" || m.Comment == nil {
			return fmt.Errorf("%s: missing comment", m.Event)
		}
	case EventDeleteComment, EventResolveComment:
		if m.CommentID == "" {
			return fmt.Errorf("%s: missing commentId", m.Event)
		}
	}
	return nil
}

// MemberInfo describes a connected user within a room.
type MemberInfo struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// ServerMessage is a message from gateway to client.
type ServerMessage struct {
	Event     string          `json:"event"`
	PageID    string          `json:"pageId,omitempty"`
	BlockID   string          `json:"blockId,omitempty"`
	Type      store.BlockType `json:"type,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Block     *store.Block    `json:"block,omitempty"`
	Blocks    []store.Block   `json:"blocks,omitempty"`
	Comment   *store.Comment  `json:"comment,omitempty"`
	Comments  []store.Comment `json:"comments,omitempty"`
	CommentID string          `json:"commentId,omitempty"`
	Position  int             `json:"position,omitempty"`
	IsTyping  bool            `json:"isTyping,omitempty"`
	User      *MemberInfo     `json:"user,omitempty"`
	Members   []MemberInfo    `json:"members,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
