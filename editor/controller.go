package editor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-note-collab/history"
	"github.com/alimasry/go-note-collab/server"
	"github.com/alimasry/go-note-collab/store"
)

// SaveStatus is the lifecycle of the page auto-save indicator.
type SaveStatus string

const (
	StatusIdle   SaveStatus = "idle"
	StatusSaving SaveStatus = "saving"
	StatusSaved  SaveStatus = "saved"
	StatusError  SaveStatus = "error"
)

// Emitter sends collaboration events to the gateway.
type Emitter interface {
	Emit(msg server.ClientMessage) error
}

// Options tune the controller's debounce windows. Zero values pick the
// defaults; tests shrink them.
type Options struct {
	BlockDebounce   time.Duration
	ContentDebounce time.Duration
	TypingIdle      time.Duration
	SavedHold       time.Duration
	HistorySize     int
}

func (o *Options) defaults() {
	if o.BlockDebounce == 0 {
		o.BlockDebounce = time.Second
	}
	if o.ContentDebounce == 0 {
		o.ContentDebounce = 2 * time.Second
	}
	if o.TypingIdle == 0 {
		o.TypingIdle = time.Second
	}
	if o.SavedHold == 0 {
		o.SavedHold = 2 * time.Second
	}
	if o.HistorySize == 0 {
		o.HistorySize = history.DefaultMaxSize
	}
}

// Controller keeps one user's view of a page. Edits apply to local state
// immediately and broadcast right away; persistence is debounced for
// block content and immediate for structural changes, which reload from
// the store when they fail.
type Controller struct {
	pageID string
	userID string
	store  store.Store
	emit   Emitter
	log    zerolog.Logger
	opts   Options

	History *history.Stack[string]

	mu       sync.Mutex
	page     *store.Page
	blocks   []store.Block
	comments []store.Comment

	members map[string]server.MemberInfo
	typing  mapset.Set[string]
	cursors map[string]int

	status      SaveStatus
	onStatus    func(SaveStatus)
	savedTimer  *time.Timer
	contentSave *time.Timer

	blockTimers  map[string]*time.Timer
	pendingBlock map[string]store.BlockPatch

	typingActive bool
	typingTimer  *time.Timer
}

func NewController(pageID, userID string, s store.Store, emit Emitter, log zerolog.Logger, opts Options) *Controller {
	opts.defaults()
	return &Controller{
		pageID:       pageID,
		userID:       userID,
		store:        s,
		emit:         emit,
		log:          log.With().Str("page_id", pageID).Logger(),
		opts:         opts,
		status:       StatusIdle,
		members:      make(map[string]server.MemberInfo),
		typing:       mapset.NewSet[string](),
		cursors:      make(map[string]int),
		blockTimers:  make(map[string]*time.Timer),
		pendingBlock: make(map[string]store.BlockPatch),
	}
}

// Load pulls the page, its blocks and comments from the store and seeds
// the undo history with the loaded content.
func (c *Controller) Load(ctx context.Context) error {
	page, err := c.store.GetPage(ctx, c.pageID)
	if err != nil {
		return fmt.Errorf("load page: %w", err)
	}
	blocks, err := c.store.GetBlocks(ctx, c.pageID)
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}
	comments, err := c.store.GetComments(ctx, c.pageID)
	if err != nil {
		return fmt.Errorf("load comments: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.page = page
	c.blocks = blocks
	c.comments = comments
	if c.History == nil {
		c.History = history.New(page.Content, c.opts.HistorySize)
	} else {
		c.History.Reset(page.Content)
	}
	return nil
}

func (c *Controller) Page() store.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.page
}

func (c *Controller) Blocks() []store.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

func (c *Controller) Comments() []store.Comment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Comment, len(c.comments))
	copy(out, c.comments)
	return out
}

func (c *Controller) Status() SaveStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatusChange registers a callback for save indicator transitions.
// The callback runs on its own goroutine.
func (c *Controller) OnStatusChange(fn func(SaveStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// setStatus must be called with the lock held.
func (c *Controller) setStatus(s SaveStatus) {
	if c.status == s {
		return
	}
	c.status = s
	if c.onStatus != nil {
		go c.onStatus(s)
	}
	if s == StatusSaved {
		if c.savedTimer != nil {
			c.savedTimer.Stop()
		}
		c.savedTimer = time.AfterFunc(c.opts.SavedHold, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.status == StatusSaved {
				c.setStatus(StatusIdle)
			}
		})
	}
}

// CreateBlock inserts a new block of the given type at index, with the
// type's default content. Structural changes persist immediately and
// reload from the store when the write fails.
func (c *Controller) CreateBlock(ctx context.Context, index int, t store.BlockType) (*store.Block, error) {
	c.mu.Lock()
	if index < 0 || index > len(c.blocks) {
		index = len(c.blocks)
	}
	block := store.Block{
		ID:      uuid.NewString(),
		PageID:  c.pageID,
		Type:    t,
		Content: store.DefaultContent(t),
		Order:   InsertOrder(c.blocks, index),
	}
	c.blocks = append(c.blocks, store.Block{})
	copy(c.blocks[index+1:], c.blocks[index:])
	c.blocks[index] = block
	c.mu.Unlock()

	created, err := c.store.CreateBlock(ctx, c.pageID, block)
	if err != nil {
		c.log.Error().Err(err).Msg("create block failed, reloading")
		c.Reload(ctx)
		return nil, err
	}
	c.broadcast(server.ClientMessage{Event: server.EventCreateBlock, PageID: c.pageID, Block: created})
	return created, nil
}

// DuplicateBlock copies a block directly below the original.
func (c *Controller) DuplicateBlock(ctx context.Context, blockID string) (*store.Block, error) {
	c.mu.Lock()
	idx := c.indexOf(blockID)
	if idx < 0 {
		c.mu.Unlock()
		return nil, store.ErrNotFound
	}
	dup := c.blocks[idx]
	dup.ID = uuid.NewString()
	dup.Order = OrderAfter(c.blocks, idx)
	c.blocks = append(c.blocks, store.Block{})
	copy(c.blocks[idx+2:], c.blocks[idx+1:])
	c.blocks[idx+1] = dup
	c.mu.Unlock()

	created, err := c.store.CreateBlock(ctx, c.pageID, dup)
	if err != nil {
		c.log.Error().Err(err).Msg("duplicate block failed, reloading")
		c.Reload(ctx)
		return nil, err
	}
	c.broadcast(server.ClientMessage{Event: server.EventCreateBlock, PageID: c.pageID, Block: created})
	return created, nil
}

// UpdateBlockContent applies a content edit locally, broadcasts it right
// away and schedules the store write. Rapid edits to the same block
// collapse into one write carrying the latest value.
func (c *Controller) UpdateBlockContent(blockID string, t store.BlockType, content store.BlockContent) error {
	c.mu.Lock()
	idx := c.indexOf(blockID)
	if idx < 0 {
		c.mu.Unlock()
		return store.ErrNotFound
	}
	c.blocks[idx].Content = content
	if t != "" {
		c.blocks[idx].Type = t
	}

	patch := c.pendingBlock[blockID]
	patch.Content = content
	if t != "" {
		tt := t
		patch.Type = &tt
	}
	c.pendingBlock[blockID] = patch
	if timer, ok := c.blockTimers[blockID]; ok {
		timer.Stop()
	}
	c.blockTimers[blockID] = time.AfterFunc(c.opts.BlockDebounce, func() {
		c.flushBlock(blockID)
	})
	c.touchTypingLocked()
	c.mu.Unlock()

	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	c.broadcast(server.ClientMessage{
		Event:   server.EventUpdateBlock,
		PageID:  c.pageID,
		BlockID: blockID,
		Type:    t,
		Content: raw,
	})
	return nil
}

// flushBlock writes the latest pending patch for a block.
func (c *Controller) flushBlock(blockID string) {
	c.mu.Lock()
	patch, ok := c.pendingBlock[blockID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pendingBlock, blockID)
	delete(c.blockTimers, blockID)
	c.setStatus(StatusSaving)
	c.mu.Unlock()

	_, err := c.store.UpdateBlock(context.Background(), blockID, patch)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Error().Err(err).Str("block_id", blockID).Msg("block save failed")
		c.setStatus(StatusError)
		return
	}
	c.setStatus(StatusSaved)
}

// DeleteBlock removes a block locally and from the store. A pending
// content write for the block is discarded first.
func (c *Controller) DeleteBlock(ctx context.Context, blockID string) error {
	c.mu.Lock()
	idx := c.indexOf(blockID)
	if idx < 0 {
		c.mu.Unlock()
		return store.ErrNotFound
	}
	if timer, ok := c.blockTimers[blockID]; ok {
		timer.Stop()
		delete(c.blockTimers, blockID)
	}
	delete(c.pendingBlock, blockID)
	c.blocks = append(c.blocks[:idx], c.blocks[idx+1:]...)
	c.mu.Unlock()

	if err := c.store.DeleteBlock(ctx, blockID); err != nil {
		c.log.Error().Err(err).Msg("delete block failed, reloading")
		c.Reload(ctx)
		return err
	}
	c.broadcast(server.ClientMessage{Event: server.EventDeleteBlock, PageID: c.pageID, BlockID: blockID})
	return nil
}

// MoveBlock drops a block onto the block at targetIndex. When midpoint
// math runs out of precision the whole sequence is renumbered.
func (c *Controller) MoveBlock(ctx context.Context, blockID string, targetIndex int, above bool) error {
	c.mu.Lock()
	idx := c.indexOf(blockID)
	if idx < 0 {
		c.mu.Unlock()
		return store.ErrNotFound
	}
	c.blocks[idx].Order = DropOrder(c.blocks, targetIndex, above)
	SortBlocks(c.blocks)
	if NeedsNormalization(c.blocks) {
		NormalizeOrders(c.blocks)
	}
	snapshot := make([]store.Block, len(c.blocks))
	copy(snapshot, c.blocks)
	c.mu.Unlock()

	if err := c.store.ReorderBlocks(ctx, c.pageID, snapshot); err != nil {
		c.log.Error().Err(err).Msg("reorder failed, reloading")
		c.Reload(ctx)
		return err
	}
	c.broadcast(server.ClientMessage{Event: server.EventReorderBlocks, PageID: c.pageID, Blocks: snapshot})
	return nil
}

// UpdateContent records a page content edit. The store write and the
// history entry are both debounced on the same window.
func (c *Controller) UpdateContent(content string) {
	c.mu.Lock()
	c.page.Content = content
	c.History.SetDebounced(content, c.opts.ContentDebounce)
	if c.contentSave != nil {
		c.contentSave.Stop()
	}
	c.contentSave = time.AfterFunc(c.opts.ContentDebounce, func() {
		c.saveContent(content)
	})
	c.touchTypingLocked()
	c.mu.Unlock()
}

func (c *Controller) saveContent(content string) {
	c.mu.Lock()
	c.setStatus(StatusSaving)
	c.mu.Unlock()

	_, err := c.store.UpdatePage(context.Background(), c.pageID, store.PagePatch{Content: &content})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Error().Err(err).Msg("page save failed")
		c.setStatus(StatusError)
		return
	}
	c.setStatus(StatusSaved)
}

// UpdateTitle saves a title change immediately.
func (c *Controller) UpdateTitle(ctx context.Context, title string) error {
	c.mu.Lock()
	c.page.Title = title
	c.mu.Unlock()
	_, err := c.store.UpdatePage(ctx, c.pageID, store.PagePatch{Title: &title})
	return err
}

// Undo steps the page content back one entry and saves the restored
// value. Returns false when there is nothing to undo.
func (c *Controller) Undo() bool {
	c.History.Flush()
	if !c.History.Undo() {
		return false
	}
	content := c.History.Present()
	c.restoreContent(content)
	return true
}

func (c *Controller) Redo() bool {
	if !c.History.Redo() {
		return false
	}
	content := c.History.Present()
	c.restoreContent(content)
	return true
}

// restoreContent applies a history snapshot and saves it right away,
// cancelling any auto-save still pending for the replaced value.
func (c *Controller) restoreContent(content string) {
	c.mu.Lock()
	c.page.Content = content
	if c.contentSave != nil {
		c.contentSave.Stop()
		c.contentSave = nil
	}
	c.mu.Unlock()
	c.saveContent(content)
}

// AddComment creates a comment, or a reply when parentID is set.
func (c *Controller) AddComment(ctx context.Context, blockID, parentID, content string, mentions []string) (*store.Comment, error) {
	comment := store.Comment{
		ID:       uuid.NewString(),
		PageID:   c.pageID,
		BlockID:  blockID,
		ParentID: parentID,
		AuthorID: c.userID,
		Content:  content,
		Mentions: mapset.NewSet(mentions...),
	}
	created, err := c.store.CreateComment(ctx, comment)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.comments = append(c.comments, *created)
	c.mu.Unlock()
	c.broadcast(server.ClientMessage{Event: server.EventAddComment, PageID: c.pageID, Comment: created})
	return created, nil
}

func (c *Controller) UpdateComment(ctx context.Context, commentID, content string) (*store.Comment, error) {
	updated, err := c.store.UpdateComment(ctx, commentID, content)
	if err != nil {
		return nil, err
	}
	c.replaceComment(*updated)
	c.broadcast(server.ClientMessage{Event: server.EventUpdateComment, PageID: c.pageID, CommentID: commentID, Comment: updated})
	return updated, nil
}

func (c *Controller) DeleteComment(ctx context.Context, commentID string) error {
	if err := c.store.DeleteComment(ctx, commentID); err != nil {
		return err
	}
	c.mu.Lock()
	kept := c.comments[:0]
	for _, cm := range c.comments {
		if cm.ID != commentID && cm.ParentID != commentID {
			kept = append(kept, cm)
		}
	}
	c.comments = kept
	c.mu.Unlock()
	c.broadcast(server.ClientMessage{Event: server.EventDeleteComment, PageID: c.pageID, CommentID: commentID})
	return nil
}

func (c *Controller) ResolveComment(ctx context.Context, commentID string) (*store.Comment, error) {
	resolved, err := c.store.ResolveComment(ctx, commentID, c.userID)
	if err != nil {
		return nil, err
	}
	c.replaceComment(*resolved)
	c.broadcast(server.ClientMessage{Event: server.EventResolveComment, PageID: c.pageID, CommentID: commentID})
	return resolved, nil
}

func (c *Controller) replaceComment(updated store.Comment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cm := range c.comments {
		if cm.ID == updated.ID {
			c.comments[i] = updated
			return
		}
	}
	c.comments = append(c.comments, updated)
}

// MoveCursor reports the local cursor position to the room.
func (c *Controller) MoveCursor(position int) {
	c.broadcast(server.ClientMessage{Event: server.EventMoveCursor, PageID: c.pageID, Position: position})
}

// touchTypingLocked starts the typing indicator on the first edit of a
// burst and re-arms the stop timer on every edit.
func (c *Controller) touchTypingLocked() {
	if !c.typingActive {
		c.typingActive = true
		c.broadcast(server.ClientMessage{Event: server.EventStartTyping, PageID: c.pageID})
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.opts.TypingIdle, func() {
		c.mu.Lock()
		c.typingActive = false
		c.mu.Unlock()
		c.broadcast(server.ClientMessage{Event: server.EventStopTyping, PageID: c.pageID})
	})
}

// Reload replaces local block state with the store's, discarding any
// optimistic changes that failed to persist.
func (c *Controller) Reload(ctx context.Context) error {
	blocks, err := c.store.GetBlocks(ctx, c.pageID)
	if err != nil {
		return fmt.Errorf("reload blocks: %w", err)
	}
	c.mu.Lock()
	c.blocks = blocks
	c.mu.Unlock()
	return nil
}

// ApplyRemote folds an event from another member into local state. Last
// write wins; a remote edit overwrites any local value for the same
// field.
func (c *Controller) ApplyRemote(msg server.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Event {
	case server.EventBlockUpdated:
		idx := c.indexOf(msg.BlockID)
		if idx < 0 {
			return
		}
		if msg.Type != "" {
			c.blocks[idx].Type = msg.Type
		}
		if msg.Content != nil {
			t := c.blocks[idx].Type
			content, err := store.DecodeContent(t, msg.Content)
			if err != nil {
				c.log.Warn().Err(err).Str("block_id", msg.BlockID).Msg("undecodable remote content")
				return
			}
			c.blocks[idx].Content = content
		}
	case server.EventBlockCreated:
		if msg.Block == nil || c.indexOf(msg.Block.ID) >= 0 {
			return
		}
		c.blocks = append(c.blocks, *msg.Block)
		SortBlocks(c.blocks)
	case server.EventBlockDeleted:
		if idx := c.indexOf(msg.BlockID); idx >= 0 {
			c.blocks = append(c.blocks[:idx], c.blocks[idx+1:]...)
		}
	case server.EventBlocksReordered:
		for _, b := range msg.Blocks {
			if idx := c.indexOf(b.ID); idx >= 0 {
				c.blocks[idx].Order = b.Order
			}
		}
		SortBlocks(c.blocks)
	case server.EventCommentAdded:
		if msg.Comment != nil {
			c.comments = append(c.comments, *msg.Comment)
		}
	case server.EventCommentUpdated, server.EventCommentResolved:
		for i := range c.comments {
			if c.comments[i].ID != msg.CommentID {
				continue
			}
			if msg.Comment != nil {
				c.comments[i] = *msg.Comment
			} else if msg.Event == server.EventCommentResolved {
				c.comments[i].IsResolved = true
			}
		}
	case server.EventCommentDeleted:
		kept := c.comments[:0]
		for _, cm := range c.comments {
			if cm.ID != msg.CommentID && cm.ParentID != msg.CommentID {
				kept = append(kept, cm)
			}
		}
		c.comments = kept
	case server.EventUserJoined:
		if msg.User != nil {
			c.members[msg.User.ID] = *msg.User
		}
	case server.EventUserLeft:
		if msg.User != nil {
			delete(c.members, msg.User.ID)
			c.typing.Remove(msg.User.ID)
			delete(c.cursors, msg.User.ID)
		}
	case server.EventUserTyping:
		if msg.User == nil {
			return
		}
		if msg.IsTyping {
			c.typing.Add(msg.User.ID)
		} else {
			c.typing.Remove(msg.User.ID)
		}
	case server.EventCursorMoved:
		if msg.User != nil {
			c.cursors[msg.User.ID] = msg.Position
		}
	case server.EventPageJoined:
		c.blocks = msg.Blocks
		c.comments = msg.Comments
		c.members = make(map[string]server.MemberInfo, len(msg.Members))
		for _, m := range msg.Members {
			c.members[m.ID] = m
		}
	}
}

// Members lists the known members of the room.
func (c *Controller) Members() []server.MemberInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]server.MemberInfo, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	return out
}

// Cursors maps connection IDs to their last reported cursor position.
func (c *Controller) Cursors() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.cursors))
	for id, pos := range c.cursors {
		out[id] = pos
	}
	return out
}

// TypingUsers lists connection IDs of members currently typing.
func (c *Controller) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.typing.ToSlice()
	return ids
}

// Flush forces all pending debounced writes through immediately.
func (c *Controller) Flush() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pendingBlock))
	for _, timer := range c.blockTimers {
		timer.Stop()
	}
	for id := range c.pendingBlock {
		ids = append(ids, id)
	}
	var content string
	saveNeeded := false
	if c.contentSave != nil && c.contentSave.Stop() {
		content = c.page.Content
		saveNeeded = true
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.flushBlock(id)
	}
	if saveNeeded {
		c.saveContent(content)
	}
	if c.History != nil {
		c.History.Flush()
	}
}

// Close stops timers and flushes pending writes.
func (c *Controller) Close() {
	c.Flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	if c.savedTimer != nil {
		c.savedTimer.Stop()
	}
}

func (c *Controller) broadcast(msg server.ClientMessage) {
	if c.emit == nil {
		return
	}
	if err := c.emit.Emit(msg); err != nil {
		c.log.Warn().Err(err).Str("event", msg.Event).Msg("broadcast failed")
	}
}

// indexOf must be called with the lock held.
func (c *Controller) indexOf(blockID string) int {
	for i := range c.blocks {
		if c.blocks[i].ID == blockID {
			return i
		}
	}
	return -1
}
