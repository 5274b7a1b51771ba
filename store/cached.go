package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// dirtyPage tracks what needs flushing for a single page.
type dirtyPage struct {
	createdPage bool
	pageDirty   bool

	createdBlocks map[string]bool
	updatedBlocks map[string]bool
	deletedBlocks map[string]bool

	createdComments map[string]bool
	updatedComments map[string]bool
	deletedComments map[string]bool
}

func newDirtyPage() *dirtyPage {
	return &dirtyPage{
		createdBlocks:   make(map[string]bool),
		updatedBlocks:   make(map[string]bool),
		deletedBlocks:   make(map[string]bool),
		createdComments: make(map[string]bool),
		updatedComments: make(map[string]bool),
		deletedComments: make(map[string]bool),
	}
}

func (d *dirtyPage) merge(other *dirtyPage) {
	d.createdPage = d.createdPage || other.createdPage
	d.pageDirty = d.pageDirty || other.pageDirty
	for _, pair := range []struct{ dst, src map[string]bool }{
		{d.createdBlocks, other.createdBlocks},
		{d.updatedBlocks, other.updatedBlocks},
		{d.deletedBlocks, other.deletedBlocks},
		{d.createdComments, other.createdComments},
		{d.updatedComments, other.updatedComments},
		{d.deletedComments, other.deletedComments},
	} {
		for id := range pair.src {
			pair.dst[id] = true
		}
	}
}

// CachedStore wraps a backing Store with an in-memory cache. All reads and
// writes are served from the cache; dirty pages are flushed to the backing
// store periodically in the background, coalescing the editor's rapid writes
// into batched persistence.
//
// Block- and comment-level writes assume the owning page has been loaded into
// the cache first (GetPage/GetBlocks/GetComments do this), which matches the
// gateway's join-then-mutate flow.
type CachedStore struct {
	cache   *MemoryStore
	backing Store
	log     zerolog.Logger

	// The dirty map rides on its own mutex so flushing never blocks
	// cache reads.
	dirtyMu       sync.Mutex
	dirty         map[string]*dirtyPage
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty pages to the backing store every flushInterval.
func NewCachedStore(backing Store, flushInterval time.Duration, log zerolog.Logger) *CachedStore {
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		log:           log.With().Str("component", "cached_store").Logger(),
		dirty:         make(map[string]*dirtyPage),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) markDirty(pageID string, mark func(*dirtyPage)) {
	cs.dirtyMu.Lock()
	defer cs.dirtyMu.Unlock()
	d := cs.dirty[pageID]
	if d == nil {
		d = newDirtyPage()
		cs.dirty[pageID] = d
	}
	mark(d)
}

func (cs *CachedStore) CreatePage(ctx context.Context, page Page) (*Page, error) {
	created, err := cs.cache.CreatePage(ctx, page)
	if err != nil {
		return nil, err
	}
	cs.markDirty(created.ID, func(d *dirtyPage) { d.createdPage = true })
	return created, nil
}

func (cs *CachedStore) GetPage(ctx context.Context, pageID string) (*Page, error) {
	page, err := cs.cache.GetPage(ctx, pageID)
	if err == nil {
		return page, nil
	}
	// Cache miss: load from the backing store.
	if err := cs.loadFromBacking(ctx, pageID); err != nil {
		return nil, err
	}
	return cs.cache.GetPage(ctx, pageID)
}

func (cs *CachedStore) UpdatePage(ctx context.Context, pageID string, patch PagePatch) (*Page, error) {
	if _, err := cs.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	page, err := cs.cache.UpdatePage(ctx, pageID, patch)
	if err != nil {
		return nil, err
	}
	cs.markDirty(pageID, func(d *dirtyPage) { d.pageDirty = true })
	return page, nil
}

func (cs *CachedStore) GetBlocks(ctx context.Context, pageID string) ([]Block, error) {
	if _, err := cs.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	return cs.cache.GetBlocks(ctx, pageID)
}

func (cs *CachedStore) CreateBlock(ctx context.Context, pageID string, data Block) (*Block, error) {
	if _, err := cs.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	block, err := cs.cache.CreateBlock(ctx, pageID, data)
	if err != nil {
		return nil, err
	}
	cs.markDirty(pageID, func(d *dirtyPage) { d.createdBlocks[block.ID] = true })
	return block, nil
}

func (cs *CachedStore) UpdateBlock(ctx context.Context, blockID string, patch BlockPatch) (*Block, error) {
	block, err := cs.cache.UpdateBlock(ctx, blockID, patch)
	if err != nil {
		return nil, err
	}
	cs.markDirty(block.PageID, func(d *dirtyPage) {
		if !d.createdBlocks[blockID] {
			d.updatedBlocks[blockID] = true
		}
	})
	return block, nil
}

func (cs *CachedStore) DeleteBlock(ctx context.Context, blockID string) error {
	cs.cache.mu.RLock()
	pageID := cs.cache.blockPage[blockID]
	cs.cache.mu.RUnlock()

	if err := cs.cache.DeleteBlock(ctx, blockID); err != nil {
		return err
	}
	cs.markDirty(pageID, func(d *dirtyPage) {
		if d.createdBlocks[blockID] {
			// Never reached the backing store; nothing to delete there.
			delete(d.createdBlocks, blockID)
			return
		}
		delete(d.updatedBlocks, blockID)
		d.deletedBlocks[blockID] = true
	})
	return nil
}

func (cs *CachedStore) ReorderBlocks(ctx context.Context, pageID string, blocks []Block) error {
	if _, err := cs.GetPage(ctx, pageID); err != nil {
		return err
	}
	if err := cs.cache.ReorderBlocks(ctx, pageID, blocks); err != nil {
		return err
	}
	cs.markDirty(pageID, func(d *dirtyPage) {
		for _, b := range blocks {
			if !d.createdBlocks[b.ID] {
				d.updatedBlocks[b.ID] = true
			}
		}
	})
	return nil
}

func (cs *CachedStore) GetComments(ctx context.Context, pageID string) ([]Comment, error) {
	if _, err := cs.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	return cs.cache.GetComments(ctx, pageID)
}

func (cs *CachedStore) CreateComment(ctx context.Context, comment Comment) (*Comment, error) {
	if _, err := cs.GetPage(ctx, comment.PageID); err != nil {
		return nil, err
	}
	created, err := cs.cache.CreateComment(ctx, comment)
	if err != nil {
		return nil, err
	}
	cs.markDirty(created.PageID, func(d *dirtyPage) { d.createdComments[created.ID] = true })
	return created, nil
}

func (cs *CachedStore) UpdateComment(ctx context.Context, commentID, content string) (*Comment, error) {
	updated, err := cs.cache.UpdateComment(ctx, commentID, content)
	if err != nil {
		return nil, err
	}
	cs.markDirty(updated.PageID, func(d *dirtyPage) {
		if !d.createdComments[commentID] {
			d.updatedComments[commentID] = true
		}
	})
	return updated, nil
}

func (cs *CachedStore) DeleteComment(ctx context.Context, commentID string) error {
	cs.cache.mu.RLock()
	pageID := cs.cache.commentPage[commentID]
	cs.cache.mu.RUnlock()

	if err := cs.cache.DeleteComment(ctx, commentID); err != nil {
		return err
	}
	cs.markDirty(pageID, func(d *dirtyPage) {
		if d.createdComments[commentID] {
			delete(d.createdComments, commentID)
			return
		}
		delete(d.updatedComments, commentID)
		d.deletedComments[commentID] = true
	})
	return nil
}

func (cs *CachedStore) ResolveComment(ctx context.Context, commentID, resolvedBy string) (*Comment, error) {
	resolved, err := cs.cache.ResolveComment(ctx, commentID, resolvedBy)
	if err != nil {
		return nil, err
	}
	cs.markDirty(resolved.PageID, func(d *dirtyPage) {
		if !d.createdComments[commentID] {
			d.updatedComments[commentID] = true
		}
	})
	return resolved, nil
}

// loadFromBacking loads a page with its blocks and comments into the cache.
func (cs *CachedStore) loadFromBacking(ctx context.Context, pageID string) error {
	page, err := cs.backing.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	blocks, err := cs.backing.GetBlocks(ctx, pageID)
	if err != nil {
		return err
	}
	comments, err := cs.backing.GetComments(ctx, pageID)
	if err != nil {
		return err
	}

	cs.cache.mu.Lock()
	defer cs.cache.mu.Unlock()
	if _, exists := cs.cache.pages[pageID]; exists {
		return nil
	}
	rec := &pageRecord{
		page:     *page,
		blocks:   make(map[string]*Block, len(blocks)),
		comments: make(map[string]*Comment, len(comments)),
	}
	for i := range blocks {
		b := blocks[i]
		rec.blocks[b.ID] = &b
		cs.cache.blockPage[b.ID] = pageID
	}
	for i := range comments {
		c := comments[i]
		rec.comments[c.ID] = &c
		cs.cache.commentPage[c.ID] = pageID
	}
	cs.cache.pages[pageID] = rec
	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// Flush writes all dirty state to the backing store immediately instead
// of waiting for the next cycle.
func (cs *CachedStore) Flush() {
	cs.flush()
}

// flush takes ownership of the current dirty set and writes it to the
// backing store. Pages that fail to flush are merged back for the next cycle.
func (cs *CachedStore) flush() {
	cs.dirtyMu.Lock()
	pending := cs.dirty
	cs.dirty = make(map[string]*dirtyPage)
	cs.dirtyMu.Unlock()

	ctx := context.Background()

	for pageID, d := range pending {
		if err := cs.flushPage(ctx, pageID, d); err != nil {
			cs.log.Error().Err(err).Str("page", pageID).Msg("flush failed, retrying next cycle")
			cs.dirtyMu.Lock()
			if cur := cs.dirty[pageID]; cur != nil {
				cur.merge(d)
			} else {
				cs.dirty[pageID] = d
			}
			cs.dirtyMu.Unlock()
		}
	}
}

func (cs *CachedStore) flushPage(ctx context.Context, pageID string, d *dirtyPage) error {
	page, err := cs.cache.GetPage(ctx, pageID)
	if err != nil {
		// Page vanished from the cache; drop its dirt.
		return nil
	}

	if d.createdPage {
		if _, err := cs.backing.CreatePage(ctx, *page); err != nil {
			return err
		}
		d.createdPage = false
	}
	if d.pageDirty {
		patch := PagePatch{Title: &page.Title, Content: &page.Content, Tags: page.Tags}
		if _, err := cs.backing.UpdatePage(ctx, pageID, patch); err != nil {
			return err
		}
		d.pageDirty = false
	}

	for id := range d.createdBlocks {
		block, err := cs.cacheBlock(id)
		if err != nil {
			delete(d.createdBlocks, id)
			continue
		}
		if _, err := cs.backing.CreateBlock(ctx, pageID, *block); err != nil {
			return err
		}
		delete(d.createdBlocks, id)
	}
	for id := range d.updatedBlocks {
		block, err := cs.cacheBlock(id)
		if err != nil {
			delete(d.updatedBlocks, id)
			continue
		}
		order := block.Order
		typ := block.Type
		patch := BlockPatch{Content: block.Content, Type: &typ, Order: &order}
		if _, err := cs.backing.UpdateBlock(ctx, id, patch); err != nil {
			return err
		}
		delete(d.updatedBlocks, id)
	}
	for id := range d.deletedBlocks {
		if err := cs.backing.DeleteBlock(ctx, id); err != nil && !isNotFound(err) {
			return err
		}
		delete(d.deletedBlocks, id)
	}

	for id := range d.createdComments {
		comment, err := cs.cacheComment(id)
		if err != nil {
			delete(d.createdComments, id)
			continue
		}
		if _, err := cs.backing.CreateComment(ctx, *comment); err != nil {
			return err
		}
		delete(d.createdComments, id)
	}
	for id := range d.updatedComments {
		comment, err := cs.cacheComment(id)
		if err != nil {
			delete(d.updatedComments, id)
			continue
		}
		if _, err := cs.backing.UpdateComment(ctx, id, comment.Content); err != nil {
			return err
		}
		if comment.IsResolved {
			if _, err := cs.backing.ResolveComment(ctx, id, comment.ResolvedBy); err != nil {
				return err
			}
		}
		delete(d.updatedComments, id)
	}
	for id := range d.deletedComments {
		if err := cs.backing.DeleteComment(ctx, id); err != nil && !isNotFound(err) {
			return err
		}
		delete(d.deletedComments, id)
	}
	return nil
}

func (cs *CachedStore) cacheBlock(blockID string) (*Block, error) {
	cs.cache.mu.RLock()
	defer cs.cache.mu.RUnlock()
	b, err := cs.cache.lookupBlock(blockID)
	if err != nil {
		return nil, err
	}
	out := *b
	return &out, nil
}

func (cs *CachedStore) cacheComment(commentID string) (*Comment, error) {
	cs.cache.mu.RLock()
	defer cs.cache.mu.RUnlock()
	c, err := cs.cache.lookupComment(commentID)
	if err != nil {
		return nil, err
	}
	out := copyComment(c)
	return &out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Close signals the flush loop to perform a final flush and waits for it.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
