package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

type pageRecord struct {
	page     Page
	blocks   map[string]*Block
	comments map[string]*Comment
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.RWMutex
	pages       map[string]*pageRecord
	blockPage   map[string]string // block ID -> owning page ID
	commentPage map[string]string // comment ID -> owning page ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages:       make(map[string]*pageRecord),
		blockPage:   make(map[string]string),
		commentPage: make(map[string]string),
	}
}

func (s *MemoryStore) CreatePage(_ context.Context, page Page) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	if _, exists := s.pages[page.ID]; exists {
		return nil, fmt.Errorf("page %q already exists", page.ID)
	}
	now := time.Now()
	page.CreatedAt = now
	page.UpdatedAt = now
	s.pages[page.ID] = &pageRecord{
		page:     page,
		blocks:   make(map[string]*Block),
		comments: make(map[string]*Comment),
	}
	out := page
	return &out, nil
}

func (s *MemoryStore) GetPage(_ context.Context, pageID string) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %q: %w", pageID, ErrNotFound)
	}
	page := rec.page
	return &page, nil
}

func (s *MemoryStore) UpdatePage(_ context.Context, pageID string, patch PagePatch) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %q: %w", pageID, ErrNotFound)
	}
	if patch.Title != nil {
		rec.page.Title = *patch.Title
	}
	if patch.Content != nil {
		rec.page.Content = *patch.Content
	}
	if patch.Tags != nil {
		rec.page.Tags = append([]string(nil), patch.Tags...)
	}
	rec.page.UpdatedAt = time.Now()
	page := rec.page
	return &page, nil
}

func (s *MemoryStore) GetBlocks(_ context.Context, pageID string) ([]Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %q: %w", pageID, ErrNotFound)
	}
	blocks := make([]Block, 0, len(rec.blocks))
	for _, b := range rec.blocks {
		blocks = append(blocks, *b)
	}
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Order != blocks[j].Order {
			return blocks[i].Order < blocks[j].Order
		}
		return blocks[i].ID < blocks[j].ID
	})
	return blocks, nil
}

func (s *MemoryStore) CreateBlock(_ context.Context, pageID string, data Block) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %q: %w", pageID, ErrNotFound)
	}
	if data.ID == "" {
		data.ID = uuid.NewString()
	}
	if _, exists := rec.blocks[data.ID]; exists {
		return nil, fmt.Errorf("block %q already exists", data.ID)
	}
	if data.Content == nil {
		data.Content = DefaultContent(data.Type)
	}
	now := time.Now()
	data.PageID = pageID
	data.CreatedAt = now
	data.UpdatedAt = now
	rec.blocks[data.ID] = &data
	s.blockPage[data.ID] = pageID
	out := data
	return &out, nil
}

func (s *MemoryStore) UpdateBlock(_ context.Context, blockID string, patch BlockPatch) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookupBlock(blockID)
	if err != nil {
		return nil, err
	}
	if patch.Content != nil {
		b.Content = patch.Content
	}
	if patch.Type != nil {
		b.Type = *patch.Type
	}
	if patch.Order != nil {
		b.Order = *patch.Order
	}
	b.UpdatedAt = time.Now()
	out := *b
	return &out, nil
}

func (s *MemoryStore) DeleteBlock(_ context.Context, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pageID, ok := s.blockPage[blockID]
	if !ok {
		return fmt.Errorf("block %q: %w", blockID, ErrNotFound)
	}
	delete(s.pages[pageID].blocks, blockID)
	delete(s.blockPage, blockID)
	return nil
}

func (s *MemoryStore) ReorderBlocks(_ context.Context, pageID string, blocks []Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pages[pageID]
	if !ok {
		return fmt.Errorf("page %q: %w", pageID, ErrNotFound)
	}
	now := time.Now()
	for _, b := range blocks {
		existing, ok := rec.blocks[b.ID]
		if !ok {
			return fmt.Errorf("block %q: %w", b.ID, ErrNotFound)
		}
		existing.Order = b.Order
		existing.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) GetComments(_ context.Context, pageID string) ([]Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %q: %w", pageID, ErrNotFound)
	}
	comments := make([]Comment, 0, len(rec.comments))
	for _, c := range rec.comments {
		comments = append(comments, copyComment(c))
	}
	sort.Slice(comments, func(i, j int) bool {
		if !comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].CreatedAt.Before(comments[j].CreatedAt)
		}
		return comments[i].ID < comments[j].ID
	})
	return comments, nil
}

func (s *MemoryStore) CreateComment(_ context.Context, comment Comment) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pages[comment.PageID]
	if !ok {
		return nil, fmt.Errorf("page %q: %w", comment.PageID, ErrNotFound)
	}
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	if _, exists := rec.comments[comment.ID]; exists {
		return nil, fmt.Errorf("comment %q already exists", comment.ID)
	}
	if comment.ParentID != "" {
		if _, ok := rec.comments[comment.ParentID]; !ok {
			return nil, fmt.Errorf("parent comment %q: %w", comment.ParentID, ErrNotFound)
		}
	}
	if comment.Mentions == nil {
		comment.Mentions = mapset.NewSet[string]()
	}
	now := time.Now()
	comment.CreatedAt = now
	comment.UpdatedAt = now
	rec.comments[comment.ID] = &comment
	s.commentPage[comment.ID] = comment.PageID
	out := copyComment(&comment)
	return &out, nil
}

func (s *MemoryStore) UpdateComment(_ context.Context, commentID, content string) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.lookupComment(commentID)
	if err != nil {
		return nil, err
	}
	c.Content = content
	c.UpdatedAt = time.Now()
	out := copyComment(c)
	return &out, nil
}

func (s *MemoryStore) DeleteComment(_ context.Context, commentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pageID, ok := s.commentPage[commentID]
	if !ok {
		return fmt.Errorf("comment %q: %w", commentID, ErrNotFound)
	}
	rec := s.pages[pageID]
	// Replies go with the root comment.
	for id, c := range rec.comments {
		if c.ParentID == commentID {
			delete(rec.comments, id)
			delete(s.commentPage, id)
		}
	}
	delete(rec.comments, commentID)
	delete(s.commentPage, commentID)
	return nil
}

func (s *MemoryStore) ResolveComment(_ context.Context, commentID, resolvedBy string) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.lookupComment(commentID)
	if err != nil {
		return nil, err
	}
	c.IsResolved = true
	c.ResolvedBy = resolvedBy
	c.UpdatedAt = time.Now()
	out := copyComment(c)
	return &out, nil
}

func (s *MemoryStore) lookupBlock(blockID string) (*Block, error) {
	pageID, ok := s.blockPage[blockID]
	if !ok {
		return nil, fmt.Errorf("block %q: %w", blockID, ErrNotFound)
	}
	return s.pages[pageID].blocks[blockID], nil
}

func (s *MemoryStore) lookupComment(commentID string) (*Comment, error) {
	pageID, ok := s.commentPage[commentID]
	if !ok {
		return nil, fmt.Errorf("comment %q: %w", commentID, ErrNotFound)
	}
	return s.pages[pageID].comments[commentID], nil
}

func copyComment(c *Comment) Comment {
	out := *c
	if c.Mentions != nil {
		out.Mentions = c.Mentions.Clone()
	}
	return out
}
