package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// ErrNotFound is returned when a page, block or comment does not exist.
var ErrNotFound = errors.New("not found")

// BlockType enumerates the supported block kinds.
type BlockType string

const (
	BlockText      BlockType = "text"
	BlockHeading1  BlockType = "heading1"
	BlockHeading2  BlockType = "heading2"
	BlockHeading3  BlockType = "heading3"
	BlockList      BlockType = "list"
	BlockCode      BlockType = "code"
	BlockQuote     BlockType = "quote"
	BlockImage     BlockType = "image"
	BlockChecklist BlockType = "checklist"
)

// BlockContent is the per-type payload of a block. Exactly one concrete
// shape exists per BlockType.
type BlockContent interface {
	blockContent()
}

type TextContent struct {
	Text string `json:"text"`
}

type HeadingContent struct {
	Text  string `json:"text"`
	Level int    `json:"level"`
}

type ListContent struct {
	Items []string `json:"items"`
}

type CodeContent struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type QuoteContent struct {
	Text string `json:"text"`
}

type ImageContent struct {
	URL     string `json:"url"`
	Alt     string `json:"alt"`
	Caption string `json:"caption"`
}

type ChecklistItem struct {
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
}

type ChecklistContent struct {
	Items []ChecklistItem `json:"items"`
}

func (TextContent) blockContent()      {}
func (HeadingContent) blockContent()   {}
func (ListContent) blockContent()      {}
func (CodeContent) blockContent()      {}
func (QuoteContent) blockContent()     {}
func (ImageContent) blockContent()     {}
func (ChecklistContent) blockContent() {}

// DefaultContent returns the empty payload for a block type, matching what
// the editor creates for a fresh block.
func DefaultContent(t BlockType) BlockContent {
	switch t {
	case BlockHeading1:
		return HeadingContent{Level: 1}
	case BlockHeading2:
		return HeadingContent{Level: 2}
	case BlockHeading3:
		return HeadingContent{Level: 3}
	case BlockList:
		return ListContent{Items: []string{""}}
	case BlockCode:
		return CodeContent{Language: "javascript"}
	case BlockQuote:
		return QuoteContent{}
	case BlockImage:
		return ImageContent{}
	case BlockChecklist:
		return ChecklistContent{Items: []ChecklistItem{{}}}
	default:
		return TextContent{}
	}
}

// DecodeContent parses a raw JSON payload into the content shape for t.
func DecodeContent(t BlockType, data []byte) (BlockContent, error) {
	if len(data) == 0 || string(data) == "null" {
		return DefaultContent(t), nil
	}
	var target BlockContent
	switch t {
	case BlockHeading1, BlockHeading2, BlockHeading3:
		target = &HeadingContent{}
	case BlockList:
		target = &ListContent{}
	case BlockCode:
		target = &CodeContent{}
	case BlockQuote:
		target = &QuoteContent{}
	case BlockImage:
		target = &ImageContent{}
	case BlockChecklist:
		target = &ChecklistContent{}
	case BlockText:
		target = &TextContent{}
	default:
		return nil, fmt.Errorf("unknown block type %q", t)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("decode %s content: %w", t, err)
	}
	return deref(target), nil
}

// deref unwraps the pointer used during decoding so content values compare
// and marshal as plain structs.
func deref(c BlockContent) BlockContent {
	switch v := c.(type) {
	case *TextContent:
		return *v
	case *HeadingContent:
		return *v
	case *ListContent:
		return *v
	case *CodeContent:
		return *v
	case *QuoteContent:
		return *v
	case *ImageContent:
		return *v
	case *ChecklistContent:
		return *v
	default:
		return c
	}
}

// Block is one unit of page content. Order is fractional: inserting between
// two blocks uses the midpoint of their orders.
type Block struct {
	ID        string
	PageID    string
	Type      BlockType
	Content   BlockContent
	Order     float64
	ParentID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type blockJSON struct {
	ID        string          `json:"id"`
	PageID    string          `json:"pageId,omitempty"`
	Type      BlockType       `json:"type"`
	Content   json.RawMessage `json:"content"`
	Order     float64         `json:"order"`
	ParentID  string          `json:"parentId,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitzero"`
	UpdatedAt time.Time       `json:"updatedAt,omitzero"`
}

func (b Block) MarshalJSON() ([]byte, error) {
	content, err := json.Marshal(b.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(blockJSON{
		ID:        b.ID,
		PageID:    b.PageID,
		Type:      b.Type,
		Content:   content,
		Order:     b.Order,
		ParentID:  b.ParentID,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	})
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var raw blockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content, err := DecodeContent(raw.Type, raw.Content)
	if err != nil {
		return err
	}
	*b = Block{
		ID:        raw.ID,
		PageID:    raw.PageID,
		Type:      raw.Type,
		Content:   content,
		Order:     raw.Order,
		ParentID:  raw.ParentID,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
	}
	return nil
}

// BlockPatch is a partial update of a block. Nil fields are left untouched.
type BlockPatch struct {
	Content BlockContent
	Type    *BlockType
	Order   *float64
}

// Comment is attached to a page or a specific block. Replies carry the root
// comment's ID in ParentID.
type Comment struct {
	ID         string
	PageID     string
	BlockID    string
	ParentID   string
	AuthorID   string
	Content    string
	Mentions   mapset.Set[string]
	IsResolved bool
	ResolvedBy string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type commentJSON struct {
	ID         string    `json:"id"`
	PageID     string    `json:"pageId"`
	BlockID    string    `json:"blockId,omitempty"`
	ParentID   string    `json:"parentId,omitempty"`
	AuthorID   string    `json:"authorId"`
	Content    string    `json:"content"`
	Mentions   []string  `json:"mentions,omitempty"`
	IsResolved bool      `json:"isResolved"`
	ResolvedBy string    `json:"resolvedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitzero"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"`
}

func (c Comment) MarshalJSON() ([]byte, error) {
	var mentions []string
	if c.Mentions != nil {
		mentions = c.Mentions.ToSlice()
		sort.Strings(mentions)
	}
	return json.Marshal(commentJSON{
		ID:         c.ID,
		PageID:     c.PageID,
		BlockID:    c.BlockID,
		ParentID:   c.ParentID,
		AuthorID:   c.AuthorID,
		Content:    c.Content,
		Mentions:   mentions,
		IsResolved: c.IsResolved,
		ResolvedBy: c.ResolvedBy,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	})
}

func (c *Comment) UnmarshalJSON(data []byte) error {
	var raw commentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Comment{
		ID:         raw.ID,
		PageID:     raw.PageID,
		BlockID:    raw.BlockID,
		ParentID:   raw.ParentID,
		AuthorID:   raw.AuthorID,
		Content:    raw.Content,
		Mentions:   mapset.NewSet(raw.Mentions...),
		IsResolved: raw.IsResolved,
		ResolvedBy: raw.ResolvedBy,
		CreatedAt:  raw.CreatedAt,
		UpdatedAt:  raw.UpdatedAt,
	}
	return nil
}

// Page holds page-level metadata and the free-form editor content.
type Page struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// PagePatch is a partial update of a page. Nil fields are left untouched.
type PagePatch struct {
	Title   *string
	Content *string
	Tags    []string
}

// Store abstracts note persistence. Writes are last-writer-wins: the most
// recently processed update fully overwrites prior state.
// Implementations: MemoryStore, FirestoreStore, PostgresStore, CachedStore.
type Store interface {
	CreatePage(ctx context.Context, page Page) (*Page, error)
	GetPage(ctx context.Context, pageID string) (*Page, error)
	UpdatePage(ctx context.Context, pageID string, patch PagePatch) (*Page, error)

	GetBlocks(ctx context.Context, pageID string) ([]Block, error)
	CreateBlock(ctx context.Context, pageID string, data Block) (*Block, error)
	UpdateBlock(ctx context.Context, blockID string, patch BlockPatch) (*Block, error)
	DeleteBlock(ctx context.Context, blockID string) error
	ReorderBlocks(ctx context.Context, pageID string, blocks []Block) error

	GetComments(ctx context.Context, pageID string) ([]Comment, error)
	CreateComment(ctx context.Context, comment Comment) (*Comment, error)
	UpdateComment(ctx context.Context, commentID, content string) (*Comment, error)
	DeleteComment(ctx context.Context, commentID string) error
	ResolveComment(ctx context.Context, commentID, resolvedBy string) (*Comment, error)
}
