package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of Store. Blocks and
// comments live in flat collections keyed by ID with a pageId field, so
// block-level updates do not need the owning page.
type FirestoreStore struct {
	client   *firestore.Client
	pages    string
	blocks   string
	comments string
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:   client,
		pages:    "pages",
		blocks:   "blocks",
		comments: "comments",
	}
}

func (s *FirestoreStore) pageRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.pages).Doc(id)
}

func (s *FirestoreStore) blockRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.blocks).Doc(id)
}

func (s *FirestoreStore) commentRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.comments).Doc(id)
}

func (s *FirestoreStore) CreatePage(ctx context.Context, page Page) (*Page, error) {
	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	now := time.Now()
	page.CreatedAt = now
	page.UpdatedAt = now
	_, err := s.pageRef(page.ID).Create(ctx, map[string]interface{}{
		"title":     page.Title,
		"content":   page.Content,
		"tags":      page.Tags,
		"createdAt": page.CreatedAt,
		"updatedAt": page.UpdatedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil, fmt.Errorf("page %q already exists", page.ID)
	}
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (s *FirestoreStore) GetPage(ctx context.Context, pageID string) (*Page, error) {
	snap, err := s.pageRef(pageID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("page %q: %w", pageID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToPage(pageID, snap), nil
}

func snapshotToPage(id string, snap *firestore.DocumentSnapshot) *Page {
	data := snap.Data()
	title, _ := data["title"].(string)
	content, _ := data["content"].(string)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	var tags []string
	if raw, ok := data["tags"].([]interface{}); ok {
		for _, t := range raw {
			if v, ok := t.(string); ok {
				tags = append(tags, v)
			}
		}
	}
	return &Page{
		ID:        id,
		Title:     title,
		Content:   content,
		Tags:      tags,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func (s *FirestoreStore) UpdatePage(ctx context.Context, pageID string, patch PagePatch) (*Page, error) {
	updates := []firestore.Update{{Path: "updatedAt", Value: time.Now()}}
	if patch.Title != nil {
		updates = append(updates, firestore.Update{Path: "title", Value: *patch.Title})
	}
	if patch.Content != nil {
		updates = append(updates, firestore.Update{Path: "content", Value: *patch.Content})
	}
	if patch.Tags != nil {
		updates = append(updates, firestore.Update{Path: "tags", Value: patch.Tags})
	}
	_, err := s.pageRef(pageID).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("page %q: %w", pageID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.GetPage(ctx, pageID)
}

func (s *FirestoreStore) GetBlocks(ctx context.Context, pageID string) ([]Block, error) {
	if _, err := s.GetPage(ctx, pageID); err != nil {
		return nil, err
	}

	iter := s.client.Collection(s.blocks).Where("pageId", "==", pageID).Documents(ctx)
	defer iter.Stop()

	var blocks []Block
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		b, err := snapshotToBlock(snap)
		if err != nil {
			return nil, err
		}
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

func (s *FirestoreStore) CreateBlock(ctx context.Context, pageID string, data Block) (*Block, error) {
	if _, err := s.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	if data.ID == "" {
		data.ID = uuid.NewString()
	}
	if data.Content == nil {
		data.Content = DefaultContent(data.Type)
	}
	now := time.Now()
	data.PageID = pageID
	data.CreatedAt = now
	data.UpdatedAt = now

	content, err := contentToMap(data.Content)
	if err != nil {
		return nil, err
	}
	_, err = s.blockRef(data.ID).Create(ctx, map[string]interface{}{
		"pageId":    pageID,
		"type":      string(data.Type),
		"content":   content,
		"order":     data.Order,
		"parentId":  data.ParentID,
		"createdAt": data.CreatedAt,
		"updatedAt": data.UpdatedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil, fmt.Errorf("block %q already exists", data.ID)
	}
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (s *FirestoreStore) UpdateBlock(ctx context.Context, blockID string, patch BlockPatch) (*Block, error) {
	updates := []firestore.Update{{Path: "updatedAt", Value: time.Now()}}
	if patch.Content != nil {
		content, err := contentToMap(patch.Content)
		if err != nil {
			return nil, err
		}
		updates = append(updates, firestore.Update{Path: "content", Value: content})
	}
	if patch.Type != nil {
		updates = append(updates, firestore.Update{Path: "type", Value: string(*patch.Type)})
	}
	if patch.Order != nil {
		updates = append(updates, firestore.Update{Path: "order", Value: *patch.Order})
	}
	_, err := s.blockRef(blockID).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("block %q: %w", blockID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	snap, err := s.blockRef(blockID).Get(ctx)
	if err != nil {
		return nil, err
	}
	return snapshotToBlock(snap)
}

func (s *FirestoreStore) DeleteBlock(ctx context.Context, blockID string) error {
	if _, err := s.blockRef(blockID).Get(ctx); status.Code(err) == codes.NotFound {
		return fmt.Errorf("block %q: %w", blockID, ErrNotFound)
	} else if err != nil {
		return err
	}
	_, err := s.blockRef(blockID).Delete(ctx)
	return err
}

func (s *FirestoreStore) ReorderBlocks(ctx context.Context, pageID string, blocks []Block) error {
	now := time.Now()
	for _, b := range blocks {
		_, err := s.blockRef(b.ID).Update(ctx, []firestore.Update{
			{Path: "order", Value: b.Order},
			{Path: "updatedAt", Value: now},
		})
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("block %q: %w", b.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *FirestoreStore) GetComments(ctx context.Context, pageID string) ([]Comment, error) {
	if _, err := s.GetPage(ctx, pageID); err != nil {
		return nil, err
	}

	iter := s.client.Collection(s.comments).Where("pageId", "==", pageID).Documents(ctx)
	defer iter.Stop()

	var comments []Comment
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		comments = append(comments, snapshotToComment(snap))
	}
	sort.Slice(comments, func(i, j int) bool {
		if !comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].CreatedAt.Before(comments[j].CreatedAt)
		}
		return comments[i].ID < comments[j].ID
	})
	return comments, nil
}

func (s *FirestoreStore) CreateComment(ctx context.Context, comment Comment) (*Comment, error) {
	if _, err := s.GetPage(ctx, comment.PageID); err != nil {
		return nil, err
	}
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	if comment.Mentions == nil {
		comment.Mentions = mapset.NewSet[string]()
	}
	now := time.Now()
	comment.CreatedAt = now
	comment.UpdatedAt = now

	mentions := comment.Mentions.ToSlice()
	sort.Strings(mentions)
	_, err := s.commentRef(comment.ID).Create(ctx, map[string]interface{}{
		"pageId":     comment.PageID,
		"blockId":    comment.BlockID,
		"parentId":   comment.ParentID,
		"authorId":   comment.AuthorID,
		"content":    comment.Content,
		"mentions":   mentions,
		"isResolved": comment.IsResolved,
		"resolvedBy": comment.ResolvedBy,
		"createdAt":  comment.CreatedAt,
		"updatedAt":  comment.UpdatedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil, fmt.Errorf("comment %q already exists", comment.ID)
	}
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

func (s *FirestoreStore) UpdateComment(ctx context.Context, commentID, content string) (*Comment, error) {
	_, err := s.commentRef(commentID).Update(ctx, []firestore.Update{
		{Path: "content", Value: content},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("comment %q: %w", commentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.getComment(ctx, commentID)
}

func (s *FirestoreStore) DeleteComment(ctx context.Context, commentID string) error {
	snap, err := s.commentRef(commentID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("comment %q: %w", commentID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	// Replies go with the root comment.
	c := snapshotToComment(snap)
	iter := s.client.Collection(s.comments).
		Where("pageId", "==", c.PageID).
		Where("parentId", "==", commentID).
		Documents(ctx)
	defer iter.Stop()
	for {
		reply, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		if _, err := reply.Ref.Delete(ctx); err != nil {
			return err
		}
	}

	_, err = s.commentRef(commentID).Delete(ctx)
	return err
}

func (s *FirestoreStore) ResolveComment(ctx context.Context, commentID, resolvedBy string) (*Comment, error) {
	_, err := s.commentRef(commentID).Update(ctx, []firestore.Update{
		{Path: "isResolved", Value: true},
		{Path: "resolvedBy", Value: resolvedBy},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("comment %q: %w", commentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.getComment(ctx, commentID)
}

func (s *FirestoreStore) getComment(ctx context.Context, commentID string) (*Comment, error) {
	snap, err := s.commentRef(commentID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("comment %q: %w", commentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c := snapshotToComment(snap)
	return &c, nil
}

// contentToMap converts a typed block payload into the generic map shape
// Firestore stores.
func contentToMap(c BlockContent) (map[string]interface{}, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func snapshotToBlock(snap *firestore.DocumentSnapshot) (*Block, error) {
	data := snap.Data()
	typ, _ := data["type"].(string)
	pageID, _ := data["pageId"].(string)
	parentID, _ := data["parentId"].(string)
	order, ok := data["order"].(float64)
	if !ok {
		if iv, isInt := data["order"].(int64); isInt {
			order = float64(iv)
		}
	}
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)

	raw, err := json.Marshal(data["content"])
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", snap.Ref.ID, err)
	}
	content, err := DecodeContent(BlockType(typ), raw)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", snap.Ref.ID, err)
	}
	return &Block{
		ID:        snap.Ref.ID,
		PageID:    pageID,
		Type:      BlockType(typ),
		Content:   content,
		Order:     order,
		ParentID:  parentID,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func snapshotToComment(snap *firestore.DocumentSnapshot) Comment {
	data := snap.Data()
	pageID, _ := data["pageId"].(string)
	blockID, _ := data["blockId"].(string)
	parentID, _ := data["parentId"].(string)
	authorID, _ := data["authorId"].(string)
	content, _ := data["content"].(string)
	isResolved, _ := data["isResolved"].(bool)
	resolvedBy, _ := data["resolvedBy"].(string)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)

	mentions := mapset.NewSet[string]()
	if raw, ok := data["mentions"].([]interface{}); ok {
		for _, m := range raw {
			if v, ok := m.(string); ok {
				mentions.Add(v)
			}
		}
	}
	return Comment{
		ID:         snap.Ref.ID,
		PageID:     pageID,
		BlockID:    blockID,
		ParentID:   parentID,
		AuthorID:   authorID,
		Content:    content,
		Mentions:   mentions,
		IsResolved: isResolved,
		ResolvedBy: resolvedBy,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
}
