package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

// Set POSTGRES_TEST_URL (e.g. postgres://localhost:5432/collab_test) to run.
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewPostgresStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestPostgresStoreBlockLifecycle(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	pageID := "test-" + uuid.NewString()

	if _, err := s.CreatePage(ctx, Page{ID: pageID, Title: "PG"}); err != nil {
		t.Fatal(err)
	}

	block, err := s.CreateBlock(ctx, pageID, Block{
		Type:    BlockCode,
		Content: CodeContent{Code: "select 1", Language: "sql"},
		Order:   1,
	})
	if err != nil {
		t.Fatal(err)
	}

	newOrder := 2.5
	updated, err := s.UpdateBlock(ctx, block.ID, BlockPatch{Order: &newOrder})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Order != 2.5 {
		t.Fatalf("expected order 2.5, got %v", updated.Order)
	}
	cc, ok := updated.Content.(CodeContent)
	if !ok || cc.Code != "select 1" {
		t.Fatalf("content lost on partial update: %#v", updated.Content)
	}

	if err := s.DeleteBlock(ctx, block.ID); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStoreCommentCascade(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	pageID := "test-" + uuid.NewString()

	if _, err := s.CreatePage(ctx, Page{ID: pageID, Title: "PG"}); err != nil {
		t.Fatal(err)
	}
	root, err := s.CreateComment(ctx, Comment{PageID: pageID, BlockID: "b1", AuthorID: "u1", Content: "root"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateComment(ctx, Comment{PageID: pageID, ParentID: root.ID, AuthorID: "u2", Content: "reply"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteComment(ctx, root.ID); err != nil {
		t.Fatal(err)
	}
	comments, err := s.GetComments(ctx, pageID)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 0 {
		t.Fatalf("expected reply cascade, got %d comments", len(comments))
	}
}
