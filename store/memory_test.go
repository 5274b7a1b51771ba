package store

import (
	"context"
	"errors"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
)

func seedPage(t *testing.T, s Store, pageID string) {
	t.Helper()
	if _, err := s.CreatePage(context.Background(), Page{ID: pageID, Title: "Test Page"}); err != nil {
		t.Fatalf("create page: %v", err)
	}
}

func TestMemoryStorePageLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.CreatePage(ctx, Page{Title: "Untitled"})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("expected generated page ID")
	}

	title := "Renamed"
	content := "body"
	updated, err := s.UpdatePage(ctx, created.ID, PagePatch{Title: &title, Content: &content})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Title != "Renamed" || updated.Content != "body" {
		t.Fatalf("patch not applied: %+v", updated)
	}

	got, err := s.GetPage(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Renamed" {
		t.Fatalf("expected Renamed, got %q", got.Title)
	}

	if _, err := s.GetPage(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreBlockCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPage(t, s, "p1")

	b1, err := s.CreateBlock(ctx, "p1", Block{Type: BlockText, Content: TextContent{Text: "one"}, Order: 2})
	if err != nil {
		t.Fatal(err)
	}
	b2, err := s.CreateBlock(ctx, "p1", Block{Type: BlockHeading1, Content: HeadingContent{Text: "head", Level: 1}, Order: 1})
	if err != nil {
		t.Fatal(err)
	}

	blocks, err := s.GetBlocks(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].ID != b2.ID || blocks[1].ID != b1.ID {
		t.Fatal("blocks not sorted by order")
	}

	newType := BlockQuote
	updated, err := s.UpdateBlock(ctx, b1.ID, BlockPatch{
		Content: QuoteContent{Text: "quoted"},
		Type:    &newType,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Type != BlockQuote {
		t.Fatalf("expected quote type, got %s", updated.Type)
	}
	if qc, ok := updated.Content.(QuoteContent); !ok || qc.Text != "quoted" {
		t.Fatalf("unexpected content: %#v", updated.Content)
	}

	if err := s.DeleteBlock(ctx, b1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateBlock(ctx, b1.ID, BlockPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreSequentialUpdatesLastWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPage(t, s, "p1")

	block, err := s.CreateBlock(ctx, "p1", Block{Type: BlockText, Content: TextContent{Text: "v0"}, Order: 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"v1", "v2", "v3"} {
		if _, err := s.UpdateBlock(ctx, block.ID, BlockPatch{Content: TextContent{Text: text}}); err != nil {
			t.Fatal(err)
		}
	}

	blocks, _ := s.GetBlocks(ctx, "p1")
	if got := blocks[0].Content.(TextContent).Text; got != "v3" {
		t.Fatalf("expected last write v3, got %q", got)
	}
}

func TestMemoryStoreReorderBlocks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPage(t, s, "p1")

	a, _ := s.CreateBlock(ctx, "p1", Block{Type: BlockText, Content: TextContent{}, Order: 1})
	b, _ := s.CreateBlock(ctx, "p1", Block{Type: BlockText, Content: TextContent{}, Order: 2})

	a.Order, b.Order = 2, 1
	if err := s.ReorderBlocks(ctx, "p1", []Block{*a, *b}); err != nil {
		t.Fatal(err)
	}

	blocks, _ := s.GetBlocks(ctx, "p1")
	if blocks[0].ID != b.ID {
		t.Fatal("reorder not applied")
	}

	err := s.ReorderBlocks(ctx, "p1", []Block{{ID: "ghost", Order: 9}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown block, got %v", err)
	}
}

func TestMemoryStoreCommentsAndReplies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPage(t, s, "p1")

	root, err := s.CreateComment(ctx, Comment{
		PageID:   "p1",
		BlockID:  "b1",
		AuthorID: "u1",
		Content:  "root",
		Mentions: mapset.NewSet("u2"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateComment(ctx, Comment{PageID: "p1", ParentID: root.ID, AuthorID: "u2", Content: "reply"}); err != nil {
		t.Fatal(err)
	}

	comments, err := s.GetComments(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}

	updated, err := s.UpdateComment(ctx, root.ID, "edited")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Content != "edited" {
		t.Fatalf("expected edited content, got %q", updated.Content)
	}
	if !updated.Mentions.Contains("u2") {
		t.Fatal("mentions lost on update")
	}

	resolved, err := s.ResolveComment(ctx, root.ID, "u3")
	if err != nil {
		t.Fatal(err)
	}
	if !resolved.IsResolved || resolved.ResolvedBy != "u3" {
		t.Fatalf("unexpected resolve state: %+v", resolved)
	}

	// Deleting the root takes its replies with it.
	if err := s.DeleteComment(ctx, root.ID); err != nil {
		t.Fatal(err)
	}
	comments, _ = s.GetComments(ctx, "p1")
	if len(comments) != 0 {
		t.Fatalf("expected reply cascade, got %d comments", len(comments))
	}
}

func TestMemoryStoreIsolatesReturnedValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPage(t, s, "p1")

	created, err := s.CreateBlock(ctx, "p1", Block{Type: BlockText, Content: TextContent{Text: "orig"}, Order: 1})
	if err != nil {
		t.Fatal(err)
	}
	created.Order = 99

	blocks, _ := s.GetBlocks(ctx, "p1")
	if blocks[0].Order != 1 {
		t.Fatal("mutating a returned block leaked into the store")
	}
}
