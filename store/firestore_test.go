package store

import (
	"context"
	"os"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
)

// Requires a real project (or the Firestore emulator via
// FIRESTORE_EMULATOR_HOST). Set FIRESTORE_TEST_PROJECT to run.
func newFirestoreTestStore(t *testing.T) *FirestoreStore {
	t.Helper()
	project := os.Getenv("FIRESTORE_TEST_PROJECT")
	if project == "" {
		t.Skip("FIRESTORE_TEST_PROJECT not set")
	}
	client, err := firestore.NewClient(context.Background(), project)
	if err != nil {
		t.Fatalf("firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewFirestoreStore(client)
}

func TestFirestoreStorePageRoundTrip(t *testing.T) {
	s := newFirestoreTestStore(t)
	ctx := context.Background()
	pageID := "test-" + uuid.NewString()

	created, err := s.CreatePage(ctx, Page{ID: pageID, Title: "Integration"})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID != pageID {
		t.Fatalf("expected id %q, got %q", pageID, created.ID)
	}

	title := "Renamed"
	if _, err := s.UpdatePage(ctx, pageID, PagePatch{Title: &title}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPage(ctx, pageID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Renamed" {
		t.Fatalf("expected Renamed, got %q", got.Title)
	}
}

func TestFirestoreStoreBlockRoundTrip(t *testing.T) {
	s := newFirestoreTestStore(t)
	ctx := context.Background()
	pageID := "test-" + uuid.NewString()

	if _, err := s.CreatePage(ctx, Page{ID: pageID, Title: "Blocks"}); err != nil {
		t.Fatal(err)
	}
	block, err := s.CreateBlock(ctx, pageID, Block{
		Type:    BlockChecklist,
		Content: ChecklistContent{Items: []ChecklistItem{{Text: "task", Checked: true}}},
		Order:   1,
	})
	if err != nil {
		t.Fatal(err)
	}

	blocks, err := s.GetBlocks(ctx, pageID)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	cl, ok := blocks[0].Content.(ChecklistContent)
	if !ok || len(cl.Items) != 1 || !cl.Items[0].Checked {
		t.Fatalf("content did not round-trip: %#v", blocks[0].Content)
	}

	if err := s.DeleteBlock(ctx, block.ID); err != nil {
		t.Fatal(err)
	}
}
