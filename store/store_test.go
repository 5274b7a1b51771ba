package store

import (
	"encoding/json"
	"testing"
)

func TestBlockJSONCarriesTypedContent(t *testing.T) {
	raw := []byte(`{"id":"b1","pageId":"p1","type":"checklist","order":1.5,"content":{"items":[{"text":"task","checked":true}]}}`)

	var block Block
	if err := json.Unmarshal(raw, &block); err != nil {
		t.Fatal(err)
	}
	cl, ok := block.Content.(ChecklistContent)
	if !ok {
		t.Fatalf("expected ChecklistContent, got %T", block.Content)
	}
	if len(cl.Items) != 1 || !cl.Items[0].Checked {
		t.Fatalf("unexpected items: %+v", cl.Items)
	}
	if block.Order != 1.5 {
		t.Fatalf("expected order 1.5, got %v", block.Order)
	}
}

func TestDecodeContentNullFallsBackToDefault(t *testing.T) {
	content, err := DecodeContent(BlockCode, []byte("null"))
	if err != nil {
		t.Fatal(err)
	}
	cc, ok := content.(CodeContent)
	if !ok || cc.Language != "javascript" {
		t.Fatalf("expected default code content, got %#v", content)
	}
}

func TestDecodeContentRejectsUnknownType(t *testing.T) {
	if _, err := DecodeContent(BlockType("gif"), []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown block type")
	}
}

func TestCommentMentionsSortedInJSON(t *testing.T) {
	c := Comment{ID: "c1", PageID: "p1", AuthorID: "u1", Content: "hey"}
	c.Mentions = nil

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var round Comment
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatal(err)
	}
	if round.Mentions == nil || round.Mentions.Cardinality() != 0 {
		t.Fatalf("expected empty mention set, got %v", round.Mentions)
	}
}
