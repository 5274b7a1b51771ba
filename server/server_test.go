package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-note-collab/auth"
	"github.com/alimasry/go-note-collab/store"
)

type testEnv struct {
	t     *testing.T
	store *store.MemoryStore
	hub   *Hub
	auth  *auth.Service
	srv   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	log := zerolog.Nop()
	svc := auth.NewService([]byte("test-secret"), auth.NewMemorySessionStore(), time.Hour)
	hub := NewHub(mem, log)
	go hub.Run()
	srv := httptest.NewServer(NewHandler(hub, svc, log))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return &testEnv{t: t, store: mem, hub: hub, auth: svc, srv: srv}
}

func (e *testEnv) token(userID, name string) string {
	e.t.Helper()
	token, err := e.auth.IssueSession(context.Background(), userID, name)
	if err != nil {
		e.t.Fatalf("issue session: %v", err)
	}
	return token
}

func (e *testEnv) dial(token string) *websocket.Conn {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		e.t.Fatalf("dial: %v", err)
	}
	e.t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msg.Event, err)
	}
}

// waitForEvent reads messages until one with the wanted event arrives.
func waitForEvent(t *testing.T, conn *websocket.Conn, event string) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if msg.Event == event {
			return msg
		}
	}
}

// expectSilence asserts no message arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(window))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("expected no message, got %s", msg.Event)
	}
}

func join(t *testing.T, conn *websocket.Conn, pageID string) ServerMessage {
	t.Helper()
	send(t, conn, ClientMessage{Event: EventJoinPage, PageID: pageID})
	return waitForEvent(t, conn, EventPageJoined)
}

func TestUnauthorizedDialRejected(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestTokenViaQueryParam(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=" + env.token("u1", "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	conn.Close()
}

func TestJoinDeliversPageState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.store.CreatePage(ctx, store.Page{ID: "page-1", Title: "Notes"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.CreateBlock(ctx, "page-1", store.Block{
		Type:    store.BlockText,
		Content: store.TextContent{Text: "hello"},
		Order:   1,
	}); err != nil {
		t.Fatal(err)
	}

	conn := env.dial(env.token("u1", "alice"))
	state := join(t, conn, "page-1")

	if len(state.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(state.Blocks))
	}
	text, ok := state.Blocks[0].Content.(store.TextContent)
	if !ok || text.Text != "hello" {
		t.Fatalf("unexpected block content: %#v", state.Blocks[0].Content)
	}
	if len(state.Members) != 1 {
		t.Fatalf("expected self in member list, got %d members", len(state.Members))
	}
}

func TestJoinCreatesMissingPage(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(env.token("u1", "alice"))
	join(t, conn, "fresh-page")

	page, err := env.store.GetPage(context.Background(), "fresh-page")
	if err != nil {
		t.Fatalf("page not created: %v", err)
	}
	if page.Title != "Untitled" {
		t.Fatalf("expected default title, got %q", page.Title)
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(env.token("u1", "alice"))
	c2 := env.dial(env.token("u2", "bob"))
	join(t, c1, "page-1")
	join(t, c2, "page-1")
	waitForEvent(t, c1, EventUserJoined)

	send(t, c1, ClientMessage{
		Event:   EventUpdateBlock,
		PageID:  "page-1",
		BlockID: "b1",
		Type:    store.BlockText,
		Content: json.RawMessage(`{"text":"edited"}`),
	})

	got := waitForEvent(t, c2, EventBlockUpdated)
	if got.BlockID != "b1" {
		t.Fatalf("expected blockId b1, got %q", got.BlockID)
	}
	if got.User == nil || got.User.UserID != "u1" || got.User.Username != "alice" {
		t.Fatalf("expected sender identity embedded, got %#v", got.User)
	}
	expectSilence(t, c1, 200*time.Millisecond)
}

func TestCreateAndDeleteBlockRelay(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(env.token("u1", "alice"))
	c2 := env.dial(env.token("u2", "bob"))
	join(t, c1, "page-1")
	join(t, c2, "page-1")

	send(t, c1, ClientMessage{
		Event:  EventCreateBlock,
		PageID: "page-1",
		Block: &store.Block{
			ID:      "b1",
			PageID:  "page-1",
			Type:    store.BlockHeading1,
			Content: store.HeadingContent{Text: "Title", Level: 1},
			Order:   1,
		},
	})
	created := waitForEvent(t, c2, EventBlockCreated)
	if created.Block == nil || created.Block.ID != "b1" {
		t.Fatalf("unexpected created block: %#v", created.Block)
	}

	send(t, c1, ClientMessage{Event: EventDeleteBlock, PageID: "page-1", BlockID: "b1"})
	deleted := waitForEvent(t, c2, EventBlockDeleted)
	if deleted.BlockID != "b1" {
		t.Fatalf("expected deleted blockId b1, got %q", deleted.BlockID)
	}
}

func TestTypingPresence(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(env.token("u1", "alice"))
	c2 := env.dial(env.token("u2", "bob"))
	join(t, c1, "page-1")
	join(t, c2, "page-1")

	send(t, c1, ClientMessage{Event: EventStartTyping, PageID: "page-1"})
	msg := waitForEvent(t, c2, EventUserTyping)
	if !msg.IsTyping || msg.User == nil || msg.User.Username != "alice" {
		t.Fatalf("expected alice typing, got %#v", msg)
	}

	send(t, c1, ClientMessage{Event: EventStopTyping, PageID: "page-1"})
	msg = waitForEvent(t, c2, EventUserTyping)
	if msg.IsTyping {
		t.Fatal("expected isTyping false after stop-typing")
	}
}

func TestCursorMoved(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(env.token("u1", "alice"))
	c2 := env.dial(env.token("u2", "bob"))
	join(t, c1, "page-1")
	join(t, c2, "page-1")

	send(t, c1, ClientMessage{Event: EventMoveCursor, PageID: "page-1", Position: 42})
	msg := waitForEvent(t, c2, EventCursorMoved)
	if msg.Position != 42 {
		t.Fatalf("expected position 42, got %d", msg.Position)
	}
}

func TestUserJoinedAndLeft(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(env.token("u1", "alice"))
	join(t, c1, "page-1")

	c2 := env.dial(env.token("u2", "bob"))
	join(t, c2, "page-1")
	joined := waitForEvent(t, c1, EventUserJoined)
	if joined.User == nil || joined.User.Username != "bob" {
		t.Fatalf("expected bob to join, got %#v", joined.User)
	}

	send(t, c2, ClientMessage{Event: EventLeavePage, PageID: "page-1"})
	left := waitForEvent(t, c1, EventUserLeft)
	if left.User == nil || left.User.Username != "bob" {
		t.Fatalf("expected bob to leave, got %#v", left.User)
	}
}

func TestUnjoinedEventsDropped(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(env.token("u1", "alice"))
	join(t, c1, "page-1")

	c2 := env.dial(env.token("u2", "bob"))
	send(t, c2, ClientMessage{
		Event:   EventUpdateBlock,
		PageID:  "page-1",
		BlockID: "b1",
		Content: json.RawMessage(`{"text":"sneaky"}`),
	})

	expectSilence(t, c1, 300*time.Millisecond)
}

func TestInvalidMessageGetsError(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(env.token("u1", "alice"))
	join(t, conn, "page-1")

	send(t, conn, ClientMessage{Event: EventUpdateBlock, PageID: "page-1"})
	msg := waitForEvent(t, conn, EventError)
	if msg.Message == "" {
		t.Fatal("expected validation error message")
	}
}

func TestCommentRelay(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(env.token("u1", "alice"))
	c2 := env.dial(env.token("u2", "bob"))
	join(t, c1, "page-1")
	join(t, c2, "page-1")

	send(t, c1, ClientMessage{
		Event:  EventAddComment,
		PageID: "page-1",
		Comment: &store.Comment{
			ID:       "cm1",
			PageID:   "page-1",
			BlockID:  "b1",
			AuthorID: "u1",
			Content:  "looks wrong",
		},
	})
	added := waitForEvent(t, c2, EventCommentAdded)
	if added.Comment == nil || added.Comment.ID != "cm1" {
		t.Fatalf("unexpected comment: %#v", added.Comment)
	}

	send(t, c1, ClientMessage{Event: EventResolveComment, PageID: "page-1", CommentID: "cm1"})
	resolved := waitForEvent(t, c2, EventCommentResolved)
	if resolved.CommentID != "cm1" {
		t.Fatalf("expected resolved commentId cm1, got %q", resolved.CommentID)
	}
}

func TestRoomDeallocatedWhenEmpty(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(env.token("u1", "alice"))
	join(t, conn, "page-1")
	if env.hub.RoomCount() != 1 {
		t.Fatalf("expected 1 room, got %d", env.hub.RoomCount())
	}

	send(t, conn, ClientMessage{Event: EventLeavePage, PageID: "page-1"})

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.RoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("room was not deallocated after last member left")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisconnectLeavesRooms(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(env.token("u1", "alice"))
	c2 := env.dial(env.token("u2", "bob"))
	join(t, c1, "page-1")
	join(t, c2, "page-1")
	waitForEvent(t, c1, EventUserJoined)

	c2.Close()
	left := waitForEvent(t, c1, EventUserLeft)
	if left.User == nil || left.User.Username != "bob" {
		t.Fatalf("expected bob to leave on disconnect, got %#v", left.User)
	}
}
