package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ssanchezg/charla/internal/bus"
	"github.com/ssanchezg/charla/internal/wire"
)

type fakeResolver struct {
	mu       sync.Mutex
	ids      map[string]int64
	calls    map[string]int
	inflight chan string // when set, Resolve parks until released
	release  chan struct{}
	fail     map[string]bool
}

func newFakeResolver(ids map[string]int64) *fakeResolver {
	return &fakeResolver{ids: ids, calls: make(map[string]int), fail: make(map[string]bool)}
}

func (r *fakeResolver) ResolveUserID(_ context.Context, username string) (int64, error) {
	r.mu.Lock()
	r.calls[username]++
	failing := r.fail[username]
	id, ok := r.ids[username]
	r.mu.Unlock()

	if r.inflight != nil {
		r.inflight <- username
		<-r.release
	}
	if failing || !ok {
		return 0, errors.New("user not found")
	}
	return id, nil
}

func (r *fakeResolver) callCount(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[username]
}

func TestUnreadAccountingScenario(t *testing.T) {
	s := New(nil, nil)
	s.SetLocalUser("me")
	s.UpsertChat(wire.Chat{ID: "x", Name: "Chat X"})

	if s.Unread("x") != 0 {
		t.Fatal("fresh chat must start at 0 unread")
	}

	s.PushLiveMessage("x", wire.Message{ID: "m1", SenderID: "them", Timestamp: 1000})
	if s.Unread("x") != 1 {
		t.Fatalf("inactive chat, foreign sender: expected 1, got %d", s.Unread("x"))
	}

	s.SetActiveChat("x")
	if s.Unread("x") != 0 {
		t.Fatalf("opening the chat must reset unread, got %d", s.Unread("x"))
	}

	s.PushLiveMessage("x", wire.Message{ID: "m2", SenderID: "them", Timestamp: 2000})
	if s.Unread("x") != 0 {
		t.Fatalf("active chat must stay at 0, got %d", s.Unread("x"))
	}
}

func TestOwnMessagesNeverCountUnread(t *testing.T) {
	s := New(nil, nil)
	s.SetLocalUser("me")

	s.PushLiveMessage("x", wire.Message{ID: "m1", SenderID: "me", Timestamp: 1000})
	if s.Unread("x") != 0 {
		t.Fatalf("own message counted as unread: %d", s.Unread("x"))
	}
}

func TestMarkChatAsReadIdempotent(t *testing.T) {
	s := New(nil, nil)
	s.PushLiveMessage("x", wire.Message{ID: "m1", SenderID: "them", Timestamp: 1000})
	s.PushLiveMessage("x", wire.Message{ID: "m2", SenderID: "them", Timestamp: 2000})
	if s.Unread("x") != 2 {
		t.Fatalf("expected 2 unread, got %d", s.Unread("x"))
	}

	s.MarkChatAsRead("x")
	first := s.Unread("x")
	s.MarkChatAsRead("x")
	second := s.Unread("x")
	if first != 0 || second != 0 {
		t.Fatalf("expected 0 after both calls, got %d then %d", first, second)
	}
}

func TestRegisterHistoryMetaForwardOnly(t *testing.T) {
	s := New(nil, nil)
	yes, c1, c2 := true, "C1", "C2"

	s.RegisterHistory("x", nil, HistoryOptions{Mode: ModeReplace, HasMore: &yes, NextCursor: &c1})
	meta, ok := s.Meta("x")
	if !ok || !meta.HasMore || meta.NextCursor != "C1" || !meta.IsHydrated {
		t.Fatalf("unexpected meta after page 1: %+v", meta)
	}

	// Omitted fields keep their previous values.
	s.RegisterHistory("x", nil, HistoryOptions{Mode: ModePrepend})
	meta, _ = s.Meta("x")
	if !meta.HasMore || meta.NextCursor != "C1" {
		t.Fatalf("omitted fields must keep previous values: %+v", meta)
	}

	s.RegisterHistory("x", nil, HistoryOptions{Mode: ModePrepend, NextCursor: &c2})
	meta, _ = s.Meta("x")
	if meta.NextCursor != "C2" || !meta.HasMore {
		t.Fatalf("cursor must advance to C2: %+v", meta)
	}
}

func TestRegisterHistoryPaginationScenario(t *testing.T) {
	s := New(nil, nil)
	yes, c1, c2 := true, "C1", "C2"

	page1 := make([]wire.Message, 25)
	for i := range page1 {
		page1[i] = wire.Message{ID: "n" + string(rune('a'+i)), Timestamp: int64(10000 + i)}
	}
	page2 := make([]wire.Message, 25)
	for i := range page2 {
		page2[i] = wire.Message{ID: "o" + string(rune('a'+i)), Timestamp: int64(1000 + i)}
	}

	s.RegisterHistory("x", page1, HistoryOptions{Mode: ModeReplace, HasMore: &yes, NextCursor: &c1})
	s.RegisterHistory("x", page2, HistoryOptions{Mode: ModePrepend, HasMore: &yes, NextCursor: &c2})

	msgs := s.Messages("x")
	if len(msgs) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp < msgs[i-1].Timestamp {
			t.Fatalf("not ascending at index %d", i)
		}
	}
	meta, _ := s.Meta("x")
	if meta.NextCursor != "C2" {
		t.Fatalf("expected cursor C2, got %q", meta.NextCursor)
	}
}

func TestSetActiveChatReturnsPrevious(t *testing.T) {
	s := New(nil, nil)
	if prev := s.SetActiveChat("a"); prev != "" {
		t.Fatalf("expected empty previous, got %q", prev)
	}
	if prev := s.SetActiveChat("b"); prev != "a" {
		t.Fatalf("expected previous a, got %q", prev)
	}
	if s.ActiveChat() != "b" {
		t.Fatalf("expected active b, got %q", s.ActiveChat())
	}
}

func TestChatsSortedByActivity(t *testing.T) {
	s := New(nil, nil)
	s.SetChats([]wire.Chat{
		{ID: "quiet", LastActivity: 1000},
		{ID: "busy", LastActivity: 5000},
		{ID: "new", LastActivity: 3000},
	})
	chats := s.Chats()
	if chats[0].ID != "busy" || chats[1].ID != "new" || chats[2].ID != "quiet" {
		t.Fatalf("unexpected order: %+v", chats)
	}

	// A live message bumps the chat's activity.
	s.PushLiveMessage("quiet", wire.Message{ID: "m1", SenderID: "them", Timestamp: 9000})
	if s.Chats()[0].ID != "quiet" {
		t.Fatalf("live message must bump activity: %+v", s.Chats())
	}
}

func TestSetChatsPrunesRemovedChats(t *testing.T) {
	s := New(nil, nil)
	s.SetLocalUser("me")
	s.SetChats([]wire.Chat{{ID: "keep"}, {ID: "gone"}})
	s.RegisterHistory("gone", []wire.Message{{ID: "m1", Timestamp: 1000}}, HistoryOptions{Mode: ModeReplace})
	s.PushLiveMessage("gone", wire.Message{ID: "m2", SenderID: "them", Timestamp: 2000})
	s.RegisterHistory("keep", []wire.Message{{ID: "k1", Timestamp: 1000}}, HistoryOptions{Mode: ModeReplace})

	s.SetChats([]wire.Chat{{ID: "keep"}})

	if msgs := s.Messages("gone"); len(msgs) != 0 {
		t.Fatalf("removed chat kept messages: %+v", msgs)
	}
	if _, ok := s.Meta("gone"); ok {
		t.Fatal("removed chat kept meta")
	}
	if s.Unread("gone") != 0 {
		t.Fatal("removed chat kept unread")
	}
	if msgs := s.Messages("keep"); len(msgs) != 1 {
		t.Fatalf("surviving chat lost messages: %+v", msgs)
	}
}

func TestSetUnreadSeedsCounter(t *testing.T) {
	s := New(nil, nil)
	s.SetUnread("c1", 4)
	if s.Unread("c1") != 4 {
		t.Fatalf("unread = %d, want 4", s.Unread("c1"))
	}
	s.SetUnread("c1", -2)
	if s.Unread("c1") != 0 {
		t.Fatal("negative seed must clamp to zero")
	}
}

func TestTrackUsernamesMemoized(t *testing.T) {
	r := newFakeResolver(map[string]int64{"alice": 7, "bob": 8})
	s := New(r, nil)

	newIDs, err := s.TrackUsernames(context.Background(), []string{"alice", "bob", "alice", ""})
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(newIDs) != 2 {
		t.Fatalf("expected 2 new ids, got %v", newIDs)
	}

	// Already-tracked names resolve from the memo, not the resolver.
	newIDs, err = s.TrackUsernames(context.Background(), []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("track again: %v", err)
	}
	if len(newIDs) != 0 {
		t.Fatalf("no ids may be new on the second call, got %v", newIDs)
	}
	if r.callCount("alice") != 1 || r.callCount("bob") != 1 {
		t.Fatalf("resolver must be hit once per name: alice=%d bob=%d", r.callCount("alice"), r.callCount("bob"))
	}
}

func TestTrackUsernamesSharesInflightLookup(t *testing.T) {
	r := newFakeResolver(map[string]int64{"alice": 7})
	r.inflight = make(chan string, 4)
	r.release = make(chan struct{})
	s := New(r, nil)

	var wg sync.WaitGroup
	var total int64
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, _ := s.TrackUsernames(context.Background(), []string{"alice"})
			atomic.AddInt64(&total, int64(len(ids)))
		}()
	}

	// One resolver call parks; the other two goroutines share it.
	<-r.inflight
	time.Sleep(10 * time.Millisecond)
	close(r.release)
	wg.Wait()

	if r.callCount("alice") != 1 {
		t.Fatalf("concurrent lookups must share one request, got %d", r.callCount("alice"))
	}
	if total != 1 {
		t.Fatalf("exactly one caller may see alice as new, got %d", total)
	}
}

func TestTrackUsernamesResolutionFailureSkips(t *testing.T) {
	r := newFakeResolver(map[string]int64{"alice": 7})
	r.fail["ghost"] = true
	s := New(r, nil)

	newIDs, err := s.TrackUsernames(context.Background(), []string{"ghost", "alice"})
	if err != nil {
		t.Fatalf("a failed lookup must not abort the batch: %v", err)
	}
	if len(newIDs) != 1 || newIDs[0] != 7 {
		t.Fatalf("expected alice only, got %v", newIDs)
	}
}

func TestPresenceCache(t *testing.T) {
	s := New(nil, nil)
	s.SetPresence(7, Presence{State: PresenceConnected, ConnectionCount: 2})

	p, ok := s.Presence(7)
	if !ok || p.State != PresenceConnected || p.ConnectionCount != 2 {
		t.Fatalf("unexpected presence: %+v", p)
	}
	if p.ReceivedAt.IsZero() {
		t.Fatal("ReceivedAt must default to now")
	}
	if _, ok := s.Presence(99); ok {
		t.Fatal("unknown user must not report presence")
	}
}

func TestClearDropsSessionState(t *testing.T) {
	r := newFakeResolver(map[string]int64{"alice": 7})
	s := New(r, nil)
	s.SetLocalUser("me")
	s.UpsertChat(wire.Chat{ID: "x"})
	s.PushLiveMessage("x", wire.Message{ID: "m1", SenderID: "them", Timestamp: 1000})
	if _, err := s.TrackUsernames(context.Background(), []string{"alice"}); err != nil {
		t.Fatalf("track: %v", err)
	}

	s.Clear()

	if len(s.Chats()) != 0 || len(s.Messages("x")) != 0 || s.Unread("x") != 0 {
		t.Fatal("clear must drop chats, messages and counters")
	}
	if len(s.TrackedIDs()) != 0 {
		t.Fatal("clear must drop the identity cache")
	}

	// The memo is gone, so the next track hits the resolver again.
	if _, err := s.TrackUsernames(context.Background(), []string{"alice"}); err != nil {
		t.Fatalf("track after clear: %v", err)
	}
	if r.callCount("alice") != 2 {
		t.Fatalf("expected fresh resolution after clear, got %d calls", r.callCount("alice"))
	}
}

func TestIngestorRoutesFrames(t *testing.T) {
	b := bus.New(nil)
	s := New(nil, nil)
	s.SetLocalUser("me")
	in := NewIngestor(s, b, nil)
	in.Start()
	defer in.Stop()

	b.Publish(bus.Event{
		Kind: "message.new",
		Payload: map[string]any{
			"message_id": "m1",
			"chat_id":    "x",
			"sender_id":  "them",
			"content":    "hello",
			"created_at": float64(1_700_000_000),
		},
		ReceivedAt: time.Now(),
	})

	msgs := s.Messages("x")
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("expected ingested message, got %+v", msgs)
	}
	if s.Unread("x") != 1 {
		t.Fatalf("expected unread 1, got %d", s.Unread("x"))
	}

	b.Publish(bus.Event{
		Kind: "presence.update",
		Payload: map[string]any{
			"user_id": float64(7),
			"status":  "connected",
		},
		ReceivedAt: time.Now(),
	})
	if p, ok := s.Presence(7); !ok || p.State != PresenceConnected {
		t.Fatalf("expected connected presence, got %+v", p)
	}

	// Frames without a chat id are dropped, not ingested.
	b.Publish(bus.Event{
		Kind:       "message.new",
		Payload:    map[string]any{"content": "orphan"},
		ReceivedAt: time.Now(),
	})
	if len(s.Messages("x")) != 1 {
		t.Fatal("orphan frame must not be ingested")
	}

	in.Stop()
	b.Publish(bus.Event{
		Kind:       "message.new",
		Payload:    map[string]any{"message_id": "m2", "chat_id": "x"},
		ReceivedAt: time.Now(),
	})
	if len(s.Messages("x")) != 1 {
		t.Fatal("stopped ingestor must not consume frames")
	}
}
