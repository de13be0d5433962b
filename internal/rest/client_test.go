package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, func() string { return "tok-1" }, nil)
}

func TestRegisterForwardsPayloadVerbatim(t *testing.T) {
	const payload = `{"status":"ok","message":"Connection created","user_id":7,"has_websocket":false}`
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/websockets/connection" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer handshake-tok" {
			t.Errorf("authorization = %q", got)
		}
		_, _ = w.Write([]byte(payload))
	}))

	raw, err := c.Register(context.Background(), "handshake-tok")
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != payload {
		t.Errorf("payload not forwarded verbatim: %s", raw)
	}
}

func TestRegisterNonSuccessStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	if _, err := c.Register(context.Background(), "bad-tok"); err == nil {
		t.Fatal("expected error on 401")
	}
}

func TestMyChats(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/my_chats" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "10" || r.URL.Query().Get("offset") != "0" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"chats":[
			{"chat_id":1,"is_group":0,"last_activity":"2026-01-02 15:04:05","chat_name":"alice"},
			{"chat_id":2,"is_group":1,"last_activity":1700000000,"chat_name":"Grupo Chat"}
		]}`))
	}))

	chats, err := c.MyChats(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	if chats[0].ID != "1" || chats[0].IsGroup {
		t.Errorf("unexpected first chat: %+v", chats[0])
	}
	if chats[0].ContactUsername != "alice" {
		t.Errorf("single chat must carry the other username, got %q", chats[0].ContactUsername)
	}
	if !chats[1].IsGroup || chats[1].ContactUsername != "" {
		t.Errorf("unexpected group chat: %+v", chats[1])
	}
}

func TestChatHistoryPagination(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/get_chat/5" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"chat_id":5,"messages":[
			{"message_id":2,"user_id":9,"content":"newer","created_at":"2026-01-02 10:00:05"},
			{"message_id":1,"user_id":9,"content":"older","created_at":"2026-01-02 10:00:00"}
		]}`))
	}))

	msgs, page, err := c.ChatHistory(context.Background(), "5", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "2" || msgs[0].ChatID != "5" || msgs[0].Content != "newer" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if page.HasMore == nil || !*page.HasMore {
		t.Error("full page must report has more")
	}
	if page.NextCursor == nil || *page.NextCursor != "2" {
		t.Errorf("cursor = %v, want 2", page.NextCursor)
	}
}

func TestChatHistoryShortPage(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chat_id":5,"messages":[{"message_id":1,"content":"only"}]}`))
	}))

	_, page, err := c.ChatHistory(context.Background(), "5", 20, 40)
	if err != nil {
		t.Fatal(err)
	}
	if page.HasMore == nil || *page.HasMore {
		t.Error("short page must report no more")
	}
	if page.NextCursor == nil || *page.NextCursor != "41" {
		t.Errorf("cursor = %v, want 41", page.NextCursor)
	}
}

func TestChatHistoryServerPageInfoWins(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"has_more":false,"next_cursor":"opaque-7","messages":[{"message_id":1,"content":"only"}]}`))
	}))

	// A full page would derive has_more=true and cursor "1"; explicit
	// envelope fields take precedence.
	_, page, err := c.ChatHistory(context.Background(), "5", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.HasMore == nil || *page.HasMore {
		t.Error("server-supplied has_more must win over derivation")
	}
	if page.NextCursor == nil || *page.NextCursor != "opaque-7" {
		t.Errorf("cursor = %v, want opaque-7", page.NextCursor)
	}
}

func TestOpenSingleChat(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/open_single_chat/bob" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"chat_id":3,"messages":[{"message_id":1,"content":"hi"}]}`))
	}))

	chatID, msgs, err := c.OpenSingleChat(context.Background(), "bob", 20)
	if err != nil {
		t.Fatal(err)
	}
	if chatID != "3" || len(msgs) != 1 || msgs[0].ChatID != "3" {
		t.Errorf("chatID=%q msgs=%+v", chatID, msgs)
	}
}

func TestSendMessage(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chats/5/send_message" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"message_id":42,"chat_id":5,"user_id":7,"content":"hello","created_at":"2026-01-02 10:00:00"}`))
	}))

	msg, err := c.SendMessage(context.Background(), "5", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "42" || msg.Content != "hello" || msg.ChatID != "5" {
		t.Errorf("unexpected ack: %+v", msg)
	}
}

func TestSearchUsers(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/search_user_navbar/al" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`["alice","alan"]`))
	}))

	names, err := c.SearchUsers(context.Background(), "al")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alice" {
		t.Errorf("unexpected names: %v", names)
	}
}

func TestResolveUserID(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/getUserInfo/alice":
			_, _ = w.Write([]byte(`{"user_id":7,"username":"alice"}`))
		case "/auth/getUserInfo/ghost":
			// The server answers null for unknown users.
			_, _ = w.Write([]byte(`null`))
		default:
			t.Errorf("path = %s", r.URL.Path)
		}
	}))

	id, err := c.ResolveUserID(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if id != 7 {
		t.Errorf("id = %d, want 7", id)
	}

	if _, err := c.ResolveUserID(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestStatuses(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/websockets/statuses" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("ids") != "7,8" {
			t.Errorf("ids = %s", r.URL.Query().Get("ids"))
		}
		_, _ = w.Write([]byte(`[
			{"user_id":7,"status":"connected","connection_count":2},
			{"user_id":8,"status":"disconnected","last_seen":1700000000}
		]`))
	}))

	statuses, err := c.Statuses(context.Background(), []int64{7, 8})
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 || statuses[0].Status != "connected" || statuses[1].UserID != 8 {
		t.Errorf("unexpected statuses: %+v", statuses)
	}

	// Empty input makes no request.
	statuses, err = c.Statuses(context.Background(), nil)
	if err != nil || statuses != nil {
		t.Errorf("expected nil for empty input, got %v %v", statuses, err)
	}
}
