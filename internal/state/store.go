// Package state holds the client-side view of chats: per-chat message
// lists with idempotent merge semantics, pagination metadata, unread
// counters, and the presence/identity caches. It consumes bus events
// produced by the realtime manager and direct calls from the REST
// collaborators, and is the single source the UI reads from.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ssanchezg/charla/internal/wire"
)

// PresenceState classifies a user's connection status.
type PresenceState string

const (
	PresenceConnected    PresenceState = "connected"
	PresenceDisconnected PresenceState = "disconnected"
	PresenceUnknown      PresenceState = "unknown"
)

// Presence is one user's cached status.
type Presence struct {
	State           PresenceState
	LastSeen        time.Time
	ConnectionCount int
	ReceivedAt      time.Time
}

// ChatMeta tracks pagination and hydration per chat.
type ChatMeta struct {
	HasMore      bool
	NextCursor   string
	IsHydrated   bool
	LastSyncedAt time.Time
}

// HistoryOptions accompanies a history page registration. Nil HasMore or
// NextCursor means the server omitted the field and the previous value is
// kept.
type HistoryOptions struct {
	Mode       Mode
	HasMore    *bool
	NextCursor *string
}

// UserResolver looks up the stable numeric id behind a username.
type UserResolver interface {
	ResolveUserID(ctx context.Context, username string) (int64, error)
}

// Store is the chat state store. All methods are safe for concurrent use.
type Store struct {
	resolver UserResolver
	logger   *zap.Logger
	group    singleflight.Group

	mu          sync.Mutex
	localUserID string
	activeChat  string
	chats       map[string]wire.Chat
	messages    map[string][]wire.Message
	meta        map[string]*ChatMeta
	unread      map[string]int
	presence    map[int64]Presence
	usernameIDs map[string]int64
}

// New creates an empty store. resolver may be nil if TrackUsernames is
// never used.
func New(resolver UserResolver, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{resolver: resolver, logger: logger}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.chats = make(map[string]wire.Chat)
	s.messages = make(map[string][]wire.Message)
	s.meta = make(map[string]*ChatMeta)
	s.unread = make(map[string]int)
	s.presence = make(map[int64]Presence)
	s.usernameIDs = make(map[string]int64)
	s.activeChat = ""
}

// Clear drops every cache, the local user id included, returning the
// store to its just-constructed state. Callers use it when the session's
// credential changes and none of the cached records can be trusted to
// belong to the new identity.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localUserID = ""
	s.reset()
}

// SetLocalUser records the session's own user id, used to exclude the
// user's own live messages from unread accounting.
func (s *Store) SetLocalUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localUserID = id
}

// UpsertChat adds or refreshes a chat-list record.
func (s *Store) UpsertChat(c wire.Chat) {
	if c.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = c
}

// SetChats replaces the chat list wholesale. Message lists, meta and
// unread counters survive only for chats present in the new list; the
// rest are pruned.
func (s *Store) SetChats(chats []wire.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = make(map[string]wire.Chat, len(chats))
	for _, c := range chats {
		if c.ID != "" {
			s.chats[c.ID] = c
		}
	}
	for id := range s.messages {
		if _, ok := s.chats[id]; !ok {
			delete(s.messages, id)
		}
	}
	for id := range s.meta {
		if _, ok := s.chats[id]; !ok {
			delete(s.meta, id)
		}
	}
	for id := range s.unread {
		if _, ok := s.chats[id]; !ok {
			delete(s.unread, id)
		}
	}
}

// Chats returns the chat list ordered by last activity, newest first.
func (s *Store) Chats() []wire.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Chat returns one chat-list record.
func (s *Store) Chat(chatID string) (wire.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	return c, ok
}

// Messages returns a copy of a chat's message list in ascending time
// order.
func (s *Store) Messages(chatID string) []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[chatID]
	out := make([]wire.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Meta returns a chat's pagination metadata.
func (s *Store) Meta(chatID string) (ChatMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[chatID]
	if !ok {
		return ChatMeta{}, false
	}
	return *m, true
}

// Unread returns a chat's unread counter.
func (s *Store) Unread(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[chatID]
}

// SetUnread seeds a chat's unread counter, used when rehydrating from the
// persisted mirror.
func (s *Store) SetUnread(chatID string, count int) {
	if chatID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if count < 0 {
		count = 0
	}
	s.unread[chatID] = count
}

// ActiveChat returns the currently active chat id, empty if none.
func (s *Store) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChat
}

// SetActiveChat makes chatID the active chat, resets its unread counter,
// and returns the previously active chat id so the caller can announce
// the join/leave to the server.
func (s *Store) SetActiveChat(chatID string) (previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.activeChat
	s.activeChat = chatID
	if chatID != "" {
		s.unread[chatID] = 0
	}
	return previous
}

// MarkChatAsRead resets a chat's unread counter. Idempotent.
func (s *Store) MarkChatAsRead(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[chatID] = 0
}

// RegisterHistory merges a page of history records into a chat's message
// list and advances its pagination metadata. HasMore/NextCursor only move
// from server-supplied values; omitted fields keep their previous value.
func (s *Store) RegisterHistory(chatID string, records []wire.Message, opts HistoryOptions) {
	if chatID == "" {
		return
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeReplace
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[chatID] = mergeMessages(s.messages[chatID], records, mode)

	m, ok := s.meta[chatID]
	if !ok {
		m = &ChatMeta{}
		s.meta[chatID] = m
	}
	if opts.HasMore != nil {
		m.HasMore = *opts.HasMore
	}
	if opts.NextCursor != nil {
		m.NextCursor = *opts.NextCursor
	}
	m.IsHydrated = true
	m.LastSyncedAt = time.Now()
}

// PushLiveMessage appends one live-pushed record to its chat and applies
// unread accounting: the counter increments only when the chat is not
// active and the sender is not the local user, and is forced to zero
// while the chat is active.
func (s *Store) PushLiveMessage(chatID string, msg wire.Message) {
	if chatID == "" {
		chatID = msg.ChatID
	}
	if chatID == "" {
		s.logger.Warn("dropping live message without chat id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[chatID] = mergeMessages(s.messages[chatID], []wire.Message{msg}, ModeAppend)

	if m, ok := s.meta[chatID]; ok {
		m.LastSyncedAt = time.Now()
	} else {
		s.meta[chatID] = &ChatMeta{IsHydrated: false, LastSyncedAt: time.Now()}
	}

	if c, ok := s.chats[chatID]; ok && msg.Timestamp > c.LastActivity {
		c.LastActivity = msg.Timestamp
		s.chats[chatID] = c
	}

	if s.activeChat == chatID {
		s.unread[chatID] = 0
		return
	}
	if msg.SenderID != "" && msg.SenderID == s.localUserID {
		return
	}
	s.unread[chatID]++
}

// Presence returns a user's cached presence.
func (s *Store) Presence(userID int64) (Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return p, ok
}

// SetPresence records a user's status.
func (s *Store) SetPresence(userID int64, p Presence) {
	if userID == 0 {
		return
	}
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[userID] = p
}

// TrackedIDs returns every user id currently tracked for presence.
func (s *Store) TrackedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.usernameIDs))
	seen := make(map[int64]bool, len(s.usernameIDs))
	for _, id := range s.usernameIDs {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TrackUsernames resolves usernames to numeric ids and returns the ids
// that were not tracked before this call, so the caller can fetch their
// statuses once. Resolution is memoized and concurrent lookups for the
// same username share one request.
func (s *Store) TrackUsernames(ctx context.Context, names []string) ([]int64, error) {
	unique := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		unique = append(unique, name)
	}

	var newIDs []int64
	for _, name := range unique {
		s.mu.Lock()
		_, known := s.usernameIDs[name]
		s.mu.Unlock()
		if known {
			continue
		}
		if s.resolver == nil {
			return newIDs, fmt.Errorf("resolve %q: no resolver configured", name)
		}

		v, err, _ := s.group.Do(name, func() (any, error) {
			return s.resolver.ResolveUserID(ctx, name)
		})
		if err != nil {
			s.logger.Warn("username resolution failed", zap.String("username", name), zap.Error(err))
			continue
		}
		resolved := v.(int64)

		s.mu.Lock()
		_, already := s.usernameIDs[name]
		s.usernameIDs[name] = resolved
		if _, tracked := s.presence[resolved]; !tracked && !already {
			s.presence[resolved] = Presence{State: PresenceUnknown, ReceivedAt: time.Now()}
			newIDs = append(newIDs, resolved)
		}
		s.mu.Unlock()
	}
	return newIDs, nil
}
