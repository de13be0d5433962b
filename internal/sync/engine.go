// Package sync writes live-pushed messages through to the sqlite mirror so
// a restarted client has the recent history before its first fetch.
package sync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ssanchezg/charla/internal/bus"
	"github.com/ssanchezg/charla/internal/store"
	"github.com/ssanchezg/charla/internal/wire"
)

// Frame kinds the engine mirrors. Same set the state ingestor consumes.
var messageKinds = []string{"message.new", "message", "chat.message", "new_message"}

// Engine handles idempotent ingestion of messages into the store.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	localUserID string
	activeChat  func() string
	unsubs      []func()
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// SetLocalUser records the session's own user id so mirrored rows carry the
// from_me flag, and caches it in sync_state for offline restarts. Call
// before Start.
func (e *Engine) SetLocalUser(id string) {
	e.localUserID = id
	if id != "" {
		if err := e.db.SetState(store.StateLocalUser, id); err != nil {
			e.logger.Warn("failed to cache local user id", zap.Error(err))
		}
	}
}

// SetActiveChat installs the active-chat lookup consulted by unread
// accounting. Messages for the active chat never bump the mirrored counter.
func (e *Engine) SetActiveChat(fn func() string) {
	e.activeChat = fn
}

// Start subscribes to inbound message events on the bus.
func (e *Engine) Start() {
	if len(e.unsubs) > 0 {
		return
	}
	if raw, err := e.db.GetState(store.StateLastSync); err == nil && raw != "" {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			e.logger.Info("resuming mirror sync",
				zap.Time("last_sync", time.UnixMilli(ms)))
		}
	}
	for _, kind := range messageKinds {
		e.unsubs = append(e.unsubs, e.bus.Subscribe(kind, e.handleEvent))
	}
}

// Stop stops the engine.
func (e *Engine) Stop() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
}

func (e *Engine) handleEvent(evt bus.Event) {
	fields, ok := evt.Payload.(map[string]any)
	if !ok {
		return
	}
	msg := wire.NormalizeMessage(fields)
	if msg.ChatID == "" {
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = evt.ReceivedAt.UnixMilli()
	}
	if err := e.IngestMessage(msg); err != nil {
		e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.ID))
		return
	}

	// Mirror the unread rule: the user's own messages and messages for the
	// active chat don't count.
	fromMe := e.localUserID != "" && msg.SenderID == e.localUserID
	active := e.activeChat != nil && e.activeChat() == msg.ChatID
	if !fromMe && !active {
		if err := e.db.BumpUnread(msg.ChatID); err != nil {
			e.logger.Warn("failed to bump unread", zap.Error(err), zap.String("chat_id", msg.ChatID))
		}
	}
}

// IngestMessage processes a single message into the store (idempotent).
func (e *Engine) IngestMessage(msg wire.Message) error {
	if err := e.db.UpsertChat(&store.Chat{
		ID:           msg.ChatID,
		LastActivity: msg.Timestamp,
	}); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	row, err := e.toRow(msg)
	if err != nil {
		return err
	}
	if err := e.db.UpsertMessage(row); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.advanceWatermark()

	e.bus.Publish(bus.Event{
		Kind:       "sync.message_upserted",
		ReceivedAt: time.Now(),
		Payload: map[string]string{
			"chat_id": msg.ChatID,
			"msg_key": msg.IdentityKey(),
		},
	})

	return nil
}

// IngestHistoryBatch mirrors a fetched history page in one transaction.
func (e *Engine) IngestHistoryBatch(chatID string, msgs []wire.Message) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	var lastActivity int64
	count := 0
	for _, msg := range msgs {
		if msg.ChatID == "" {
			msg.ChatID = chatID
		}
		row, err := e.toRow(msg)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (chat_id, msg_key, msg_id, sender_id, sender_name, body, attachments, from_me, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, msg_key) DO UPDATE SET
				msg_id = CASE WHEN excluded.msg_id != '' THEN excluded.msg_id ELSE messages.msg_id END,
				sender_name = excluded.sender_name,
				body = excluded.body,
				attachments = excluded.attachments`,
			row.ChatID, row.MsgKey, row.MsgID, row.SenderID, row.SenderName, row.Body, row.Attachments, row.FromMe, row.Timestamp, now); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
		if msg.Timestamp > lastActivity {
			lastActivity = msg.Timestamp
		}
		count++
	}

	if _, err := tx.Exec(`
		INSERT INTO chats (id, last_activity, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity = MAX(chats.last_activity, excluded.last_activity),
			updated_at = excluded.updated_at`,
		chatID, lastActivity, now); err != nil {
		return fmt.Errorf("upsert chat in batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	e.advanceWatermark()

	e.bus.Publish(bus.Event{
		Kind:       "sync.history_batch",
		ReceivedAt: time.Now(),
		Payload: map[string]int{
			"messages_count": count,
		},
	})

	return nil
}

func (e *Engine) advanceWatermark() {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := e.db.SetState(store.StateLastSync, now); err != nil {
		e.logger.Warn("failed to advance sync watermark", zap.Error(err))
	}
}

func (e *Engine) toRow(msg wire.Message) (*store.Message, error) {
	attachments := "[]"
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return nil, fmt.Errorf("encode attachments: %w", err)
		}
		attachments = string(data)
	}
	return &store.Message{
		ChatID:      msg.ChatID,
		MsgKey:      msg.IdentityKey(),
		MsgID:       msg.ID,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		Body:        msg.Content,
		Attachments: attachments,
		FromMe:      e.localUserID != "" && msg.SenderID == e.localUserID,
		Timestamp:   msg.Timestamp,
	}, nil
}
