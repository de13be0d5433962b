package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/ssanchezg/charla/internal/realtime"
	"github.com/ssanchezg/charla/internal/rest"
	"github.com/ssanchezg/charla/internal/state"
	"github.com/ssanchezg/charla/internal/store"
	intsync "github.com/ssanchezg/charla/internal/sync"
	"github.com/ssanchezg/charla/internal/wire"
)

// connection is the slice of the realtime manager the controller drives.
type connection interface {
	EnsureConnection() realtime.Info
	JoinChat(chatID string) realtime.SendResult
	LeaveChat(chatID string) realtime.SendResult
}

// chatAPI is the slice of the REST client the controller uses.
type chatAPI interface {
	Me(ctx context.Context) (rest.UserInfo, error)
	MyChats(ctx context.Context, limit, offset int) ([]wire.Chat, error)
	ChatHistory(ctx context.Context, chatID string, limit, offset int) ([]wire.Message, wire.PageInfo, error)
	OpenSingleChat(ctx context.Context, username string, limit int) (string, []wire.Message, error)
	SendMessage(ctx context.Context, chatID, content string) (wire.Message, error)
	SearchUsers(ctx context.Context, term string) ([]string, error)
}

// presenceSink receives newly tracked ids for an immediate status fetch.
type presenceSink interface {
	PollIDs(ctx context.Context, ids []int64)
}

// Controller ties the collaborators together: it hydrates the state store
// from the sqlite mirror, drives chat selection (join/leave frames, read
// marking, history paging) and message sending.
type Controller struct {
	store    *state.Store
	db       *store.DB
	conn     connection
	api      chatAPI
	engine   *intsync.Engine
	presence presenceSink
	pageSize int
	logger   *zap.Logger
}

// NewController creates a controller. presence may be nil.
func NewController(st *state.Store, db *store.DB, conn connection, api chatAPI, engine *intsync.Engine, presence presenceSink, pageSize int, logger *zap.Logger) *Controller {
	if pageSize <= 0 {
		pageSize = 25
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:    st,
		db:       db,
		conn:     conn,
		api:      api,
		engine:   engine,
		presence: presence,
		pageSize: pageSize,
		logger:   logger,
	}
}

// Bootstrap brings the client up: resolves the local user, renders the
// cached mirror, refreshes the chat list, and ensures the realtime
// connection. Mirror or refresh failures degrade, they do not abort. When
// the identity endpoint is unreachable the cached identity from a prior
// run serves instead, so the client starts offline from the mirror alone.
func (c *Controller) Bootstrap(ctx context.Context) error {
	var localID, username string
	me, err := c.api.Me(ctx)
	if err != nil {
		cached, gerr := c.db.GetState(store.StateLocalUser)
		if gerr != nil || cached == "" {
			return fmt.Errorf("resolve local user: %w", err)
		}
		c.logger.Warn("identity endpoint unreachable, starting from cached identity", zap.Error(err))
		localID = cached
	} else {
		localID = strconv.FormatInt(me.UserID, 10)
		username = me.Username
	}
	c.store.SetLocalUser(localID)
	c.engine.SetLocalUser(localID)

	if err := c.hydrateFromMirror(); err != nil {
		c.logger.Warn("mirror hydration failed", zap.Error(err))
	}
	if err := c.RefreshChats(ctx); err != nil {
		c.logger.Warn("chat list refresh failed", zap.Error(err))
	}

	info := c.conn.EnsureConnection()
	c.logger.Info("bootstrap complete",
		zap.String("user", username),
		zap.String("connection", string(info.Status)))
	return nil
}

// RefreshChats fetches the chat list, updates the store, and tracks the
// contact usernames for presence.
func (c *Controller) RefreshChats(ctx context.Context) error {
	chats, err := c.api.MyChats(ctx, 50, 0)
	if err != nil {
		return err
	}

	var usernames []string
	for _, chat := range chats {
		c.store.UpsertChat(chat)
		if !chat.IsGroup && chat.ContactUsername != "" {
			usernames = append(usernames, chat.ContactUsername)
		}
		if err := c.db.UpsertChat(&store.Chat{
			ID:              chat.ID,
			Name:            chat.Name,
			IsGroup:         chat.IsGroup,
			ContactUsername: chat.ContactUsername,
			LastActivity:    chat.LastActivity,
		}); err != nil {
			c.logger.Warn("chat mirror write failed", zap.String("chat", chat.ID), zap.Error(err))
		}
	}

	newIDs, err := c.store.TrackUsernames(ctx, usernames)
	if err != nil {
		c.logger.Warn("username tracking incomplete", zap.Error(err))
	}
	if len(newIDs) > 0 && c.presence != nil {
		c.presence.PollIDs(ctx, newIDs)
	}
	return nil
}

// SelectChat makes chatID the active chat: announces leave/join on the
// socket, resets the unread counter, and loads the first history page if
// the chat has none yet. The leave for the previous chat is
// fire-and-forget; a stale leave has no value after a reconnect.
func (c *Controller) SelectChat(ctx context.Context, chatID string) error {
	previous := c.store.SetActiveChat(chatID)
	if previous != "" && previous != chatID {
		if res := c.conn.LeaveChat(previous); res.Err != nil {
			c.logger.Debug("leave not delivered", zap.String("chat", previous), zap.Error(res.Err))
		}
	}
	if res := c.conn.JoinChat(chatID); res.Err != nil {
		c.logger.Warn("join failed", zap.String("chat", chatID), zap.Error(res.Err))
	}

	c.store.MarkChatAsRead(chatID)
	if err := c.db.SetUnread(chatID, 0); err != nil {
		c.logger.Warn("unread mirror write failed", zap.String("chat", chatID), zap.Error(err))
	}

	if meta, ok := c.store.Meta(chatID); !ok || !meta.IsHydrated {
		return c.LoadHistory(ctx, chatID, state.ModeReplace)
	}
	return nil
}

// LoadHistory fetches one page of a chat's history and merges it into the
// store and the mirror. ModeReplace loads the newest page; ModePrepend
// continues from the stored cursor.
func (c *Controller) LoadHistory(ctx context.Context, chatID string, mode state.Mode) error {
	offset := 0
	if mode == state.ModePrepend {
		meta, ok := c.store.Meta(chatID)
		if !ok {
			return fmt.Errorf("load history: chat %s has no page to continue from", chatID)
		}
		if !meta.HasMore {
			return nil
		}
		if n, err := strconv.Atoi(meta.NextCursor); err == nil {
			offset = n
		}
	}

	msgs, page, err := c.api.ChatHistory(ctx, chatID, c.pageSize, offset)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	c.store.RegisterHistory(chatID, msgs, state.HistoryOptions{
		Mode:       mode,
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	})
	if err := c.engine.IngestHistoryBatch(chatID, msgs); err != nil {
		c.logger.Warn("history mirror write failed", zap.String("chat", chatID), zap.Error(err))
	}
	return nil
}

// SendMessage posts a message over REST; the acknowledged record merges
// into the store so the sender sees it without waiting for the live push.
func (c *Controller) SendMessage(ctx context.Context, chatID, content string) (wire.Message, error) {
	ack, err := c.api.SendMessage(ctx, chatID, content)
	if err != nil {
		return wire.Message{}, err
	}
	c.store.RegisterHistory(chatID, []wire.Message{ack}, state.HistoryOptions{Mode: state.ModeAppend})
	if err := c.engine.IngestMessage(ack); err != nil {
		c.logger.Warn("ack mirror write failed", zap.Error(err))
	}
	return ack, nil
}

// OpenChat finds or creates the 1:1 chat with username and selects it.
func (c *Controller) OpenChat(ctx context.Context, username string) (string, error) {
	chatID, msgs, err := c.api.OpenSingleChat(ctx, username, c.pageSize)
	if err != nil {
		return "", err
	}
	c.store.UpsertChat(wire.Chat{ID: chatID, Name: username, ContactUsername: username})
	hasMore := len(msgs) == c.pageSize
	cursor := strconv.Itoa(len(msgs))
	c.store.RegisterHistory(chatID, msgs, state.HistoryOptions{
		Mode:       state.ModeReplace,
		HasMore:    &hasMore,
		NextCursor: &cursor,
	})
	if err := c.engine.IngestHistoryBatch(chatID, msgs); err != nil {
		c.logger.Warn("history mirror write failed", zap.String("chat", chatID), zap.Error(err))
	}
	return chatID, c.SelectChat(ctx, chatID)
}

// SearchUsers proxies the navbar search.
func (c *Controller) SearchUsers(ctx context.Context, term string) ([]string, error) {
	return c.api.SearchUsers(ctx, term)
}

// hydrateFromMirror loads the cached chat list and the most recent page of
// each chat's messages so the client renders before the first fetch.
func (c *Controller) hydrateFromMirror() error {
	cached, err := c.db.ListChats(50, 0)
	if err != nil {
		return fmt.Errorf("list cached chats: %w", err)
	}
	for _, row := range cached {
		c.store.UpsertChat(wire.Chat{
			ID:              row.ID,
			Name:            row.Name,
			IsGroup:         row.IsGroup,
			ContactUsername: row.ContactUsername,
			LastActivity:    row.LastActivity,
		})
		c.store.SetUnread(row.ID, row.UnreadCount)

		rows, err := c.db.ListMessages(row.ID, 0, c.pageSize)
		if err != nil {
			c.logger.Warn("cached messages unavailable", zap.String("chat", row.ID), zap.Error(err))
			continue
		}
		msgs := make([]wire.Message, 0, len(rows))
		for _, mr := range rows {
			msgs = append(msgs, mirrorToWire(mr))
		}
		c.store.RegisterHistory(row.ID, msgs, state.HistoryOptions{Mode: state.ModeReplace})
	}
	return nil
}

func mirrorToWire(row store.Message) wire.Message {
	msg := wire.Message{
		ID:         row.MsgID,
		ChatID:     row.ChatID,
		SenderID:   row.SenderID,
		SenderName: row.SenderName,
		Content:    row.Body,
		Timestamp:  row.Timestamp,
	}
	if row.Attachments != "" && row.Attachments != "[]" {
		if err := json.Unmarshal([]byte(row.Attachments), &msg.Attachments); err != nil {
			msg.Attachments = nil
		}
	}
	return msg
}
