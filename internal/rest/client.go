// Package rest implements the HTTP collaborators of the realtime core:
// the registration handshake, chat list and history fetches, user search,
// identity resolution, and batched presence statuses. Responses are
// normalized through internal/wire before they reach the state store.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ssanchezg/charla/internal/wire"
)

// UserInfo is the authenticated user's profile.
type UserInfo struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

// UserStatus is one entry of a batched presence response.
type UserStatus struct {
	UserID          int64  `json:"user_id"`
	Status          string `json:"status"`
	LastSeen        int64  `json:"last_seen"`
	ConnectionCount int    `json:"connection_count"`
}

// Client talks to the chat server's REST surface. Safe for concurrent use.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a REST client. token supplies the current bearer
// credential per request.
func NewClient(baseURL string, token func() string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// Register performs the pre-socket handshake. The response payload is
// returned verbatim; the manager forwards it on the bus untouched.
func (c *Client) Register(ctx context.Context, token string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/websockets/connection", nil)
	if err != nil {
		return nil, fmt.Errorf("handshake request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("handshake: unexpected status %d", resp.StatusCode)
	}
	return json.RawMessage(body), nil
}

// MyChats fetches the user's chat list, ordered by last activity.
func (c *Client) MyChats(ctx context.Context, limit, offset int) ([]wire.Chat, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var payload struct {
		Chats []map[string]any `json:"chats"`
	}
	if err := c.get(ctx, "/chats/my_chats", q, &payload); err != nil {
		return nil, fmt.Errorf("chat list: %w", err)
	}

	chats := make([]wire.Chat, 0, len(payload.Chats))
	for _, fields := range payload.Chats {
		chat := wire.NormalizeChat(fields)
		if chat.ID == "" {
			continue
		}
		if !chat.IsGroup && chat.ContactUsername == "" {
			// For single chats the server reports the other participant's
			// username as the chat name.
			chat.ContactUsername = chat.Name
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// ChatHistory fetches one page of a chat's messages, newest first on the
// wire. Server-supplied pagination fields win; when the envelope carries
// none, a full page means "has more" and the next offset is the cursor.
func (c *Client) ChatHistory(ctx context.Context, chatID string, limit, offset int) ([]wire.Message, wire.PageInfo, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var envelope map[string]any
	if err := c.get(ctx, "/chats/get_chat/"+url.PathEscape(chatID), q, &envelope); err != nil {
		return nil, wire.PageInfo{}, fmt.Errorf("history fetch: %w", err)
	}

	var msgs []wire.Message
	if list, ok := envelope["messages"].([]any); ok {
		msgs = make([]wire.Message, 0, len(list))
		for _, item := range list {
			fields, ok := item.(map[string]any)
			if !ok {
				continue
			}
			msg := wire.NormalizeMessage(fields)
			if msg.ChatID == "" {
				msg.ChatID = chatID
			}
			msgs = append(msgs, msg)
		}
	}

	page := wire.NormalizePageInfo(envelope)
	if page.HasMore == nil {
		hasMore := limit > 0 && len(msgs) == limit
		page.HasMore = &hasMore
	}
	if page.NextCursor == nil {
		cursor := strconv.Itoa(offset + len(msgs))
		page.NextCursor = &cursor
	}
	return msgs, page, nil
}

// OpenSingleChat finds or creates the 1:1 chat with the given user and
// returns its id plus the latest messages.
func (c *Client) OpenSingleChat(ctx context.Context, username string, limit int) (string, []wire.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	var payload struct {
		ChatID   any              `json:"chat_id"`
		Messages []map[string]any `json:"messages"`
	}
	if err := c.get(ctx, "/chats/open_single_chat/"+url.PathEscape(username), q, &payload); err != nil {
		return "", nil, fmt.Errorf("open chat: %w", err)
	}

	chatID := coerceID(payload.ChatID)
	if chatID == "" {
		return "", nil, fmt.Errorf("open chat: response missing chat id")
	}
	msgs := make([]wire.Message, 0, len(payload.Messages))
	for _, fields := range payload.Messages {
		msg := wire.NormalizeMessage(fields)
		if msg.ChatID == "" {
			msg.ChatID = chatID
		}
		msgs = append(msgs, msg)
	}
	return chatID, msgs, nil
}

// SendMessage posts a message to a chat and returns the created record as
// acknowledged by the server.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (wire.Message, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return wire.Message{}, fmt.Errorf("encode message: %w", err)
	}

	endpoint := c.baseURL + "/chats/" + url.PathEscape(chatID) + "/send_message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return wire.Message{}, fmt.Errorf("send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token())
	req.Header.Set("Content-Type", "application/json")

	var fields map[string]any
	if err := c.do(req, &fields); err != nil {
		return wire.Message{}, fmt.Errorf("send message: %w", err)
	}
	msg := wire.NormalizeMessage(fields)
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	return msg, nil
}

// SearchUsers queries usernames matching the term.
func (c *Client) SearchUsers(ctx context.Context, term string) ([]string, error) {
	var usernames []string
	if err := c.get(ctx, "/chats/search_user_navbar/"+url.PathEscape(term), nil, &usernames); err != nil {
		return nil, fmt.Errorf("user search: %w", err)
	}
	return usernames, nil
}

// Me fetches the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (UserInfo, error) {
	var info UserInfo
	if err := c.get(ctx, "/auth/me", nil, &info); err != nil {
		return UserInfo{}, fmt.Errorf("me: %w", err)
	}
	return info, nil
}

// ResolveUserID resolves a username to its stable numeric id. Implements
// the store's UserResolver.
func (c *Client) ResolveUserID(ctx context.Context, username string) (int64, error) {
	var info *UserInfo
	if err := c.get(ctx, "/auth/getUserInfo/"+url.PathEscape(username), nil, &info); err != nil {
		return 0, fmt.Errorf("resolve %q: %w", username, err)
	}
	// The server answers 200 with a null body for unknown usernames.
	if info == nil || info.UserID == 0 {
		return 0, fmt.Errorf("resolve %q: user not found", username)
	}
	return info.UserID, nil
}

// Statuses fetches the connection status of the given user ids in one
// batched call.
func (c *Client) Statuses(ctx context.Context, ids []int64) ([]UserStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	q := url.Values{}
	q.Set("ids", strings.Join(parts, ","))

	var statuses []UserStatus
	if err := c.get(ctx, "/websockets/statuses", q, &statuses); err != nil {
		return nil, fmt.Errorf("statuses: %w", err)
	}
	return statuses, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token())
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func coerceID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	}
	return ""
}
