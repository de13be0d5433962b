package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat record. The unread counter is
// owned by SetUnread/BumpUnread; a metadata upsert never touches it.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, name, is_group, contact_username, unread_count, last_activity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			is_group = excluded.is_group,
			contact_username = CASE WHEN excluded.contact_username != '' THEN excluded.contact_username ELSE chats.contact_username END,
			last_activity = MAX(chats.last_activity, excluded.last_activity),
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.IsGroup, c.ContactUsername, c.UnreadCount, c.LastActivity, now)
	return err
}

// ListChats returns chats sorted by last activity descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, name, is_group, contact_username, unread_count, last_activity
		FROM chats
		ORDER BY last_activity DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.IsGroup, &c.ContactUsername, &c.UnreadCount, &c.LastActivity); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, nil when absent.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, name, is_group, contact_username, unread_count, last_activity
		FROM chats
		WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.IsGroup, &c.ContactUsername, &c.UnreadCount, &c.LastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetUnread persists a chat's unread counter.
func (db *DB) SetUnread(chatID string, count int) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = ?, updated_at = ? WHERE id = ?`,
		count, time.Now().UnixMilli(), chatID)
	return err
}

// BumpUnread increments a chat's unread counter by one.
func (db *DB) BumpUnread(chatID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = unread_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), chatID)
	return err
}
