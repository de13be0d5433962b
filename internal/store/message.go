package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on chat_id + msg_key).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_key, msg_id, sender_id, sender_name, body, attachments, from_me, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_key) DO UPDATE SET
			msg_id = CASE WHEN excluded.msg_id != '' THEN excluded.msg_id ELSE messages.msg_id END,
			sender_name = excluded.sender_name,
			body = excluded.body,
			attachments = excluded.attachments`,
		m.ChatID, m.MsgKey, m.MsgID, m.SenderID, m.SenderName, m.Body, m.Attachments, m.FromMe, m.Timestamp, now)
	return err
}

// ListMessages returns messages for a chat using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, msg_key, msg_id, sender_id, sender_name, body, attachments, from_me, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.MsgKey, &m.MsgID, &m.SenderID, &m.SenderName, &m.Body, &m.Attachments, &m.FromMe, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
