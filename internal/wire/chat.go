package wire

// Chat is a normalized chat-list record.
type Chat struct {
	ID              string
	Name            string
	IsGroup         bool
	ContactUsername string
	LastActivity    int64 // unix milliseconds; 0 = unknown
}

// PageInfo is the normalized pagination trailer of a history response.
// Nil pointers mean the server omitted the field; consumers keep their
// previous value in that case.
type PageInfo struct {
	HasMore    *bool
	NextCursor *string
}

// NormalizeChat maps a raw chat-list record into a Chat.
func NormalizeChat(fields map[string]any) Chat {
	c := Chat{
		ID:              stringField(fields, "chat_id", "chatId", "id"),
		Name:            stringField(fields, "name", "chat_name", "title"),
		ContactUsername: stringField(fields, "contact_username", "username", "other_username"),
		LastActivity:    timestampField(fields, "last_activity", "last_message_at", "updated_at"),
	}
	c.IsGroup, _ = boolField(fields, "is_group", "isGroup")
	return c
}

// NormalizePageInfo extracts the pagination fields of a history response,
// accepting the spellings seen across the server's endpoints.
func NormalizePageInfo(fields map[string]any) PageInfo {
	var p PageInfo
	if v, ok := boolField(fields, "has_more", "hasMore", "more"); ok {
		p.HasMore = &v
	}
	if s := stringField(fields, "next_cursor", "nextCursor", "cursor", "next"); s != "" {
		p.NextCursor = &s
	}
	return p
}
