package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Ordered identity-key tables. The server's three record sources disagree on
// field names, so identity resolution is a fixed first-present-wins scan.
var (
	messageIDKeys    = []string{"message_id", "messageId", "id", "msg_id", "uuid"}
	senderKeys       = []string{"sender_id", "senderId", "user_id", "userId", "from"}
	senderNameKeys   = []string{"sender_name", "senderName", "username", "sender_username"}
	contentKeys      = []string{"content", "body", "text", "message"}
	timestampKeys    = []string{"created_at", "createdAt", "timestamp", "ts", "sent_at", "sentAt"}
	chatIDKeys       = []string{"chat_id", "chatId", "conversation_id", "conversationId"}
	attachmentKeys   = []string{"attachments", "files", "media"}
	attachmentIDKeys = []string{"attachment_id", "id", "uuid", "file_id"}
)

// Message is a normalized chat message record.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	SenderName  string
	Content     string
	Timestamp   int64 // unix milliseconds; 0 = unknown
	Attachments []Attachment
}

// Attachment is a normalized attachment record.
type Attachment struct {
	ID       string
	Name     string
	URL      string
	MimeType string
	Size     int64
	raw      string // serialized form, identity of last resort
}

// NormalizeMessage maps a raw record into a Message via the ordered key
// tables.
func NormalizeMessage(fields map[string]any) Message {
	m := Message{
		ID:         stringField(fields, messageIDKeys...),
		ChatID:     stringField(fields, chatIDKeys...),
		SenderID:   stringField(fields, senderKeys...),
		SenderName: stringField(fields, senderNameKeys...),
		Content:    stringField(fields, contentKeys...),
		Timestamp:  timestampField(fields, timestampKeys...),
	}
	for _, k := range attachmentKeys {
		list, ok := fields[k].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			af, ok := item.(map[string]any)
			if !ok {
				continue
			}
			m.Attachments = append(m.Attachments, NormalizeAttachment(af))
		}
		break
	}
	return m
}

// NormalizeAttachment maps a raw attachment record into an Attachment.
func NormalizeAttachment(fields map[string]any) Attachment {
	a := Attachment{
		ID:       stringField(fields, attachmentIDKeys...),
		Name:     stringField(fields, "name", "filename", "file_name"),
		URL:      stringField(fields, "url", "download_url", "path"),
		MimeType: stringField(fields, "mime_type", "mimeType", "content_type"),
	}
	if ts := timestampField(fields, "size", "file_size"); ts > 0 {
		a.Size = ts
	}
	if a.ID == "" {
		// No identity key at all: key by full serialized content so the
		// record is never deduplicated against its neighbors.
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			a.raw += fmt.Sprintf("%s=%v;", k, fields[k])
		}
	}
	return a
}

// IdentityKey resolves the message's identity per the fallback chain:
// explicit id, then timestamp+sender, then a content prefix. Within one
// chat's list no two entries may share the same key after merge.
func (m Message) IdentityKey() string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	if m.Timestamp != 0 {
		return fmt.Sprintf("ts:%d:%s", m.Timestamp, m.SenderID)
	}
	content := m.Content
	if len(content) > 32 {
		content = content[:32]
	}
	return "body:" + content
}

// IdentityKey resolves the attachment's identity. Records lacking any id
// field are keyed by their serialized content and never deduplicate.
func (a Attachment) IdentityKey() string {
	if a.ID != "" {
		return "id:" + a.ID
	}
	return "raw:" + a.raw
}

// UnionAttachments merges two attachment lists by identity, preserving
// order: current entries first, then incoming entries not already present.
// Colliding identities keep the incoming record.
func UnionAttachments(current, incoming []Attachment) []Attachment {
	if len(incoming) == 0 {
		return current
	}
	out := make([]Attachment, 0, len(current)+len(incoming))
	index := make(map[string]int, len(current))
	for _, a := range current {
		index[a.IdentityKey()] = len(out)
		out = append(out, a)
	}
	for _, a := range incoming {
		if i, ok := index[a.IdentityKey()]; ok {
			out[i] = a
			continue
		}
		index[a.IdentityKey()] = len(out)
		out = append(out, a)
	}
	return out
}

// MarshalJSON serializes the normalized shape for cache storage.
func (a Attachment) MarshalJSON() ([]byte, error) {
	type stored struct {
		ID       string `json:"id,omitempty"`
		Name     string `json:"name,omitempty"`
		URL      string `json:"url,omitempty"`
		MimeType string `json:"mime_type,omitempty"`
		Size     int64  `json:"size,omitempty"`
		Raw      string `json:"raw,omitempty"`
	}
	return json.Marshal(stored{a.ID, a.Name, a.URL, a.MimeType, a.Size, a.raw})
}

// UnmarshalJSON restores an attachment stored by MarshalJSON.
func (a *Attachment) UnmarshalJSON(data []byte) error {
	var stored struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
		Size     int64  `json:"size"`
		Raw      string `json:"raw"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	*a = Attachment{stored.ID, stored.Name, stored.URL, stored.MimeType, stored.Size, stored.Raw}
	return nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
