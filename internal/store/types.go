package store

// Chat represents a cached chat.
type Chat struct {
	ID              string
	Name            string
	IsGroup         bool
	ContactUsername string
	UnreadCount     int
	LastActivity    int64
}

// Message represents a cached message. MsgKey is the merge identity key and
// carries the upsert uniqueness per chat; MsgID is the server-side id when
// one was present on the wire.
type Message struct {
	ID          int64
	ChatID      string
	MsgKey      string
	MsgID       string
	SenderID    string
	SenderName  string
	Body        string
	Attachments string // JSON array of normalized attachment records
	FromMe      bool
	Timestamp   int64
}

// SyncState is one key/value pair of engine bookkeeping.
type SyncState struct {
	Key   string
	Value string
}
