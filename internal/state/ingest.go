package state

import (
	"time"

	"go.uber.org/zap"

	"github.com/ssanchezg/charla/internal/bus"
	"github.com/ssanchezg/charla/internal/wire"
)

// Frame kinds the ingestor consumes. The server has emitted message pushes
// under a few different type strings over time, so all of them map to the
// same handler.
var (
	messageKinds  = []string{"message.new", "message", "chat.message", "new_message"}
	presenceKinds = []string{"presence.update", "presence", "user_status"}
)

// Ingestor feeds bus events into the store: live message pushes become
// PushLiveMessage calls, presence frames update the presence cache.
type Ingestor struct {
	store  *Store
	bus    *bus.Bus
	logger *zap.Logger
	unsubs []func()
}

// NewIngestor creates an ingestor. Call Start to begin consuming.
func NewIngestor(store *Store, b *bus.Bus, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{store: store, bus: b, logger: logger}
}

// Start subscribes to the message and presence frame kinds. No-op if
// already started.
func (in *Ingestor) Start() {
	if len(in.unsubs) > 0 {
		return
	}
	for _, kind := range messageKinds {
		in.unsubs = append(in.unsubs, in.bus.Subscribe(kind, in.handleMessage))
	}
	for _, kind := range presenceKinds {
		in.unsubs = append(in.unsubs, in.bus.Subscribe(kind, in.handlePresence))
	}
}

// Stop unsubscribes from the bus.
func (in *Ingestor) Stop() {
	for _, unsub := range in.unsubs {
		unsub()
	}
	in.unsubs = nil
}

func (in *Ingestor) handleMessage(evt bus.Event) {
	fields, ok := evt.Payload.(map[string]any)
	if !ok {
		in.logger.Warn("message frame without object payload", zap.String("kind", evt.Kind))
		return
	}
	msg := wire.NormalizeMessage(fields)
	if msg.ChatID == "" {
		in.logger.Warn("message frame without chat id", zap.String("kind", evt.Kind))
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = evt.ReceivedAt.UnixMilli()
	}
	in.store.PushLiveMessage(msg.ChatID, msg)
}

func (in *Ingestor) handlePresence(evt bus.Event) {
	fields, ok := evt.Payload.(map[string]any)
	if !ok {
		return
	}
	userID := int64Field(fields, "user_id", "userId", "id")
	if userID == 0 {
		in.logger.Warn("presence frame without user id", zap.String("kind", evt.Kind))
		return
	}
	in.store.SetPresence(userID, presenceFromFields(fields, evt.ReceivedAt))
}

func presenceFromFields(fields map[string]any, receivedAt time.Time) Presence {
	p := Presence{State: PresenceUnknown, ReceivedAt: receivedAt}
	switch statusString(fields) {
	case "connected", "online":
		p.State = PresenceConnected
	case "disconnected", "offline":
		p.State = PresenceDisconnected
	}
	if ms := wire.TimestampOf(fields, "last_seen", "lastSeen", "last_seen_at"); ms != 0 {
		p.LastSeen = time.UnixMilli(ms)
	}
	p.ConnectionCount = int(int64Field(fields, "connection_count", "connectionCount", "connections"))
	return p
}

func statusString(fields map[string]any) string {
	for _, k := range []string{"status", "state", "presence"} {
		if s, ok := fields[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func int64Field(fields map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case int:
			return int64(v)
		}
	}
	return 0
}
