package state

import (
	"sort"

	"github.com/ssanchezg/charla/internal/wire"
)

// Mode selects how an incoming record list combines with the current one
// before deduplication.
type Mode string

const (
	// ModeReplace discards the current list and keeps only the incoming
	// records. Used for the first history page of a chat.
	ModeReplace Mode = "replace"
	// ModePrepend treats the incoming records as older than the current
	// list. Used for subsequent history pages.
	ModePrepend Mode = "prepend"
	// ModeAppend treats the incoming records as newer. Used for live
	// pushes and send acknowledgements.
	ModeAppend Mode = "append"
)

// mergeMessages reconciles an incoming record list into the current one.
// Records arrive from three sources with inconsistent shape (history fetch,
// send response, live push), so deduplication runs on the identity key
// chain, colliding records merge field-by-field with incoming winning, and
// attachment lists union instead of replacing. The result is ordered by
// derived timestamp ascending; records without a parsable timestamp sort
// earliest.
func mergeMessages(current, incoming []wire.Message, mode Mode) []wire.Message {
	var combined []wire.Message
	switch mode {
	case ModeReplace:
		combined = incoming
	case ModePrepend:
		combined = make([]wire.Message, 0, len(current)+len(incoming))
		combined = append(combined, incoming...)
		combined = append(combined, current...)
	default:
		combined = make([]wire.Message, 0, len(current)+len(incoming))
		combined = append(combined, current...)
		combined = append(combined, incoming...)
	}

	index := make(map[string]int, len(combined))
	merged := make([]wire.Message, 0, len(combined))
	for _, msg := range combined {
		key := msg.IdentityKey()
		at, seen := index[key]
		if !seen {
			index[key] = len(merged)
			merged = append(merged, msg)
			continue
		}
		merged[at] = overlayMessage(merged[at], msg)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

// overlayMessage merges incoming onto base: populated incoming fields win,
// absent ones keep the base value, attachments union by identity.
func overlayMessage(base, incoming wire.Message) wire.Message {
	out := base
	if incoming.ID != "" {
		out.ID = incoming.ID
	}
	if incoming.ChatID != "" {
		out.ChatID = incoming.ChatID
	}
	if incoming.SenderID != "" {
		out.SenderID = incoming.SenderID
	}
	if incoming.SenderName != "" {
		out.SenderName = incoming.SenderName
	}
	if incoming.Content != "" {
		out.Content = incoming.Content
	}
	if incoming.Timestamp != 0 {
		out.Timestamp = incoming.Timestamp
	}
	out.Attachments = wire.UnionAttachments(base.Attachments, incoming.Attachments)
	return out
}
