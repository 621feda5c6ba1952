// Package relay is the short-retention fan-out buffer between writers and
// stream sessions. It is best effort: the room ledger stays authoritative.
package relay

import (
	"context"
	"strings"
	"time"

	"github.com/noah-isme/roomchat-api/internal/models"
)

// Kind identifies what happened to the message carried by an Event.
type Kind string

const (
	KindCreated         Kind = "message.created"
	KindUpdated         Kind = "message.updated"
	KindDeleted         Kind = "message.deleted"
	KindReactionUpdated Kind = "reaction.updated"
)

const (
	defaultSenderName = "Unknown"
	defaultType       = models.MessageTypeText
)

// Event is one relay entry. Message fields mirror the ledger row at the
// time the event was published.
type Event struct {
	Kind         Kind                   `json:"kind"`
	RoomID       uint64                 `json:"room_id"`
	MessageID    uint64                 `json:"message_id"`
	ActorID      string                 `json:"actor_id"`
	SenderID     string                 `json:"sender_id"`
	SenderName   string                 `json:"sender_name"`
	SenderAvatar string                 `json:"sender_avatar"`
	Type         models.MessageType     `json:"type"`
	Content      string                 `json:"content"`
	Payload      *models.MessagePayload `json:"payload,omitempty"`
	Reactions    models.ReactionSet     `json:"reactions,omitempty"`
	ReplyToID    *uint64                `json:"reply_to_id,omitempty"`
	ThreadRootID *uint64                `json:"thread_root_id,omitempty"`
	IsEdited     bool                   `json:"is_edited"`
	IsDeleted    bool                   `json:"is_deleted"`
	IsPinned     bool                   `json:"is_pinned"`
	CreatedAt    time.Time              `json:"created_at"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Author returns the user responsible for the event, used for self-exclusion.
func (e Event) Author() string {
	if e.ActorID != "" {
		return e.ActorID
	}
	return e.SenderID
}

// Relay appends events per room and serves them back by timestamp.
type Relay interface {
	Publish(ctx context.Context, roomID uint64, event Event) error
	// PollSince returns events newer than since in ascending timestamp order,
	// excluding the ones authored by userID.
	PollSince(ctx context.Context, roomID uint64, userID string, since time.Time) ([]Event, error)
}

// FromMessage builds an event snapshot of a ledger row.
func FromMessage(kind Kind, message models.Message, actorID string) Event {
	payload := message.Payload.Data()
	event := Event{
		Kind:         kind,
		RoomID:       message.RoomID,
		MessageID:    message.ID,
		ActorID:      actorID,
		SenderID:     message.SenderID,
		SenderName:   message.SenderName,
		SenderAvatar: message.SenderAvatar,
		Type:         message.Type,
		Content:      message.ContentString(),
		Reactions:    message.Reactions.Data(),
		ReplyToID:    message.ReplyToID,
		ThreadRootID: message.ThreadRootID,
		IsEdited:     message.IsEdited,
		IsDeleted:    message.IsDeleted,
		IsPinned:     message.IsPinned,
		CreatedAt:    message.CreatedAt,
	}
	if payload.Text != nil || payload.Media != nil || payload.System != nil {
		event.Payload = &payload
	}
	return event
}

func isSentinel(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "undefined", "null", "<nil>", "nil":
		return true
	default:
		return false
	}
}

// Sanitize replaces sentinel markers with defaults. It reports false when
// the event lacks the identifiers needed to route or deduplicate it.
func Sanitize(event Event) (Event, bool) {
	if isSentinel(event.SenderID) {
		event.SenderID = ""
	}
	if isSentinel(event.ActorID) {
		event.ActorID = ""
	}
	if name := strings.TrimSpace(event.SenderName); name == "" || isSentinel(name) {
		event.SenderName = defaultSenderName
	}
	if isSentinel(event.SenderAvatar) {
		event.SenderAvatar = ""
	}
	if isSentinel(event.Content) {
		event.Content = ""
	}
	if isSentinel(string(event.Type)) || !event.Type.Valid() {
		event.Type = defaultType
	}
	if event.Kind == "" || isSentinel(string(event.Kind)) {
		event.Kind = KindCreated
	}

	if event.RoomID == 0 || event.MessageID == 0 || event.Author() == "" {
		return event, false
	}
	return event, true
}
