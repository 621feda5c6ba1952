package models

import (
	"sort"
	"time"

	"gorm.io/datatypes"
)

// MessageType enumerates the supported message kinds.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeDocument MessageType = "document"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeSystem   MessageType = "system"
)

// Valid reports whether the type is one of the known message kinds.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeDocument, MessageTypeVideo, MessageTypeAudio, MessageTypeSystem:
		return true
	default:
		return false
	}
}

// IsMedia reports whether messages of this type carry attachments.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageTypeImage, MessageTypeDocument, MessageTypeVideo, MessageTypeAudio:
		return true
	default:
		return false
	}
}

// TextPayload carries optional structure for plain text messages.
type TextPayload struct {
	Mentions []string `json:"mentions,omitempty"`
}

// Attachment describes a file stored by the external upload service.
type Attachment struct {
	Name       string `json:"name"`
	MimeType   string `json:"mime_type"`
	Extension  string `json:"extension,omitempty"`
	Size       int64  `json:"size"`
	URL        string `json:"url"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// MediaPayload carries the attachments of an image/document/video/audio message.
type MediaPayload struct {
	Caption     string       `json:"caption,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// SystemPayload describes a room event rendered as a system message.
type SystemPayload struct {
	Event   string            `json:"event"`
	ActorID string            `json:"actor_id,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// MessagePayload is a tagged variant: exactly one member is set, selected by the message type.
type MessagePayload struct {
	Text   *TextPayload   `json:"text,omitempty"`
	Media  *MediaPayload  `json:"media,omitempty"`
	System *SystemPayload `json:"system,omitempty"`
}

// ReactionSet maps an emoji to the sorted ids of users who reacted with it.
type ReactionSet map[string][]string

// Clone returns a deep copy safe for mutation.
func (r ReactionSet) Clone() ReactionSet {
	out := make(ReactionSet, len(r))
	for emoji, users := range r {
		out[emoji] = append([]string(nil), users...)
	}
	return out
}

// Add records userID under emoji. It reports whether the set changed.
func (r ReactionSet) Add(emoji, userID string) bool {
	users := r[emoji]
	idx := sort.SearchStrings(users, userID)
	if idx < len(users) && users[idx] == userID {
		return false
	}
	users = append(users, "")
	copy(users[idx+1:], users[idx:])
	users[idx] = userID
	r[emoji] = users
	return true
}

// Remove drops userID from emoji. It reports whether the set changed.
func (r ReactionSet) Remove(emoji, userID string) bool {
	users := r[emoji]
	idx := sort.SearchStrings(users, userID)
	if idx >= len(users) || users[idx] != userID {
		return false
	}
	users = append(users[:idx], users[idx+1:]...)
	if len(users) == 0 {
		delete(r, emoji)
	} else {
		r[emoji] = users
	}
	return true
}

// Message is a single row of a room's ledger. Its ID is assigned by the
// room partition and is only unique within that partition.
type Message struct {
	ID             uint64                             `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID         uint64                             `gorm:"index;not null" json:"room_id"`
	SenderID       string                             `gorm:"size:64;index;not null" json:"sender_id"`
	SenderName     string                             `gorm:"size:255" json:"sender_name"`
	SenderAvatar   string                             `gorm:"size:512" json:"sender_avatar"`
	Type           MessageType                        `gorm:"size:16;not null;default:text" json:"type"`
	Content        *string                            `gorm:"type:text" json:"content"`
	Payload        datatypes.JSONType[MessagePayload] `json:"payload"`
	ReplyToID      *uint64                            `gorm:"index" json:"reply_to_id"`
	ThreadRootID   *uint64                            `gorm:"index" json:"thread_root_id"`
	IsEdited       bool                               `gorm:"not null;default:false" json:"is_edited"`
	IsDeleted      bool                               `gorm:"not null;default:false;index" json:"is_deleted"`
	IsPinned       bool                               `gorm:"not null;default:false" json:"is_pinned"`
	IsSystem       bool                               `gorm:"not null;default:false" json:"is_system"`
	EditedAt       *time.Time                         `json:"edited_at"`
	EditedBy       string                             `gorm:"size:64" json:"edited_by"`
	DeletedAt      *time.Time                         `json:"deleted_at"`
	DeletedBy      string                             `gorm:"size:64" json:"deleted_by"`
	DeleteReason   string                             `gorm:"size:255" json:"delete_reason"`
	PinnedAt       *time.Time                         `json:"pinned_at"`
	PinnedBy       string                             `gorm:"size:64" json:"pinned_by"`
	Reactions      datatypes.JSONType[ReactionSet]    `json:"reactions"`
	ReadCount      int                                `gorm:"not null;default:0" json:"read_count"`
	FavouriteCount int                                `gorm:"not null;default:0" json:"favourite_count"`
	ReplyCount     int                                `gorm:"not null;default:0" json:"reply_count"`
	CreatedAt      time.Time                          `json:"created_at"`
	UpdatedAt      time.Time                          `json:"updated_at"`
}

// ContentString returns the message content or an empty string when absent.
func (m Message) ContentString() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}
