package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/roomchat-api/internal/models"
)

// SendMessageRequest is the body of POST /rooms/:roomId/messages.
type SendMessageRequest struct {
	Type      string          `json:"type" validate:"omitempty,oneof=text image document video audio"`
	Content   string          `json:"content" validate:"omitempty,max=4000"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ReplyToID *uint64         `json:"reply_to_id,omitempty" validate:"omitempty,gt=0"`
}

// EditMessageRequest is the body of PATCH /rooms/:roomId/messages/:id.
type EditMessageRequest struct {
	Content string `json:"content" validate:"required,min=1,max=4000"`
}

// DeleteMessageRequest optionally explains a deletion.
type DeleteMessageRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=255"`
}

// ReactionRequest adds an emoji reaction.
type ReactionRequest struct {
	Emoji string `json:"emoji" validate:"required,max=32"`
}

// ReadRequest records a read receipt. Level defaults to "read".
type ReadRequest struct {
	Level string `json:"level" validate:"omitempty,oneof=delivered read seen"`
}

// TypingRequest toggles the caller's typing indicator.
type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// AnnounceRequest posts a system message into a room.
type AnnounceRequest struct {
	Event string            `json:"event" validate:"required,max=64"`
	Text  string            `json:"text" validate:"omitempty,max=4000"`
	Data  map[string]string `json:"data,omitempty"`
}

// TranslationRequest stores a translation produced by an external provider.
type TranslationRequest struct {
	Content  string `json:"content" validate:"required,max=8000"`
	Provider string `json:"provider" validate:"omitempty,max=64"`
}

// HistoryQuery filters GET /rooms/:roomId/messages.
type HistoryQuery struct {
	Since          uint64 `query:"since"`
	Limit          int    `query:"limit" validate:"omitempty,min=1,max=100"`
	IncludeDeleted bool   `query:"include_deleted"`
}

// MessageResponse is the serialized representation of a ledger row.
type MessageResponse struct {
	ID             uint64                 `json:"id"`
	RoomID         uint64                 `json:"room_id"`
	SenderID       string                 `json:"sender_id"`
	SenderName     string                 `json:"sender_name"`
	SenderAvatar   string                 `json:"sender_avatar,omitempty"`
	Type           models.MessageType     `json:"type"`
	Content        string                 `json:"content"`
	Payload        *models.MessagePayload `json:"payload,omitempty"`
	ReplyToID      *uint64                `json:"reply_to_id,omitempty"`
	ThreadRootID   *uint64                `json:"thread_root_id,omitempty"`
	Reactions      models.ReactionSet     `json:"reactions"`
	IsEdited       bool                   `json:"is_edited"`
	IsDeleted      bool                   `json:"is_deleted"`
	IsPinned       bool                   `json:"is_pinned"`
	IsSystem       bool                   `json:"is_system"`
	EditedAt       *time.Time             `json:"edited_at,omitempty"`
	DeletedAt      *time.Time             `json:"deleted_at,omitempty"`
	PinnedAt       *time.Time             `json:"pinned_at,omitempty"`
	ReadCount      int                    `json:"read_count"`
	FavouriteCount int                    `json:"favourite_count"`
	ReplyCount     int                    `json:"reply_count"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// NewMessageResponse converts a ledger row into a DTO.
func NewMessageResponse(message models.Message) MessageResponse {
	reactions := message.Reactions.Data()
	if reactions == nil {
		reactions = models.ReactionSet{}
	}

	response := MessageResponse{
		ID:             message.ID,
		RoomID:         message.RoomID,
		SenderID:       message.SenderID,
		SenderName:     message.SenderName,
		SenderAvatar:   message.SenderAvatar,
		Type:           message.Type,
		Content:        message.ContentString(),
		ReplyToID:      message.ReplyToID,
		ThreadRootID:   message.ThreadRootID,
		Reactions:      reactions,
		IsEdited:       message.IsEdited,
		IsDeleted:      message.IsDeleted,
		IsPinned:       message.IsPinned,
		IsSystem:       message.IsSystem,
		EditedAt:       message.EditedAt,
		DeletedAt:      message.DeletedAt,
		PinnedAt:       message.PinnedAt,
		ReadCount:      message.ReadCount,
		FavouriteCount: message.FavouriteCount,
		ReplyCount:     message.ReplyCount,
		CreatedAt:      message.CreatedAt,
		UpdatedAt:      message.UpdatedAt,
	}

	payload := message.Payload.Data()
	if payload.Text != nil || payload.Media != nil || payload.System != nil {
		response.Payload = &payload
	}
	return response
}

// NewMessageResponseSlice converts ledger rows into DTOs.
func NewMessageResponseSlice(messages []models.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewMessageResponse(message))
	}
	return out
}

// MutationResponse reports the message after an idempotent mutation and
// whether the call changed anything.
type MutationResponse struct {
	Message MessageResponse `json:"message"`
	Changed bool            `json:"changed"`
}

// ReceiptResponse reports the outcome of a read receipt.
type ReceiptResponse struct {
	MessageID uint64 `json:"message_id"`
	Level     string `json:"level"`
	Applied   bool   `json:"applied"`
}

// TypingUser is one entry of the typing list.
type TypingUser struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// StatusResponse is the presence snapshot of a room seen by one user.
type StatusResponse struct {
	RoomID            uint64       `json:"room_id"`
	Connected         bool         `json:"connected"`
	ActiveConnections int          `json:"active_connections"`
	Typing            []TypingUser `json:"typing"`
}
