package models

import (
	"time"

	"gorm.io/datatypes"
)

// ReadLevel orders the read-receipt states. Receipts only move forward.
type ReadLevel int

const (
	ReadLevelDelivered ReadLevel = iota + 1
	ReadLevelRead
	ReadLevelSeen
)

// ParseReadLevel converts the wire name of a read level. Empty input means "read".
func ParseReadLevel(value string) (ReadLevel, bool) {
	switch value {
	case "delivered":
		return ReadLevelDelivered, true
	case "", "read":
		return ReadLevelRead, true
	case "seen":
		return ReadLevelSeen, true
	default:
		return 0, false
	}
}

func (l ReadLevel) String() string {
	switch l {
	case ReadLevelDelivered:
		return "delivered"
	case ReadLevelRead:
		return "read"
	case ReadLevelSeen:
		return "seen"
	default:
		return "unknown"
	}
}

// MessageRead is the read receipt of one reader for one message.
type MessageRead struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID uint64    `gorm:"not null;uniqueIndex:idx_message_reads_message_reader" json:"message_id"`
	ReaderID  string    `gorm:"size:64;not null;uniqueIndex:idx_message_reads_message_reader" json:"reader_id"`
	Level     ReadLevel `gorm:"not null" json:"level"`
	ReadAt    time.Time `json:"read_at"`
}

// MessageFavourite marks a message as starred by a user.
type MessageFavourite struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID uint64    `gorm:"not null;uniqueIndex:idx_message_favourites_message_user" json:"message_id"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex:idx_message_favourites_message_user" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageTranslation caches the output of the external translation service.
type MessageTranslation struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID uint64    `gorm:"not null;uniqueIndex:idx_message_translations_message_lang" json:"message_id"`
	Language  string    `gorm:"size:16;not null;uniqueIndex:idx_message_translations_message_lang" json:"language"`
	Content   string    `gorm:"type:text" json:"content"`
	Provider  string    `gorm:"size:64" json:"provider"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageFile is the attachment metadata of a media message.
type MessageFile struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID uint64    `gorm:"not null;index" json:"message_id"`
	Name      string    `gorm:"size:255" json:"name"`
	MimeType  string    `gorm:"size:128" json:"mime_type"`
	Extension string    `gorm:"size:16" json:"extension"`
	Size      int64     `json:"size"`
	URL       string    `gorm:"size:1024" json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// DailyStat aggregates ledger activity for one room and one UTC day.
type DailyStat struct {
	ID           uint64                       `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID       uint64                       `gorm:"not null;uniqueIndex:idx_daily_stats_room_day" json:"room_id"`
	Day          string                       `gorm:"size:10;not null;uniqueIndex:idx_daily_stats_room_day" json:"day"`
	MessageCount int                          `gorm:"not null;default:0" json:"message_count"`
	EditedCount  int                          `gorm:"not null;default:0" json:"edited_count"`
	DeletedCount int                          `gorm:"not null;default:0" json:"deleted_count"`
	Senders      datatypes.JSONType[[]string] `json:"senders"`
	UpdatedAt    time.Time                    `json:"updated_at"`
}

// PartitionTables lists every table provisioned inside a room partition.
func PartitionTables() []interface{} {
	return []interface{}{
		&Message{},
		&MessageRead{},
		&MessageFavourite{},
		&MessageTranslation{},
		&MessageFile{},
		&DailyStat{},
	}
}
