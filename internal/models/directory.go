package models

import "time"

// User is the identity record owned by the external identity service.
type User struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:255" json:"name"`
	Avatar    string    `gorm:"size:512" json:"avatar"`
	Email     string    `gorm:"size:255" json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Room is the tenant boundary. Each room owns exactly one storage partition.
type Room struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	Code      string    `gorm:"size:64;uniqueIndex;not null" json:"code"`
	Name      string    `gorm:"size:255" json:"name"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participant roles recognised by the chat core.
const (
	RoleOwner     = "owner"
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleMember    = "member"
)

// RoomParticipant links a user to a room with a role.
type RoomParticipant struct {
	ID       uint64    `gorm:"primaryKey" json:"id"`
	RoomID   uint64    `gorm:"not null;uniqueIndex:idx_room_participants_room_user" json:"room_id"`
	UserID   string    `gorm:"size:64;not null;uniqueIndex:idx_room_participants_room_user" json:"user_id"`
	Role     string    `gorm:"size:32;not null;default:member" json:"role"`
	IsActive bool      `gorm:"not null;default:true" json:"is_active"`
	JoinedAt time.Time `json:"joined_at"`
}

// CanModerate reports whether the participant may delete others' messages and pin.
func (p RoomParticipant) CanModerate() bool {
	switch p.Role {
	case RoleOwner, RoleAdmin, RoleModerator:
		return true
	default:
		return false
	}
}
