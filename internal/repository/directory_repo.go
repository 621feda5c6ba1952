package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/models"
)

// DirectoryRepository reads users, rooms and memberships owned by the
// external identity and room administration services.
type DirectoryRepository interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetRoom(ctx context.Context, roomID uint64) (models.Room, error)
	Participant(ctx context.Context, roomID uint64, userID string) (models.RoomParticipant, error)
}

type directoryRepository struct {
	db *gorm.DB
}

// NewDirectoryRepository constructs a directory repository backed by GORM.
func NewDirectoryRepository(db *gorm.DB) DirectoryRepository {
	return &directoryRepository{db: db}
}

// DirectoryTables lists the tables read by the directory repository.
func DirectoryTables() []interface{} {
	return []interface{}{&models.User{}, &models.Room{}, &models.RoomParticipant{}}
}

func (r *directoryRepository) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, apperror.NotFound("user %s", userID)
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *directoryRepository) GetRoom(ctx context.Context, roomID uint64) (models.Room, error) {
	var room models.Room
	if err := r.db.WithContext(ctx).Where("id = ? AND is_active = ?", roomID, true).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Room{}, apperror.NotFound("room %d", roomID)
		}
		return models.Room{}, err
	}
	return room, nil
}

func (r *directoryRepository) Participant(ctx context.Context, roomID uint64, userID string) (models.RoomParticipant, error) {
	var participant models.RoomParticipant
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&participant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.RoomParticipant{}, apperror.NotFound("participant %s in room %d", userID, roomID)
		}
		return models.RoomParticipant{}, err
	}
	return participant, nil
}
