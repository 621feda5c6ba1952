package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/models"
	"github.com/noah-isme/roomchat-api/internal/tenant"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// ListOptions narrows a ListSince query.
type ListOptions struct {
	Limit          int
	IncludeDeleted bool
}

// MessageLedger is the authoritative, append-mostly message table of one room.
// Every instance is bound to a single partition handle.
type MessageLedger interface {
	Append(ctx context.Context, message *models.Message) error
	Get(ctx context.Context, id uint64) (models.Message, error)
	Edit(ctx context.Context, id uint64, content, editorID string) (models.Message, error)
	Delete(ctx context.Context, id uint64, deleterID, reason string) (models.Message, error)
	AddReaction(ctx context.Context, id uint64, userID, emoji string) (models.Message, bool, error)
	RemoveReaction(ctx context.Context, id uint64, userID, emoji string) (models.Message, bool, error)
	MarkRead(ctx context.Context, id uint64, readerID string, level models.ReadLevel) (bool, error)
	SetPinned(ctx context.Context, id uint64, userID string, pinned bool) (models.Message, error)
	AddFavourite(ctx context.Context, id uint64, userID string) (models.Message, bool, error)
	RemoveFavourite(ctx context.Context, id uint64, userID string) (models.Message, bool, error)
	ListSince(ctx context.Context, cursor uint64, opts ListOptions) ([]models.Message, error)
	Thread(ctx context.Context, rootID uint64, limit int) ([]models.Message, error)
	Pinned(ctx context.Context) ([]models.Message, error)
	LatestID(ctx context.Context) (uint64, error)
	Readers(ctx context.Context, id uint64) ([]models.MessageRead, error)
	Files(ctx context.Context, id uint64) ([]models.MessageFile, error)
	SaveTranslation(ctx context.Context, translation *models.MessageTranslation) error
	Translation(ctx context.Context, id uint64, language string) (models.MessageTranslation, error)
	Stats(ctx context.Context, day time.Time) (models.DailyStat, error)
}

type messageLedger struct {
	db     *gorm.DB
	roomID uint64
	retry  RetryPolicy
}

// NewMessageLedger binds a ledger to the partition of handle.
func NewMessageLedger(handle *tenant.Handle, policy RetryPolicy) MessageLedger {
	return &messageLedger{
		db:     handle.DB(),
		roomID: handle.Room().ID,
		retry:  policy.normalised(),
	}
}

func (l *messageLedger) Append(ctx context.Context, message *models.Message) error {
	if message == nil {
		return apperror.InvalidArgument("message is required")
	}
	if message.RoomID != 0 && message.RoomID != l.roomID {
		return apperror.InvalidArgument("message belongs to room %d, ledger serves room %d", message.RoomID, l.roomID)
	}

	return l.retry.run(ctx, func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			message.ID = 0
			message.RoomID = l.roomID
			message.ThreadRootID = nil

			if message.ReplyToID != nil {
				var parent models.Message
				if err := tx.Select("id", "thread_root_id").First(&parent, *message.ReplyToID).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return apperror.NotFound("reply target %d", *message.ReplyToID)
					}
					return err
				}
				root := parent.ID
				if parent.ThreadRootID != nil {
					root = *parent.ThreadRootID
				}
				message.ThreadRootID = &root
			}

			if err := tx.Create(message).Error; err != nil {
				return err
			}

			if message.ThreadRootID != nil {
				if err := tx.Model(&models.Message{}).
					Where("id = ?", *message.ThreadRootID).
					UpdateColumn("reply_count", gorm.Expr("reply_count + ?", 1)).Error; err != nil {
					return err
				}
			}

			if media := message.Payload.Data().Media; media != nil {
				for _, attachment := range media.Attachments {
					file := models.MessageFile{
						MessageID: message.ID,
						Name:      attachment.Name,
						MimeType:  attachment.MimeType,
						Extension: attachment.Extension,
						Size:      attachment.Size,
						URL:       attachment.URL,
					}
					if err := tx.Create(&file).Error; err != nil {
						return err
					}
				}
			}

			return l.bumpStats(tx, message.CreatedAt, func(stat *models.DailyStat) {
				stat.MessageCount++
				senders := stat.Senders.Data()
				idx := sort.SearchStrings(senders, message.SenderID)
				if idx == len(senders) || senders[idx] != message.SenderID {
					senders = append(senders, "")
					copy(senders[idx+1:], senders[idx:])
					senders[idx] = message.SenderID
				}
				stat.Senders = datatypes.NewJSONType(senders)
			})
		})
	})
}

func (l *messageLedger) Get(ctx context.Context, id uint64) (models.Message, error) {
	var message models.Message
	err := l.retry.run(ctx, func() error {
		return l.load(l.db.WithContext(ctx), id, &message)
	})
	return message, err
}

func (l *messageLedger) Edit(ctx context.Context, id uint64, content, editorID string) (models.Message, error) {
	var message models.Message
	err := l.retry.run(ctx, func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := l.load(tx, id, &message); err != nil {
				return err
			}
			if message.IsSystem || message.Type == models.MessageTypeSystem {
				return apperror.Validation("system messages cannot be edited")
			}
			if message.IsDeleted {
				return apperror.Validation("deleted messages cannot be edited")
			}

			now := time.Now().UTC()
			if err := tx.Model(&message).Updates(map[string]interface{}{
				"content":   content,
				"is_edited": true,
				"edited_at": now,
				"edited_by": editorID,
			}).Error; err != nil {
				return err
			}
			message.Content = &content
			message.IsEdited = true
			message.EditedAt = &now
			message.EditedBy = editorID

			return l.bumpStats(tx, now, func(stat *models.DailyStat) { stat.EditedCount++ })
		})
	})
	return message, err
}

func (l *messageLedger) Delete(ctx context.Context, id uint64, deleterID, reason string) (models.Message, error) {
	var message models.Message
	err := l.retry.run(ctx, func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := l.load(tx, id, &message); err != nil {
				return err
			}
			if message.IsDeleted {
				return nil
			}

			now := time.Now().UTC()
			if err := tx.Model(&message).Updates(map[string]interface{}{
				"is_deleted":    true,
				"deleted_at":    now,
				"deleted_by":    deleterID,
				"delete_reason": reason,
			}).Error; err != nil {
				return err
			}
			message.IsDeleted = true
			message.DeletedAt = &now
			message.DeletedBy = deleterID
			message.DeleteReason = reason

			return l.bumpStats(tx, now, func(stat *models.DailyStat) { stat.DeletedCount++ })
		})
	})
	return message, err
}

func (l *messageLedger) AddReaction(ctx context.Context, id uint64, userID, emoji string) (models.Message, bool, error) {
	return l.mutateReactions(ctx, id, func(set models.ReactionSet) bool {
		return set.Add(emoji, userID)
	})
}

func (l *messageLedger) RemoveReaction(ctx context.Context, id uint64, userID, emoji string) (models.Message, bool, error) {
	return l.mutateReactions(ctx, id, func(set models.ReactionSet) bool {
		return set.Remove(emoji, userID)
	})
}

func (l *messageLedger) mutateReactions(ctx context.Context, id uint64, mutate func(models.ReactionSet) bool) (models.Message, bool, error) {
	var (
		message models.Message
		changed bool
	)
	err := l.retry.run(ctx, func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := l.load(tx, id, &message); err != nil {
				return err
			}
			set := message.Reactions.Data().Clone()
			changed = mutate(set)
			if !changed {
				return nil
			}
			message.Reactions = datatypes.NewJSONType(set)
			return tx.Model(&message).Update("reactions", message.Reactions).Error
		})
	})
	return message, changed, err
}

func (l *messageLedger) MarkRead(ctx context.Context, id uint64, readerID string, level models.ReadLevel) (bool, error) {
	if level < models.ReadLevelDelivered || level > models.ReadLevelSeen {
		return false, apperror.InvalidArgument("unknown read level %d", level)
	}

	var applied bool
	err := l.retry.run(ctx, func() error {
		applied = false
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var message models.Message
			if err := tx.Select("id", "sender_id").First(&message, id).Error; err != nil {
				return err
			}
			if message.SenderID == readerID {
				return nil
			}

			now := time.Now().UTC()
			var receipt models.MessageRead
			err := tx.Where("message_id = ? AND reader_id = ?", id, readerID).First(&receipt).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				receipt = models.MessageRead{MessageID: id, ReaderID: readerID, Level: level, ReadAt: now}
				if err := tx.Create(&receipt).Error; err != nil {
					return err
				}
				if err := tx.Model(&models.Message{}).Where("id = ?", id).
					UpdateColumn("read_count", gorm.Expr("read_count + ?", 1)).Error; err != nil {
					return err
				}
				applied = true
				return nil
			case err != nil:
				return err
			case receipt.Level >= level:
				return nil
			default:
				applied = true
				return tx.Model(&receipt).Updates(map[string]interface{}{"level": level, "read_at": now}).Error
			}
		})
	})
	return applied, err
}

func (l *messageLedger) SetPinned(ctx context.Context, id uint64, userID string, pinned bool) (models.Message, error) {
	var message models.Message
	err := l.retry.run(ctx, func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := l.load(tx, id, &message); err != nil {
				return err
			}
			if message.IsPinned == pinned {
				return nil
			}

			updates := map[string]interface{}{"is_pinned": pinned, "pinned_at": nil, "pinned_by": ""}
			message.PinnedAt = nil
			message.PinnedBy = ""
			if pinned {
				now := time.Now().UTC()
				updates["pinned_at"] = now
				updates["pinned_by"] = userID
				message.PinnedAt = &now
				message.PinnedBy = userID
			}
			message.IsPinned = pinned
			return tx.Model(&message).Updates(updates).Error
		})
	})
	return message, err
}

func (l *messageLedger) AddFavourite(ctx context.Context, id uint64, userID string) (models.Message, bool, error) {
	var (
		message models.Message
		changed bool
	)
	err := l.retry.run(ctx, func() error {
		changed = false
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := l.load(tx, id, &message); err != nil {
				return err
			}
			favourite := models.MessageFavourite{MessageID: id, UserID: userID}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&favourite)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			changed = true
			message.FavouriteCount++
			return tx.Model(&models.Message{}).Where("id = ?", id).
				UpdateColumn("favourite_count", gorm.Expr("favourite_count + ?", 1)).Error
		})
	})
	return message, changed, err
}

func (l *messageLedger) RemoveFavourite(ctx context.Context, id uint64, userID string) (models.Message, bool, error) {
	var (
		message models.Message
		changed bool
	)
	err := l.retry.run(ctx, func() error {
		changed = false
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := l.load(tx, id, &message); err != nil {
				return err
			}
			result := tx.Where("message_id = ? AND user_id = ?", id, userID).Delete(&models.MessageFavourite{})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			changed = true
			message.FavouriteCount--
			return tx.Model(&models.Message{}).Where("id = ? AND favourite_count > 0", id).
				UpdateColumn("favourite_count", gorm.Expr("favourite_count - ?", 1)).Error
		})
	})
	return message, changed, err
}

func (l *messageLedger) ListSince(ctx context.Context, cursor uint64, opts ListOptions) ([]models.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var messages []models.Message
	err := l.retry.run(ctx, func() error {
		query := l.db.WithContext(ctx).Where("id > ?", cursor)
		if !opts.IncludeDeleted {
			query = query.Where("is_deleted = ?", false)
		}
		return query.Order("id ASC").Limit(limit).Find(&messages).Error
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (l *messageLedger) Thread(ctx context.Context, rootID uint64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var messages []models.Message
	err := l.retry.run(ctx, func() error {
		var root models.Message
		if err := l.load(l.db.WithContext(ctx), rootID, &root); err != nil {
			return err
		}
		return l.db.WithContext(ctx).
			Where("id = ? OR thread_root_id = ?", rootID, rootID).
			Order("id ASC").
			Limit(limit).
			Find(&messages).Error
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (l *messageLedger) Pinned(ctx context.Context) ([]models.Message, error) {
	var messages []models.Message
	err := l.retry.run(ctx, func() error {
		return l.db.WithContext(ctx).
			Where("is_pinned = ? AND is_deleted = ?", true, false).
			Order("pinned_at DESC").
			Limit(maxListLimit).
			Find(&messages).Error
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (l *messageLedger) LatestID(ctx context.Context) (uint64, error) {
	var latest uint64
	err := l.retry.run(ctx, func() error {
		return l.db.WithContext(ctx).Model(&models.Message{}).
			Select("COALESCE(MAX(id), 0)").
			Scan(&latest).Error
	})
	return latest, err
}

func (l *messageLedger) Readers(ctx context.Context, id uint64) ([]models.MessageRead, error) {
	var receipts []models.MessageRead
	err := l.retry.run(ctx, func() error {
		return l.db.WithContext(ctx).Where("message_id = ?", id).Order("read_at ASC").Find(&receipts).Error
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

func (l *messageLedger) Files(ctx context.Context, id uint64) ([]models.MessageFile, error) {
	var files []models.MessageFile
	err := l.retry.run(ctx, func() error {
		return l.db.WithContext(ctx).Where("message_id = ?", id).Order("id ASC").Find(&files).Error
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (l *messageLedger) SaveTranslation(ctx context.Context, translation *models.MessageTranslation) error {
	if translation == nil || translation.Language == "" {
		return apperror.InvalidArgument("translation language is required")
	}

	return l.retry.run(ctx, func() error {
		var message models.Message
		if err := l.load(l.db.WithContext(ctx), translation.MessageID, &message); err != nil {
			return err
		}
		return l.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "language"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "provider", "updated_at"}),
		}).Create(translation).Error
	})
}

func (l *messageLedger) Translation(ctx context.Context, id uint64, language string) (models.MessageTranslation, error) {
	var translation models.MessageTranslation
	err := l.retry.run(ctx, func() error {
		return l.db.WithContext(ctx).Where("message_id = ? AND language = ?", id, language).First(&translation).Error
	})
	return translation, err
}

func (l *messageLedger) Stats(ctx context.Context, day time.Time) (models.DailyStat, error) {
	var stat models.DailyStat
	err := l.retry.run(ctx, func() error {
		return l.db.WithContext(ctx).
			Where("room_id = ? AND day = ?", l.roomID, day.UTC().Format(time.DateOnly)).
			First(&stat).Error
	})
	return stat, err
}

func (l *messageLedger) load(tx *gorm.DB, id uint64, message *models.Message) error {
	if err := tx.First(message, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.NotFound("message %d", id)
		}
		return err
	}
	return nil
}

func (l *messageLedger) bumpStats(tx *gorm.DB, at time.Time, apply func(*models.DailyStat)) error {
	if at.IsZero() {
		at = time.Now()
	}
	stat := models.DailyStat{RoomID: l.roomID, Day: at.UTC().Format(time.DateOnly)}
	if err := tx.Where("room_id = ? AND day = ?", stat.RoomID, stat.Day).FirstOrCreate(&stat).Error; err != nil {
		return err
	}
	apply(&stat)
	return tx.Save(&stat).Error
}
