package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/repository"
)

// appendRetries 是序号冲突时的最大重试次数
const appendRetries = 3

// GormMessageRepository 是 MessageRepository 接口的 GORM 实现
type GormMessageRepository struct {
	db *gorm.DB
}

var _ repository.MessageRepository = (*GormMessageRepository)(nil)

// NewGormMessageRepository 创建 GormMessageRepository 实例
func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	if db == nil {
		panic("database connection cannot be nil for GormMessageRepository")
	}
	return &GormMessageRepository{db: db}
}

// Append 在事务中分配 MAX(sequence)+1 并插入。
// (room_id, sequence) 唯一索引兜底，并发写入冲突时重试。
func (r *GormMessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		lastErr = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxSeq int64
			err := tx.Model(&domain.Message{}).
				Where("room_id = ?", msg.RoomID).
				Select("COALESCE(MAX(sequence), 0)").
				Scan(&maxSeq).Error
			if err != nil {
				return fmt.Errorf("gorm: read max sequence of room '%s': %w", msg.RoomID, err)
			}
			msg.Sequence = maxSeq + 1
			return tx.Omit("Reactions").Create(msg).Error
		})
		if lastErr == nil {
			return nil
		}
		if !isDuplicateEntryError(lastErr) {
			return fmt.Errorf("gorm: append message to room '%s': %w", msg.RoomID, lastErr)
		}
	}
	return fmt.Errorf("gorm: append message to room '%s' after %d attempts: %w", msg.RoomID, appendRetries, lastErr)
}

// FindByID 实现查找消息及其回应
func (r *GormMessageRepository) FindByID(ctx context.Context, roomID, id string) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.WithContext(ctx).Preload("Reactions").
		Where("room_id = ? AND id = ?", roomID, id).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrMessageNotFound
		}
		return nil, fmt.Errorf("gorm: find message '%s' in room '%s': %w", id, roomID, err)
	}
	return &msg, nil
}

func (r *GormMessageRepository) updateFields(ctx context.Context, roomID, id string, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("room_id = ? AND id = ?", roomID, id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("gorm: update message '%s' in room '%s': %w", id, roomID, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrMessageNotFound
	}
	return nil
}

// UpdateContent 实现编辑消息
func (r *GormMessageRepository) UpdateContent(ctx context.Context, roomID, id, content, signature string) error {
	return r.updateFields(ctx, roomID, id, map[string]interface{}{
		"content":   content,
		"signature": signature,
		"edited":    true,
	})
}

// SoftDelete 实现软删除
func (r *GormMessageRepository) SoftDelete(ctx context.Context, roomID, id string) error {
	return r.updateFields(ctx, roomID, id, map[string]interface{}{
		"content":   domain.DeletedContent,
		"signature": "",
		"deleted":   true,
	})
}

// UpdateReplyPreviews 实现同步回复预览，返回被修改的消息
func (r *GormMessageRepository) UpdateReplyPreviews(ctx context.Context, roomID, replyToID, preview string) ([]domain.Message, error) {
	var updated []domain.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&domain.Message{}).
			Where("room_id = ? AND reply_to_id = ?", roomID, replyToID).
			Update("reply_preview", preview).Error
		if err != nil {
			return err
		}
		return tx.Preload("Reactions").
			Where("room_id = ? AND reply_to_id = ?", roomID, replyToID).
			Order("sequence ASC").Find(&updated).Error
	})
	if err != nil {
		return nil, fmt.Errorf("gorm: update reply previews for '%s' in room '%s': %w", replyToID, roomID, err)
	}
	return updated, nil
}

// AddReaction 实现添加回应
func (r *GormMessageRepository) AddReaction(ctx context.Context, reaction *domain.Reaction) error {
	if err := r.db.WithContext(ctx).Create(reaction).Error; err != nil {
		if isDuplicateEntryError(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: add reaction %s to message '%s': %w", reaction.Emoji, reaction.MessageID, err)
	}
	return nil
}

// RemoveReaction 实现删除回应
func (r *GormMessageRepository) RemoveReaction(ctx context.Context, messageID, userAid, emoji string) error {
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_aid = ? AND emoji = ?", messageID, userAid, emoji).
		Delete(&domain.Reaction{}).Error
	if err != nil {
		return fmt.Errorf("gorm: remove reaction %s from message '%s': %w", emoji, messageID, err)
	}
	return nil
}

// FindByRoom 取最近 limit 条（按序号倒序查询），再翻转为升序返回
func (r *GormMessageRepository) FindByRoom(ctx context.Context, roomID string, limit int, before time.Time) ([]domain.Message, error) {
	var msgs []domain.Message
	query := r.db.WithContext(ctx).Preload("Reactions").Where("room_id = ?", roomID)
	if !before.IsZero() {
		query = query.Where("timestamp < ?", before)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Order("sequence DESC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("gorm: find messages of room '%s': %w", roomID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
