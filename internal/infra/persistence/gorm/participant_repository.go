package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/repository"
)

// GormParticipantRepository 是 ParticipantRepository 接口的 GORM 实现
type GormParticipantRepository struct {
	db *gorm.DB
}

var _ repository.ParticipantRepository = (*GormParticipantRepository)(nil)

// NewGormParticipantRepository 创建 GormParticipantRepository 实例
func NewGormParticipantRepository(db *gorm.DB) *GormParticipantRepository {
	if db == nil {
		panic("database connection cannot be nil for GormParticipantRepository")
	}
	return &GormParticipantRepository{db: db}
}

// Find 实现查找成员记录
func (r *GormParticipantRepository) Find(ctx context.Context, roomID, userAid string) (*domain.Participant, error) {
	var p domain.Participant
	err := r.db.WithContext(ctx).Where("room_id = ? AND user_aid = ?", roomID, userAid).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("gorm: find participant '%s' in room '%s': %w", userAid, roomID, err)
	}
	return &p, nil
}

// Upsert 按 (room_id, user_aid) 唯一索引插入或更新
func (r *GormParticipantRepository) Upsert(ctx context.Context, p *domain.Participant) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}, {Name: "user_aid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "signing_public_key", "encryption_public_key", "joined_at", "left_at",
		}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("gorm: upsert participant '%s' in room '%s': %w", p.UserAid, p.RoomID, err)
	}
	return nil
}

// MarkLeft 实现记录离开时间
func (r *GormParticipantRepository) MarkLeft(ctx context.Context, roomID, userAid string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&domain.Participant{}).
		Where("room_id = ? AND user_aid = ?", roomID, userAid).
		Update("left_at", at)
	if result.Error != nil {
		return fmt.Errorf("gorm: mark participant '%s' left room '%s': %w", userAid, roomID, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrParticipantNotFound
	}
	return nil
}

// ListPresent 实现列出当前在房间内的成员
func (r *GormParticipantRepository) ListPresent(ctx context.Context, roomID string) ([]domain.Participant, error) {
	var participants []domain.Participant
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Order("joined_at ASC").Order("user_aid ASC").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list present participants of room '%s': %w", roomID, err)
	}
	return participants, nil
}

// SaveKeys 在一个事务里写入各身份的加密房间密钥
func (r *GormParticipantRepository) SaveKeys(ctx context.Context, roomID string, keys []domain.KeyBlob) error {
	if len(keys) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, k := range keys {
			err := tx.Model(&domain.Participant{}).
				Where("room_id = ? AND user_aid = ?", roomID, k.UserAid).
				Updates(map[string]interface{}{"encrypted_room_key": k.EncryptedKey, "room_key_iv": k.IV}).Error
			if err != nil {
				return fmt.Errorf("gorm: save key for '%s' in room '%s': %w", k.UserAid, roomID, err)
			}
		}
		return nil
	})
}
