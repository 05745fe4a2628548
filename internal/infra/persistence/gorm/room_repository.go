package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/repository"
)

// GormRoomRepository 是 RoomRepository 接口的 GORM 实现
type GormRoomRepository struct {
	db *gorm.DB
}

var _ repository.RoomRepository = (*GormRoomRepository)(nil)

// NewGormRoomRepository 创建 GormRoomRepository 实例
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

// FindByID 实现根据房间 ID 查找房间，连同封禁列表一起加载
func (r *GormRoomRepository) FindByID(ctx context.Context, id string) (*domain.Room, error) {
	var room domain.Room
	err := r.db.WithContext(ctx).Preload("Bans").Where("id = ?", id).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by id '%s': %w", id, err)
	}
	return &room, nil
}

// Save 实现保存房间信息（创建或更新）。封禁列表通过 AddBan 单独维护。
func (r *GormRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	err := r.db.WithContext(ctx).Omit("Bans").Save(room).Error
	if err != nil {
		if isDuplicateEntryError(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: save room (id: %s, name: %s): %w", room.ID, room.Name, err)
	}
	return nil
}

// UpdateHost 实现更新房主
func (r *GormRoomRepository) UpdateHost(ctx context.Context, roomID, hostAid string) error {
	result := r.db.WithContext(ctx).Model(&domain.Room{}).Where("id = ?", roomID).Update("host_aid", hostAid)
	if result.Error != nil {
		return fmt.Errorf("gorm: update host of room '%s': %w", roomID, result.Error)
	}
	if result.RowsAffected == 0 {
		return r.existsOrNotFound(ctx, roomID)
	}
	return nil
}

// UpdateKey 实现保存房间级加密密钥
func (r *GormRoomRepository) UpdateKey(ctx context.Context, roomID, encryptedKey, iv string) error {
	result := r.db.WithContext(ctx).Model(&domain.Room{}).Where("id = ?", roomID).
		Updates(map[string]interface{}{"encrypted_key": encryptedKey, "key_iv": iv})
	if result.Error != nil {
		return fmt.Errorf("gorm: update key of room '%s': %w", roomID, result.Error)
	}
	if result.RowsAffected == 0 {
		return r.existsOrNotFound(ctx, roomID)
	}
	return nil
}

// existsOrNotFound 区分"值未变化"和"房间不存在"两种 RowsAffected == 0 的情况
func (r *GormRoomRepository) existsOrNotFound(ctx context.Context, roomID string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Room{}).Where("id = ?", roomID).Count(&count).Error; err != nil {
		return fmt.Errorf("gorm: count room '%s': %w", roomID, err)
	}
	if count == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

// AddBan 实现追加封禁记录
func (r *GormRoomRepository) AddBan(ctx context.Context, ban *domain.Ban) error {
	if err := r.db.WithContext(ctx).Create(ban).Error; err != nil {
		if isDuplicateEntryError(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: add ban for '%s' in room '%s': %w", ban.UserAid, ban.RoomID, err)
	}
	return nil
}

// ListPublic 实现列出公开房间
func (r *GormRoomRepository) ListPublic(ctx context.Context, region string) ([]domain.Room, error) {
	var rooms []domain.Room
	query := r.db.WithContext(ctx).Where("private = ?", false)
	if region != "" {
		query = query.Where("region = ?", region)
	}
	if err := query.Order("created_at ASC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("gorm: list public rooms (region: %s): %w", region, err)
	}
	return rooms, nil
}

// Delete 在一个事务里删除房间及其全部关联数据
func (r *GormRoomRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messageIDs := tx.Model(&domain.Message{}).Select("id").Where("room_id = ?", id)
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&domain.Reaction{}).Error; err != nil {
			return fmt.Errorf("gorm: delete reactions of room '%s': %w", id, err)
		}
		if err := tx.Where("room_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return fmt.Errorf("gorm: delete messages of room '%s': %w", id, err)
		}
		if err := tx.Where("room_id = ?", id).Delete(&domain.Participant{}).Error; err != nil {
			return fmt.Errorf("gorm: delete participants of room '%s': %w", id, err)
		}
		if err := tx.Where("room_id = ?", id).Delete(&domain.Ban{}).Error; err != nil {
			return fmt.Errorf("gorm: delete bans of room '%s': %w", id, err)
		}
		result := tx.Where("id = ?", id).Delete(&domain.Room{})
		if result.Error != nil {
			return fmt.Errorf("gorm: delete room '%s': %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return repository.ErrRoomNotFound
		}
		return nil
	})
}
