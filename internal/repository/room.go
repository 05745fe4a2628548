package repository

import (
	"context"

	"anon-chatroom/internal/domain"
)

// RoomRepository 定义了房间数据的存储和检索操作。
type RoomRepository interface {
	// FindByID 根据房间 ID 查找房间（包含封禁列表）。不存在时返回 ErrRoomNotFound。
	FindByID(ctx context.Context, id string) (*domain.Room, error)

	// Save 创建或更新房间。名称冲突时返回 ErrDuplicateEntry。
	Save(ctx context.Context, room *domain.Room) error

	// UpdateHost 设置房间的当前房主，空串表示清空。
	UpdateHost(ctx context.Context, roomID, hostAid string) error

	// UpdateKey 保存房间级加密密钥和 IV。
	UpdateKey(ctx context.Context, roomID, encryptedKey, iv string) error

	// AddBan 追加一条封禁记录。
	AddBan(ctx context.Context, ban *domain.Ban) error

	// ListPublic 列出非私有房间，region 为空时不过滤。
	ListPublic(ctx context.Context, region string) ([]domain.Room, error)

	// Delete 删除房间及其成员、消息、封禁记录。
	Delete(ctx context.Context, id string) error
}
