package repository

import (
	"context"
	"time"

	"anon-chatroom/internal/domain"
)

// SharedCache 是跨进程共享的缓存层，通常由 Redis 实现。
// 未命中时返回 ErrCacheMiss，其余错误调用方应视为未命中处理。
type SharedCache interface {
	// === Room message history ===

	GetMessages(ctx context.Context, roomID string) ([]domain.Message, error)
	SetMessages(ctx context.Context, roomID string, msgs []domain.Message, ttl time.Duration) error
	// AppendMessage 仅在历史已缓存时追加，并裁剪到窗口大小。
	AppendMessage(ctx context.Context, roomID string, msg domain.Message, ttl time.Duration) error
	// ReplaceMessages 按 ID 覆盖已缓存的消息副本。
	ReplaceMessages(ctx context.Context, roomID string, msgs []domain.Message) error
	DeleteMessages(ctx context.Context, roomID string) error

	// === Room listing ===

	GetRooms(ctx context.Context) ([]domain.Room, error)
	SetRooms(ctx context.Context, rooms []domain.Room, ttl time.Duration) error
	DeleteRooms(ctx context.Context) error
}
