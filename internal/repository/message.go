package repository

import (
	"context"
	"time"

	"anon-chatroom/internal/domain"
)

// MessageRepository 定义了消息的持久化操作。
type MessageRepository interface {
	// Append 保存新消息并分配房间内严格递增的序号（写回 msg.Sequence）。
	// 序号由存储分配，调用方不得自行设置。
	Append(ctx context.Context, msg *domain.Message) error

	// FindByID 查找房间内的一条消息（包含回应）。
	FindByID(ctx context.Context, roomID, id string) (*domain.Message, error)

	// UpdateContent 更新消息内容和签名并标记 edited。
	UpdateContent(ctx context.Context, roomID, id, content, signature string) error

	// SoftDelete 用删除占位内容替换消息并清空签名。
	SoftDelete(ctx context.Context, roomID, id string) error

	// UpdateReplyPreviews 把所有引用 replyToID 的消息的预览改为 preview，返回受影响的消息。
	UpdateReplyPreviews(ctx context.Context, roomID, replyToID, preview string) ([]domain.Message, error)

	// AddReaction 添加回应，重复时返回 ErrDuplicateEntry。
	AddReaction(ctx context.Context, reaction *domain.Reaction) error

	// RemoveReaction 删除 (messageID, userAid, emoji) 回应。
	RemoveReaction(ctx context.Context, messageID, userAid, emoji string) error

	// FindByRoom 返回 before 之前（零值表示不限）最近的 limit 条消息，按序号升序。
	FindByRoom(ctx context.Context, roomID string, limit int, before time.Time) ([]domain.Message, error)
}
