package repository

import (
	"context"
	"time"

	"anon-chatroom/internal/domain"
)

// ParticipantRepository 定义了房间成员记录的操作。
type ParticipantRepository interface {
	// Find 查找 (roomID, userAid) 的成员记录，包括已离开的。
	Find(ctx context.Context, roomID, userAid string) (*domain.Participant, error)

	// Upsert 按 (RoomID, UserAid) 插入或覆盖成员记录。
	Upsert(ctx context.Context, p *domain.Participant) error

	// MarkLeft 记录成员离开时间。
	MarkLeft(ctx context.Context, roomID, userAid string, at time.Time) error

	// ListPresent 返回 LeftAt 为空的成员，按 JoinedAt 升序。
	ListPresent(ctx context.Context, roomID string) ([]domain.Participant, error)

	// SaveKeys 为每个身份保存各自的加密房间密钥。
	SaveKeys(ctx context.Context, roomID string, keys []domain.KeyBlob) error
}
