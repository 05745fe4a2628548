package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/repository"
)

// MessageRepository 是 repository.MessageRepository 的 mock
type MessageRepository struct {
	mock.Mock
}

var _ repository.MessageRepository = (*MessageRepository)(nil)

func (m *MessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MessageRepository) FindByID(ctx context.Context, roomID, id string) (*domain.Message, error) {
	args := m.Called(ctx, roomID, id)
	msg, _ := args.Get(0).(*domain.Message)
	return msg, args.Error(1)
}

func (m *MessageRepository) UpdateContent(ctx context.Context, roomID, id, content, signature string) error {
	return m.Called(ctx, roomID, id, content, signature).Error(0)
}

func (m *MessageRepository) SoftDelete(ctx context.Context, roomID, id string) error {
	return m.Called(ctx, roomID, id).Error(0)
}

func (m *MessageRepository) UpdateReplyPreviews(ctx context.Context, roomID, replyToID, preview string) ([]domain.Message, error) {
	args := m.Called(ctx, roomID, replyToID, preview)
	msgs, _ := args.Get(0).([]domain.Message)
	return msgs, args.Error(1)
}

func (m *MessageRepository) AddReaction(ctx context.Context, reaction *domain.Reaction) error {
	return m.Called(ctx, reaction).Error(0)
}

func (m *MessageRepository) RemoveReaction(ctx context.Context, messageID, userAid, emoji string) error {
	return m.Called(ctx, messageID, userAid, emoji).Error(0)
}

func (m *MessageRepository) FindByRoom(ctx context.Context, roomID string, limit int, before time.Time) ([]domain.Message, error) {
	args := m.Called(ctx, roomID, limit, before)
	msgs, _ := args.Get(0).([]domain.Message)
	return msgs, args.Error(1)
}
