package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/repository"
)

// ParticipantRepository 是 repository.ParticipantRepository 的 mock
type ParticipantRepository struct {
	mock.Mock
}

var _ repository.ParticipantRepository = (*ParticipantRepository)(nil)

func (m *ParticipantRepository) Find(ctx context.Context, roomID, userAid string) (*domain.Participant, error) {
	args := m.Called(ctx, roomID, userAid)
	p, _ := args.Get(0).(*domain.Participant)
	return p, args.Error(1)
}

func (m *ParticipantRepository) Upsert(ctx context.Context, p *domain.Participant) error {
	return m.Called(ctx, p).Error(0)
}

func (m *ParticipantRepository) MarkLeft(ctx context.Context, roomID, userAid string, at time.Time) error {
	return m.Called(ctx, roomID, userAid, at).Error(0)
}

func (m *ParticipantRepository) ListPresent(ctx context.Context, roomID string) ([]domain.Participant, error) {
	args := m.Called(ctx, roomID)
	ps, _ := args.Get(0).([]domain.Participant)
	return ps, args.Error(1)
}

func (m *ParticipantRepository) SaveKeys(ctx context.Context, roomID string, keys []domain.KeyBlob) error {
	return m.Called(ctx, roomID, keys).Error(0)
}
