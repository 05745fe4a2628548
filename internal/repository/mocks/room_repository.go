// Package mocks 提供基于 testify/mock 的存储库替身，供服务层测试使用。
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/repository"
)

// RoomRepository 是 repository.RoomRepository 的 mock
type RoomRepository struct {
	mock.Mock
}

var _ repository.RoomRepository = (*RoomRepository)(nil)

func (m *RoomRepository) FindByID(ctx context.Context, id string) (*domain.Room, error) {
	args := m.Called(ctx, id)
	room, _ := args.Get(0).(*domain.Room)
	return room, args.Error(1)
}

func (m *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	return m.Called(ctx, room).Error(0)
}

func (m *RoomRepository) UpdateHost(ctx context.Context, roomID, hostAid string) error {
	return m.Called(ctx, roomID, hostAid).Error(0)
}

func (m *RoomRepository) UpdateKey(ctx context.Context, roomID, encryptedKey, iv string) error {
	return m.Called(ctx, roomID, encryptedKey, iv).Error(0)
}

func (m *RoomRepository) AddBan(ctx context.Context, ban *domain.Ban) error {
	return m.Called(ctx, ban).Error(0)
}

func (m *RoomRepository) ListPublic(ctx context.Context, region string) ([]domain.Room, error) {
	args := m.Called(ctx, region)
	rooms, _ := args.Get(0).([]domain.Room)
	return rooms, args.Error(1)
}

func (m *RoomRepository) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
