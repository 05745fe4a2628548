package memory

import (
	"context"
	"sort"
	"time"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/repository"
)

// RoomRepository 是 repository.RoomRepository 的内存实现
type RoomRepository struct{ s *Store }

var _ repository.RoomRepository = (*RoomRepository)(nil)

func (r *RoomRepository) FindByID(ctx context.Context, id string) (*domain.Room, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	room, ok := r.s.rooms[id]
	if !ok {
		return nil, repository.ErrRoomNotFound
	}
	return copyRoom(room), nil
}

func (r *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.rooms {
		if existing.Name == room.Name && id != room.ID {
			return repository.ErrDuplicateEntry
		}
	}
	now := time.Now().UTC()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.UpdatedAt = now
	r.s.rooms[room.ID] = copyRoom(room)
	return nil
}

func (r *RoomRepository) UpdateHost(ctx context.Context, roomID, hostAid string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	room, ok := r.s.rooms[roomID]
	if !ok {
		return repository.ErrRoomNotFound
	}
	room.HostAid = hostAid
	return nil
}

func (r *RoomRepository) UpdateKey(ctx context.Context, roomID, encryptedKey, iv string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	room, ok := r.s.rooms[roomID]
	if !ok {
		return repository.ErrRoomNotFound
	}
	room.EncryptedKey = encryptedKey
	room.KeyIV = iv
	return nil
}

func (r *RoomRepository) AddBan(ctx context.Context, ban *domain.Ban) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	room, ok := r.s.rooms[ban.RoomID]
	if !ok {
		return repository.ErrRoomNotFound
	}
	if room.IsBanned(ban.UserAid) {
		return repository.ErrDuplicateEntry
	}
	room.Bans = append(room.Bans, *ban)
	return nil
}

func (r *RoomRepository) ListPublic(ctx context.Context, region string) ([]domain.Room, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rooms := make([]domain.Room, 0, len(r.s.rooms))
	for _, room := range r.s.rooms {
		if room.Private || (region != "" && room.Region != region) {
			continue
		}
		rooms = append(rooms, *copyRoom(room))
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.Before(rooms[j].CreatedAt) })
	return rooms, nil
}

func (r *RoomRepository) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.rooms[id]; !ok {
		return repository.ErrRoomNotFound
	}
	delete(r.s.rooms, id)
	delete(r.s.participants, id)
	delete(r.s.messages, id)
	delete(r.s.sequences, id)
	return nil
}
