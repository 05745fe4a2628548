package memory

import (
	"context"
	"sort"
	"time"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/repository"
)

// ParticipantRepository 是 repository.ParticipantRepository 的内存实现
type ParticipantRepository struct{ s *Store }

var _ repository.ParticipantRepository = (*ParticipantRepository)(nil)

func (r *ParticipantRepository) Find(ctx context.Context, roomID, userAid string) (*domain.Participant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.participants[roomID][userAid]
	if !ok {
		return nil, repository.ErrParticipantNotFound
	}
	return copyParticipant(p), nil
}

func (r *ParticipantRepository) Upsert(ctx context.Context, p *domain.Participant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byAid, ok := r.s.participants[p.RoomID]
	if !ok {
		byAid = make(map[string]*domain.Participant)
		r.s.participants[p.RoomID] = byAid
	}
	byAid[p.UserAid] = copyParticipant(p)
	return nil
}

func (r *ParticipantRepository) MarkLeft(ctx context.Context, roomID, userAid string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.participants[roomID][userAid]
	if !ok {
		return repository.ErrParticipantNotFound
	}
	left := at
	p.LeftAt = &left
	return nil
}

func (r *ParticipantRepository) ListPresent(ctx context.Context, roomID string) ([]domain.Participant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.Participant, 0, len(r.s.participants[roomID]))
	for _, p := range r.s.participants[roomID] {
		if p.Present() {
			out = append(out, *copyParticipant(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserAid < out[j].UserAid
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (r *ParticipantRepository) SaveKeys(ctx context.Context, roomID string, keys []domain.KeyBlob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, k := range keys {
		if p, ok := r.s.participants[roomID][k.UserAid]; ok {
			p.EncryptedRoomKey = k.EncryptedKey
			p.RoomKeyIV = k.IV
		}
	}
	return nil
}
