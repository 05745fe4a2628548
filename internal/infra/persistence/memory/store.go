// Package memory 提供进程内的存储实现，用于本地开发（DB_DRIVER=memory）和测试。
package memory

import (
	"sync"

	"anon-chatroom/internal/domain"
)

// Store 是三个仓库共享的进程内数据。所有仓库方法返回副本。
type Store struct {
	mu           sync.Mutex
	rooms        map[string]*domain.Room
	participants map[string]map[string]*domain.Participant // roomID -> userAid
	messages     map[string][]*domain.Message              // roomID -> 按序号升序
	sequences    map[string]int64
}

// NewStore 创建空的内存存储。
func NewStore() *Store {
	return &Store{
		rooms:        make(map[string]*domain.Room),
		participants: make(map[string]map[string]*domain.Participant),
		messages:     make(map[string][]*domain.Message),
		sequences:    make(map[string]int64),
	}
}

// Rooms 返回房间仓库。
func (s *Store) Rooms() *RoomRepository { return &RoomRepository{s: s} }

// Participants 返回成员仓库。
func (s *Store) Participants() *ParticipantRepository { return &ParticipantRepository{s: s} }

// Messages 返回消息仓库。
func (s *Store) Messages() *MessageRepository { return &MessageRepository{s: s} }

func copyRoom(r *domain.Room) *domain.Room {
	c := *r
	c.Bans = append([]domain.Ban(nil), r.Bans...)
	return &c
}

func copyParticipant(p *domain.Participant) *domain.Participant {
	c := *p
	if p.LeftAt != nil {
		left := *p.LeftAt
		c.LeftAt = &left
	}
	return &c
}

func copyMessage(m *domain.Message) *domain.Message {
	c := *m
	c.Reactions = append([]domain.Reaction(nil), m.Reactions...)
	return &c
}
