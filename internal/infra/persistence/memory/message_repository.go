package memory

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/repository"
)

// MessageRepository 是 repository.MessageRepository 的内存实现
type MessageRepository struct{ s *Store }

var _ repository.MessageRepository = (*MessageRepository)(nil)

func (r *MessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	r.s.sequences[msg.RoomID]++
	msg.Sequence = r.s.sequences[msg.RoomID]
	r.s.messages[msg.RoomID] = append(r.s.messages[msg.RoomID], copyMessage(msg))
	return nil
}

// find 需要调用方持有锁。
func (r *MessageRepository) find(roomID, id string) *domain.Message {
	for _, m := range r.s.messages[roomID] {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// findByIDAnyRoom 需要调用方持有锁。
func (r *MessageRepository) findByIDAnyRoom(id string) *domain.Message {
	for _, msgs := range r.s.messages {
		for _, m := range msgs {
			if m.ID == id {
				return m
			}
		}
	}
	return nil
}

func (r *MessageRepository) FindByID(ctx context.Context, roomID, id string) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.find(roomID, id)
	if m == nil {
		return nil, repository.ErrMessageNotFound
	}
	return copyMessage(m), nil
}

func (r *MessageRepository) UpdateContent(ctx context.Context, roomID, id, content, signature string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.find(roomID, id)
	if m == nil {
		return repository.ErrMessageNotFound
	}
	m.Content = content
	m.Signature = signature
	m.Edited = true
	return nil
}

func (r *MessageRepository) SoftDelete(ctx context.Context, roomID, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.find(roomID, id)
	if m == nil {
		return repository.ErrMessageNotFound
	}
	m.Content = domain.DeletedContent
	m.Signature = ""
	m.Deleted = true
	return nil
}

func (r *MessageRepository) UpdateReplyPreviews(ctx context.Context, roomID, replyToID, preview string) ([]domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var updated []domain.Message
	for _, m := range r.s.messages[roomID] {
		if m.ReplyToID == replyToID {
			m.ReplyPreview = preview
			updated = append(updated, *copyMessage(m))
		}
	}
	return updated, nil
}

func (r *MessageRepository) AddReaction(ctx context.Context, reaction *domain.Reaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.findByIDAnyRoom(reaction.MessageID)
	if m == nil {
		return repository.ErrMessageNotFound
	}
	if m.HasReaction(reaction.UserAid, reaction.Emoji) {
		return repository.ErrDuplicateEntry
	}
	m.Reactions = append(m.Reactions, *reaction)
	return nil
}

func (r *MessageRepository) RemoveReaction(ctx context.Context, messageID, userAid, emoji string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.findByIDAnyRoom(messageID)
	if m == nil {
		return repository.ErrMessageNotFound
	}
	kept := m.Reactions[:0]
	for _, rc := range m.Reactions {
		if rc.UserAid == userAid && rc.Emoji == emoji {
			continue
		}
		kept = append(kept, rc)
	}
	m.Reactions = kept
	return nil
}

func (r *MessageRepository) FindByRoom(ctx context.Context, roomID string, limit int, before time.Time) ([]domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.s.messages[roomID]
	end := len(all)
	if !before.IsZero() {
		end = 0
		for i, m := range all {
			if m.Timestamp.Before(before) {
				end = i + 1
			}
		}
	}
	start := 0
	if limit > 0 && end-limit > start {
		start = end - limit
	}
	out := make([]domain.Message, 0, end-start)
	for _, m := range all[start:end] {
		out = append(out, *copyMessage(m))
	}
	return out, nil
}
