package service_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"anon-chatroom/internal/cache"
	"anon-chatroom/internal/crypto"
	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/protocol"
	"anon-chatroom/internal/repository"
	"anon-chatroom/internal/repository/mocks"
	"anon-chatroom/internal/service"
)

func newChatService() (*service.ChatService, *mocks.MessageRepository) {
	messages := new(mocks.MessageRepository)
	return service.NewChatService(messages, cache.NewTier(nil, cache.Options{}), crypto.NewEd25519Verifier(), 0), messages
}

type signer struct {
	priv ed25519.PrivateKey
	pub  string
}

func newSigner(t *testing.T) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return signer{priv: priv, pub: base64.StdEncoding.EncodeToString(pub)}
}

func (s signer) sign(content string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, []byte(content)))
}

func TestChatService_Send(t *testing.T) {
	ctx := context.Background()
	key := newSigner(t)
	from := service.Sender{Identity: alice, SigningPublicKey: key.pub}

	t.Run("Signed message stored", func(t *testing.T) {
		svc, messages := newChatService()
		messages.On("Append", ctx, mock.MatchedBy(func(m *domain.Message) bool {
			return m.RoomID == "r1" && m.SenderAid == alice.UserAid && m.Content == "hi"
		})).Run(func(args mock.Arguments) {
			args.Get(1).(*domain.Message).Sequence = 1
		}).Return(nil).Once()

		msg, err := svc.Send(ctx, "r1", from, protocol.SendData{Content: "hi", Signature: key.sign("hi")})
		require.NoError(t, err)
		assert.Equal(t, int64(1), msg.Sequence)
		messages.AssertExpectations(t)
	})

	t.Run("Invalid signature not persisted", func(t *testing.T) {
		svc, messages := newChatService()
		_, err := svc.Send(ctx, "r1", from, protocol.SendData{Content: "hi", Signature: key.sign("something else")})
		assert.ErrorIs(t, err, service.ErrInvalidSignature)
		messages.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	})

	t.Run("Reply carries preview", func(t *testing.T) {
		svc, messages := newChatService()
		parent := &domain.Message{ID: "m1", RoomID: "r1", SenderName: "bob", Content: "parent text"}
		messages.On("FindByID", ctx, "r1", "m1").Return(parent, nil).Once()
		messages.On("Append", ctx, mock.MatchedBy(func(m *domain.Message) bool {
			return m.ReplyToID == "m1" && m.ReplyPreview == "parent text" && m.ReplySender == "bob"
		})).Return(nil).Once()

		_, err := svc.Send(ctx, "r1", service.Sender{Identity: alice}, protocol.SendData{Content: "yes", ReplyToID: "m1"})
		require.NoError(t, err)
		messages.AssertExpectations(t)
	})

	t.Run("Reply to missing message", func(t *testing.T) {
		svc, messages := newChatService()
		messages.On("FindByID", ctx, "r1", "nope").Return(nil, repository.ErrNotFound).Once()
		_, err := svc.Send(ctx, "r1", service.Sender{Identity: alice}, protocol.SendData{Content: "yes", ReplyToID: "nope"})
		assert.ErrorIs(t, err, service.ErrMessageNotFound)
	})

	t.Run("Store failure is not swallowed", func(t *testing.T) {
		svc, messages := newChatService()
		messages.On("Append", ctx, mock.Anything).Return(errors.New("disk full")).Once()
		msg, err := svc.Send(ctx, "r1", service.Sender{Identity: alice}, protocol.SendData{Content: "hi"})
		assert.Nil(t, msg)
		assert.ErrorIs(t, err, service.ErrInternalServer)
	})

	t.Run("Empty content", func(t *testing.T) {
		svc, _ := newChatService()
		_, err := svc.Send(ctx, "r1", service.Sender{Identity: alice}, protocol.SendData{Content: "  "})
		assert.ErrorIs(t, err, service.ErrInvalidPayload)
	})
}

func TestChatService_Edit(t *testing.T) {
	ctx := context.Background()
	from := service.Sender{Identity: alice}

	t.Run("Sender edits within window", func(t *testing.T) {
		svc, messages := newChatService()
		original := &domain.Message{ID: "m1", RoomID: "r1", SenderAid: alice.UserAid, Content: "old", Timestamp: time.Now().UTC().Add(-time.Minute)}
		reply := domain.Message{ID: "m2", RoomID: "r1", ReplyToID: "m1", ReplyPreview: "new"}
		messages.On("FindByID", ctx, "r1", "m1").Return(original, nil).Once()
		messages.On("UpdateContent", ctx, "r1", "m1", "new", "").Return(nil).Once()
		messages.On("UpdateReplyPreviews", ctx, "r1", "m1", "new").Return([]domain.Message{reply}, nil).Once()

		msg, replies, err := svc.Edit(ctx, "r1", from, protocol.EditData{MessageID: "m1", Content: "new"})
		require.NoError(t, err)
		assert.True(t, msg.Edited)
		assert.Equal(t, "new", msg.Content)
		require.Len(t, replies, 1)
		assert.Equal(t, "m2", replies[0].ID)
		messages.AssertExpectations(t)
	})

	t.Run("Other identity rejected", func(t *testing.T) {
		svc, messages := newChatService()
		messages.On("FindByID", ctx, "r1", "m1").Return(&domain.Message{ID: "m1", SenderAid: bob.UserAid, Timestamp: time.Now().UTC()}, nil).Once()
		_, _, err := svc.Edit(ctx, "r1", from, protocol.EditData{MessageID: "m1", Content: "new"})
		assert.ErrorIs(t, err, service.ErrUnauthorized)
		messages.AssertNotCalled(t, "UpdateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Window expired", func(t *testing.T) {
		svc, messages := newChatService()
		old := time.Now().UTC().Add(-service.EditWindow - time.Minute)
		messages.On("FindByID", ctx, "r1", "m1").Return(&domain.Message{ID: "m1", SenderAid: alice.UserAid, Timestamp: old}, nil).Once()
		_, _, err := svc.Edit(ctx, "r1", from, protocol.EditData{MessageID: "m1", Content: "new"})
		assert.ErrorIs(t, err, service.ErrEditWindowExpired)
	})
}

func TestChatService_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("Host deletes another member's message", func(t *testing.T) {
		svc, messages := newChatService()
		messages.On("FindByID", ctx, "r1", "m1").Return(&domain.Message{ID: "m1", SenderAid: bob.UserAid, Content: "rude", Signature: "s"}, nil).Once()
		messages.On("SoftDelete", ctx, "r1", "m1").Return(nil).Once()
		messages.On("UpdateReplyPreviews", ctx, "r1", "m1", domain.DeletedContent).Return(nil, nil).Once()

		msg, replies, err := svc.Delete(ctx, "r1", service.Sender{Identity: alice}, alice.UserAid, protocol.DeleteData{MessageID: "m1"})
		require.NoError(t, err)
		assert.True(t, msg.Deleted)
		assert.Equal(t, domain.DeletedContent, msg.Content)
		assert.Empty(t, msg.Signature)
		assert.Empty(t, replies)
	})

	t.Run("Bystander rejected", func(t *testing.T) {
		svc, messages := newChatService()
		messages.On("FindByID", ctx, "r1", "m1").Return(&domain.Message{ID: "m1", SenderAid: bob.UserAid}, nil).Once()
		_, _, err := svc.Delete(ctx, "r1", service.Sender{Identity: alice}, "aid-host", protocol.DeleteData{MessageID: "m1"})
		assert.ErrorIs(t, err, service.ErrUnauthorized)
	})

	t.Run("Store failure", func(t *testing.T) {
		svc, messages := newChatService()
		messages.On("FindByID", ctx, "r1", "m1").Return(&domain.Message{ID: "m1", SenderAid: alice.UserAid}, nil).Once()
		messages.On("SoftDelete", ctx, "r1", "m1").Return(errors.New("db down")).Once()
		_, _, err := svc.Delete(ctx, "r1", service.Sender{Identity: alice}, "", protocol.DeleteData{MessageID: "m1"})
		assert.ErrorIs(t, err, service.ErrInternalServer)
	})
}

func TestChatService_ReactToggles(t *testing.T) {
	ctx := context.Background()
	svc, messages := newChatService()
	from := service.Sender{Identity: alice}
	bare := &domain.Message{ID: "m1", RoomID: "r1"}
	reacted := &domain.Message{ID: "m1", RoomID: "r1", Reactions: []domain.Reaction{{MessageID: "m1", UserAid: alice.UserAid, Emoji: "🔥"}}}

	// 添加
	messages.On("FindByID", ctx, "r1", "m1").Return(bare, nil).Once()
	messages.On("AddReaction", ctx, mock.MatchedBy(func(r *domain.Reaction) bool {
		return r.MessageID == "m1" && r.UserAid == alice.UserAid && r.Emoji == "🔥"
	})).Return(nil).Once()
	messages.On("FindByID", ctx, "r1", "m1").Return(reacted, nil).Once()

	msg, err := svc.React(ctx, "r1", from, protocol.ReactData{MessageID: "m1", Emoji: "🔥"})
	require.NoError(t, err)
	assert.Len(t, msg.Reactions, 1)

	// 再次回应同一表情时移除
	messages.On("FindByID", ctx, "r1", "m1").Return(reacted, nil).Once()
	messages.On("RemoveReaction", ctx, "m1", alice.UserAid, "🔥").Return(nil).Once()
	messages.On("FindByID", ctx, "r1", "m1").Return(bare, nil).Once()

	msg, err = svc.React(ctx, "r1", from, protocol.ReactData{MessageID: "m1", Emoji: "🔥"})
	require.NoError(t, err)
	assert.Empty(t, msg.Reactions)
	messages.AssertExpectations(t)
}

func TestChatService_HistoryUsesCache(t *testing.T) {
	ctx := context.Background()
	svc, messages := newChatService()
	stored := []domain.Message{{ID: "m1", RoomID: "r1", Sequence: 1}, {ID: "m2", RoomID: "r1", Sequence: 2}}
	messages.On("FindByRoom", mock.Anything, "r1", service.DefaultHistoryLimit, time.Time{}).Return(stored, nil).Once()

	first, err := svc.History(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := svc.History(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	messages.AssertNumberOfCalls(t, "FindByRoom", 1)
}

func TestChatService_HistoryIndependentOfCacheWindow(t *testing.T) {
	ctx := context.Background()
	svc, messages := newChatService()
	stored := make([]domain.Message, 80)
	for i := range stored {
		stored[i] = domain.Message{ID: fmt.Sprintf("m%d", i+1), RoomID: "r1", Sequence: int64(i + 1)}
	}
	messages.On("FindByRoom", mock.Anything, "r1", service.DefaultHistoryLimit, time.Time{}).Return(stored, nil)

	cold, err := svc.History(ctx, "r1")
	require.NoError(t, err)
	warm, err := svc.History(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, cold, 80)
	assert.Equal(t, cold, warm)
}
