package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/cache"
	"anon-chatroom/internal/crypto"
	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/protocol"
	"anon-chatroom/internal/repository"
)

const (
	// EditWindow 是消息发出后允许编辑的时长
	EditWindow = 10 * time.Minute
	// DefaultHistoryLimit 是缓存未命中时从存储读取的历史条数
	DefaultHistoryLimit = 100
)

// Sender 描述发起操作的身份以及其登记的签名公钥
type Sender struct {
	domain.Identity
	SigningPublicKey string
}

// ChatService 负责消息的发送、编辑、删除、回应和历史读取。
// 所有写操作先落库，成功后再更新缓存；落库失败时不返回消息，调用方不得广播。
type ChatService struct {
	messageRepo  repository.MessageRepository
	cache        *cache.Tier
	verifier     crypto.Verifier
	historyLimit int
	now          func() time.Time
}

// NewChatService 创建 ChatService 实例
func NewChatService(messageRepo repository.MessageRepository, tier *cache.Tier, verifier crypto.Verifier, historyLimit int) *ChatService {
	if messageRepo == nil || tier == nil || verifier == nil {
		panic("MessageRepository, cache tier and verifier cannot be nil for ChatService")
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &ChatService{
		messageRepo:  messageRepo,
		cache:        tier,
		verifier:     verifier,
		historyLimit: historyLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// verify 仅在提供了签名且发送者登记过公钥时校验
func (s *ChatService) verify(from Sender, content, signature string) error {
	if signature == "" || from.SigningPublicKey == "" {
		return nil
	}
	if !s.verifier.Verify([]byte(content), signature, from.SigningPublicKey) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *ChatService) find(ctx context.Context, roomID, id string) (*domain.Message, error) {
	if id == "" {
		return nil, ErrInvalidPayload
	}
	msg, err := s.messageRepo.FindByID(ctx, roomID, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "message_id": id}).WithError(err).Error("Failed to load message")
		}
		return nil, mapRepoError(err, ErrMessageNotFound)
	}
	return msg, nil
}

// Send 持久化一条新消息，序号由存储分配
func (s *ChatService) Send(ctx context.Context, roomID string, from Sender, data protocol.SendData) (*domain.Message, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_aid": from.UserAid})

	if strings.TrimSpace(data.Content) == "" {
		return nil, ErrInvalidPayload
	}
	if err := s.verify(from, data.Content, data.Signature); err != nil {
		logCtx.Warn("Rejected message with invalid signature")
		return nil, err
	}

	msg := &domain.Message{
		RoomID:     roomID,
		SenderAid:  from.UserAid,
		SenderName: from.DisplayName,
		Content:    data.Content,
		Signature:  data.Signature,
		Timestamp:  s.now(),
	}
	if data.ReplyToID != "" {
		target, err := s.find(ctx, roomID, data.ReplyToID)
		if err != nil {
			return nil, err
		}
		msg.ReplyToID = target.ID
		msg.ReplyPreview = target.Preview()
		msg.ReplySender = target.SenderName
	}

	if err := s.messageRepo.Append(ctx, msg); err != nil {
		logCtx.WithError(err).Error("Failed to persist message")
		return nil, ErrInternalServer
	}
	s.cache.Append(ctx, roomID, *msg)
	logCtx.WithField("sequence", msg.Sequence).Debug("Message stored")
	return msg, nil
}

// Edit 修改消息内容，只允许原发送者在编辑窗口内操作。
// 返回修改后的消息和预览被同步更新的回复消息。
func (s *ChatService) Edit(ctx context.Context, roomID string, from Sender, data protocol.EditData) (*domain.Message, []domain.Message, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_aid": from.UserAid, "message_id": data.MessageID})

	if strings.TrimSpace(data.Content) == "" {
		return nil, nil, ErrInvalidPayload
	}
	msg, err := s.find(ctx, roomID, data.MessageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.SenderAid != from.UserAid || msg.Deleted {
		logCtx.Warn("Edit rejected: not the sender")
		return nil, nil, ErrUnauthorized
	}
	if s.now().Sub(msg.Timestamp) > EditWindow {
		return nil, nil, ErrEditWindowExpired
	}
	if err := s.verify(from, data.Content, data.Signature); err != nil {
		return nil, nil, err
	}

	if err := s.messageRepo.UpdateContent(ctx, roomID, msg.ID, data.Content, data.Signature); err != nil {
		logCtx.WithError(err).Error("Failed to update message")
		return nil, nil, mapRepoError(err, ErrMessageNotFound)
	}
	msg.Content = data.Content
	msg.Signature = data.Signature
	msg.Edited = true

	replies := s.syncReplies(ctx, roomID, msg.ID, domain.PreviewOf(data.Content))
	s.cache.Replace(ctx, roomID, append([]domain.Message{*msg}, replies...)...)
	return msg, replies, nil
}

// Delete 软删除消息，原发送者或当前房主可以操作
func (s *ChatService) Delete(ctx context.Context, roomID string, from Sender, hostAid string, data protocol.DeleteData) (*domain.Message, []domain.Message, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_aid": from.UserAid, "message_id": data.MessageID})

	msg, err := s.find(ctx, roomID, data.MessageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.SenderAid != from.UserAid && hostAid != from.UserAid {
		logCtx.Warn("Delete rejected: neither sender nor host")
		return nil, nil, ErrUnauthorized
	}

	if err := s.messageRepo.SoftDelete(ctx, roomID, msg.ID); err != nil {
		logCtx.WithError(err).Error("Failed to delete message")
		return nil, nil, mapRepoError(err, ErrMessageNotFound)
	}
	msg.Content = domain.DeletedContent
	msg.Signature = ""
	msg.Deleted = true

	replies := s.syncReplies(ctx, roomID, msg.ID, domain.DeletedContent)
	s.cache.Replace(ctx, roomID, append([]domain.Message{*msg}, replies...)...)
	return msg, replies, nil
}

// syncReplies 更新引用该消息的回复预览。失败只记录日志，原操作已经落库。
func (s *ChatService) syncReplies(ctx context.Context, roomID, messageID, preview string) []domain.Message {
	replies, err := s.messageRepo.UpdateReplyPreviews(ctx, roomID, messageID, preview)
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "message_id": messageID}).WithError(err).Error("Failed to update reply previews")
		// 缓存中的回复预览可能已过期，整体失效
		s.cache.Invalidate(ctx, roomID)
		return nil
	}
	return replies
}

// React 切换回应：不存在则添加，已存在则移除。返回最新的消息。
func (s *ChatService) React(ctx context.Context, roomID string, from Sender, data protocol.ReactData) (*domain.Message, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_aid": from.UserAid, "message_id": data.MessageID})

	if data.Emoji == "" {
		return nil, ErrInvalidPayload
	}
	msg, err := s.find(ctx, roomID, data.MessageID)
	if err != nil {
		return nil, err
	}

	if msg.HasReaction(from.UserAid, data.Emoji) {
		err = s.messageRepo.RemoveReaction(ctx, msg.ID, from.UserAid, data.Emoji)
	} else {
		err = s.messageRepo.AddReaction(ctx, &domain.Reaction{
			MessageID: msg.ID,
			UserAid:   from.UserAid,
			Emoji:     data.Emoji,
			EmojiType: data.EmojiType,
		})
		if errors.Is(err, repository.ErrDuplicateEntry) {
			err = s.messageRepo.RemoveReaction(ctx, msg.ID, from.UserAid, data.Emoji)
		}
	}
	if err != nil {
		logCtx.WithError(err).Error("Failed to toggle reaction")
		return nil, mapRepoError(err, ErrMessageNotFound)
	}

	updated, err := s.find(ctx, roomID, msg.ID)
	if err != nil {
		return nil, err
	}
	s.cache.Replace(ctx, roomID, *updated)
	return updated, nil
}

// History 返回房间最近的消息，按序号升序。优先读缓存，未命中时读存储并回填。
func (s *ChatService) History(ctx context.Context, roomID string) ([]domain.Message, error) {
	msgs, err := s.cache.LoadMessages(ctx, roomID, s.historyLimit, func(ctx context.Context) ([]domain.Message, error) {
		return s.messageRepo.FindByRoom(ctx, roomID, s.historyLimit, time.Time{})
	})
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to load history")
		return nil, ErrInternalServer
	}
	return msgs, nil
}
