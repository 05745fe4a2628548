package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/protocol"
	"anon-chatroom/internal/repository"
)

// KeyService 保存房间密钥。密钥对服务端是不透明的密文。
type KeyService struct {
	roomRepo        repository.RoomRepository
	participantRepo repository.ParticipantRepository
}

// NewKeyService 创建 KeyService 实例
func NewKeyService(roomRepo repository.RoomRepository, participantRepo repository.ParticipantRepository) *KeyService {
	if roomRepo == nil || participantRepo == nil {
		panic("RoomRepository and ParticipantRepository cannot be nil for KeyService")
	}
	return &KeyService{roomRepo: roomRepo, participantRepo: participantRepo}
}

// Rotate 由当前房主轮换密钥
func (s *KeyService) Rotate(ctx context.Context, room *domain.Room, actor string, data protocol.KeyData) error {
	if room.HostAid != actor {
		logrus.WithFields(logrus.Fields{"room_id": room.ID, "user_aid": actor}).Warn("Key rotation rejected: not host")
		return ErrUnauthorized
	}
	return s.persist(ctx, room, data)
}

// Save 建立房间的第一把密钥。房间已有密钥时只有房主可以覆盖。
func (s *KeyService) Save(ctx context.Context, room *domain.Room, actor string, data protocol.KeyData) error {
	if room.HasKey() && room.HostAid != actor {
		logrus.WithFields(logrus.Fields{"room_id": room.ID, "user_aid": actor}).Warn("Key save rejected: room already keyed")
		return ErrUnauthorized
	}
	if data.EncryptedKey == "" {
		return ErrInvalidPayload
	}
	return s.persist(ctx, room, data)
}

func (s *KeyService) persist(ctx context.Context, room *domain.Room, data protocol.KeyData) error {
	logCtx := logrus.WithField("room_id", room.ID)
	if data.EncryptedKey == "" && len(data.Keys) == 0 {
		return ErrInvalidPayload
	}
	if data.EncryptedKey != "" {
		if err := s.roomRepo.UpdateKey(ctx, room.ID, data.EncryptedKey, data.IV); err != nil {
			logCtx.WithError(err).Error("Failed to store room key")
			return mapRepoError(err, ErrRoomNotFound)
		}
		room.EncryptedKey = data.EncryptedKey
		room.KeyIV = data.IV
	}
	if err := s.participantRepo.SaveKeys(ctx, room.ID, data.Keys); err != nil {
		logCtx.WithError(err).Error("Failed to store per-identity keys")
		return ErrInternalServer
	}
	logCtx.WithField("keys", len(data.Keys)).Info("Room keys stored")
	return nil
}
