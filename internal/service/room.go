package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"anon-chatroom/internal/cache"
	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/protocol"
	"anon-chatroom/internal/repository"
)

// RejoinResetAfter 超过该时长后重新加入会把 joinedAt 重置为当前时间，重新启用隐身可见性。
const RejoinResetAfter = time.Hour

// RoomService 负责房间准入、创建、列表、封禁和清理。
type RoomService struct {
	roomRepo        repository.RoomRepository
	participantRepo repository.ParticipantRepository
	cache           *cache.Tier
	now             func() time.Time
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(roomRepo repository.RoomRepository, participantRepo repository.ParticipantRepository, tier *cache.Tier) *RoomService {
	if roomRepo == nil || participantRepo == nil {
		panic("RoomRepository and ParticipantRepository cannot be nil for RoomService")
	}
	if tier == nil {
		panic("cache tier cannot be nil for RoomService")
	}
	return &RoomService{
		roomRepo:        roomRepo,
		participantRepo: participantRepo,
		cache:           tier,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// JoinResult 是准入成功后的房间和成员记录
type JoinResult struct {
	Room        *domain.Room
	Participant *domain.Participant
	IsCreator   bool
	// HostReclaimed 表示创建者重新加入时从其他成员手中收回了房主
	HostReclaimed bool
}

// FindRoom 按 ID 查找房间
func (s *RoomService) FindRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logrus.WithField("room_id", roomID).WithError(err).Error("FindRoom: repository error")
		}
		return nil, mapRepoError(err, ErrRoomNotFound)
	}
	return room, nil
}

// Join 校验封禁和密码，upsert 成员记录。房间无房主时指派加入者为房主；创建者加入时收回房主。
// 调用方需持有该房间的锁。
func (s *RoomService) Join(ctx context.Context, roomID string, who domain.Identity, data protocol.JoinData) (*JoinResult, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_aid": who.UserAid})

	room, err := s.FindRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.IsBanned(who.UserAid) {
		logCtx.Warn("Join rejected: identity is banned")
		return nil, ErrAccessDenied
	}

	existing, err := s.participantRepo.Find(ctx, roomID, who.UserAid)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		logCtx.WithError(err).Error("Join: failed to load participant")
		return nil, ErrInternalServer
	}
	if existing == nil && room.Locked && !checkPassword(room.PasswordHash, data.Password) {
		logCtx.Warn("Join rejected: wrong room password")
		return nil, ErrAccessDenied
	}

	now := s.now()
	p := &domain.Participant{
		RoomID:              roomID,
		UserAid:             who.UserAid,
		DisplayName:         who.DisplayName,
		SigningPublicKey:    data.SigningPublicKey,
		EncryptionPublicKey: data.EncryptionPublicKey,
		JoinedAt:            now,
	}
	if existing != nil {
		p.ID = existing.ID
		p.EncryptedRoomKey = existing.EncryptedRoomKey
		p.RoomKeyIV = existing.RoomKeyIV
		if p.SigningPublicKey == "" {
			p.SigningPublicKey = existing.SigningPublicKey
		}
		if p.EncryptionPublicKey == "" {
			p.EncryptionPublicKey = existing.EncryptionPublicKey
		}
		// 在场或离开不足一小时的成员保留原 joinedAt
		if existing.LeftAt == nil || now.Sub(*existing.LeftAt) <= RejoinResetAfter {
			p.JoinedAt = existing.JoinedAt
		}
	}
	if err := s.participantRepo.Upsert(ctx, p); err != nil {
		logCtx.WithError(err).Error("Join: failed to upsert participant")
		return nil, ErrInternalServer
	}

	res := &JoinResult{Room: room, Participant: p, IsCreator: room.CreatorAid == who.UserAid}
	if room.HostAid == "" || (res.IsCreator && room.HostAid != who.UserAid) {
		if err := s.roomRepo.UpdateHost(ctx, roomID, who.UserAid); err != nil {
			logCtx.WithError(err).Error("Join: failed to assign host")
			return nil, mapRepoError(err, ErrRoomNotFound)
		}
		res.HostReclaimed = room.HostAid != ""
		if res.HostReclaimed {
			logCtx.WithField("previous_host", room.HostAid).Info("Creator reclaimed host")
		} else {
			logCtx.Info("Host assigned to joining identity")
		}
		room.HostAid = who.UserAid
	}
	return res, nil
}

// Present 返回房间当前在场的成员记录
func (s *RoomService) Present(ctx context.Context, roomID string) ([]domain.Participant, error) {
	ps, err := s.participantRepo.ListPresent(ctx, roomID)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Present: repository error")
		return nil, ErrInternalServer
	}
	return ps, nil
}

// MarkLeft 记录成员离开
func (s *RoomService) MarkLeft(ctx context.Context, roomID, userAid string) error {
	err := s.participantRepo.MarkLeft(ctx, roomID, userAid, s.now())
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return nil
}

// SetHost 更新房主，空串表示清空
func (s *RoomService) SetHost(ctx context.Context, roomID, hostAid string) error {
	return s.roomRepo.UpdateHost(ctx, roomID, hostAid)
}

// CreateRoomInput 是创建房间的参数
type CreateRoomInput struct {
	Name     string
	Password string
	Private  bool
	Region   string
}

// CreateRoom 创建房间。房主在第一个成员加入时指派。
func (s *RoomService) CreateRoom(ctx context.Context, creator domain.Identity, in CreateRoomInput) (*domain.Room, error) {
	logCtx := logrus.WithFields(logrus.Fields{"creator_aid": creator.UserAid, "name": in.Name})

	room := &domain.Room{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(in.Name),
		CreatorAid: creator.UserAid,
		Private:    in.Private,
		Region:     in.Region,
	}
	if room.Name == "" {
		return nil, ErrInvalidPayload
	}
	if in.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if err != nil {
			logCtx.WithError(err).Error("Failed to hash room password")
			return nil, ErrInternalServer
		}
		room.Locked = true
		room.PasswordHash = string(hash)
	}

	if err := s.roomRepo.Save(ctx, room); err != nil {
		if errors.Is(err, repository.ErrDuplicateEntry) {
			logCtx.Warn("Room name already taken")
			return nil, ErrRoomNameTaken
		}
		logCtx.WithError(err).Error("Failed to save new room")
		return nil, ErrInternalServer
	}
	if !room.Private {
		s.cache.InvalidateRooms(ctx)
	}
	logCtx.WithField("room_id", room.ID).Info("Room created successfully")
	return room, nil
}

// ListRooms 通过缓存返回公开房间，region 非空时按地区过滤
func (s *RoomService) ListRooms(ctx context.Context, region string) ([]domain.Room, error) {
	rooms, err := s.cache.LoadRooms(ctx, func(ctx context.Context) ([]domain.Room, error) {
		return s.roomRepo.ListPublic(ctx, "")
	})
	if err != nil {
		logrus.WithError(err).Error("ListRooms: repository error")
		return nil, ErrInternalServer
	}
	if region == "" {
		return rooms, nil
	}
	filtered := rooms[:0]
	for _, r := range rooms {
		if r.Region == region {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// Ban 由房主封禁一个身份。被封禁者的连接由调用方强制断开。
func (s *RoomService) Ban(ctx context.Context, roomID string, actor domain.Identity, target domain.Identity, reason string) error {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "actor_aid": actor.UserAid, "target_aid": target.UserAid})

	room, err := s.FindRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.HostAid != actor.UserAid {
		logCtx.Warn("Ban rejected: actor is not host")
		return ErrUnauthorized
	}
	if target.UserAid == "" || target.UserAid == actor.UserAid {
		return ErrInvalidPayload
	}
	ban := &domain.Ban{
		RoomID:      roomID,
		UserAid:     target.UserAid,
		DisplayName: target.DisplayName,
		Reason:      reason,
		BannedAt:    s.now(),
	}
	if err := s.roomRepo.AddBan(ctx, ban); err != nil {
		if errors.Is(err, repository.ErrDuplicateEntry) {
			return nil
		}
		logCtx.WithError(err).Error("Failed to store ban")
		return mapRepoError(err, ErrRoomNotFound)
	}
	logCtx.Info("Identity banned from room")
	return nil
}

// CleanupRoom 删除空置房间的持久化数据和缓存
func (s *RoomService) CleanupRoom(ctx context.Context, roomID string) error {
	if err := s.roomRepo.Delete(ctx, roomID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	s.cache.Invalidate(ctx, roomID)
	s.cache.InvalidateRooms(ctx)
	logrus.WithField("room_id", roomID).Info("Empty room cleaned up")
	return nil
}

// checkPassword 支持 bcrypt 哈希和直接存储的口令两种格式
func checkPassword(stored, given string) bool {
	if stored == "" || given == "" {
		return false
	}
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}
