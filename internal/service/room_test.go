package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"anon-chatroom/internal/cache"
	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/protocol"
	"anon-chatroom/internal/repository"
	"anon-chatroom/internal/repository/mocks"
	"anon-chatroom/internal/service"
)

var alice = domain.Identity{UserAid: "aid-alice", DisplayName: "alice"}
var bob = domain.Identity{UserAid: "aid-bob", DisplayName: "bob"}

func newRoomService() (*service.RoomService, *mocks.RoomRepository, *mocks.ParticipantRepository) {
	rooms := new(mocks.RoomRepository)
	participants := new(mocks.ParticipantRepository)
	return service.NewRoomService(rooms, participants, cache.NewTier(nil, cache.Options{})), rooms, participants
}

func TestRoomService_Join_FirstMemberBecomesHost(t *testing.T) {
	svc, rooms, participants := newRoomService()
	ctx := context.Background()

	rooms.On("FindByID", ctx, "r1").Return(&domain.Room{ID: "r1", CreatorAid: alice.UserAid}, nil).Once()
	participants.On("Find", ctx, "r1", alice.UserAid).Return(nil, repository.ErrNotFound).Once()
	participants.On("Upsert", ctx, mock.MatchedBy(func(p *domain.Participant) bool {
		return p.RoomID == "r1" && p.UserAid == alice.UserAid && p.SigningPublicKey == "spk" && !p.JoinedAt.IsZero()
	})).Return(nil).Once()
	rooms.On("UpdateHost", ctx, "r1", alice.UserAid).Return(nil).Once()

	res, err := svc.Join(ctx, "r1", alice, protocol.JoinData{SigningPublicKey: "spk"})
	require.NoError(t, err)
	assert.Equal(t, alice.UserAid, res.Room.HostAid)
	assert.True(t, res.IsCreator)
	assert.False(t, res.HostReclaimed)
	assert.Equal(t, "spk", res.Participant.SigningPublicKey)

	rooms.AssertExpectations(t)
	participants.AssertExpectations(t)
}

func TestRoomService_Join_CreatorReclaimsHost(t *testing.T) {
	svc, rooms, participants := newRoomService()
	ctx := context.Background()

	rooms.On("FindByID", ctx, "r1").Return(&domain.Room{ID: "r1", CreatorAid: alice.UserAid, HostAid: bob.UserAid}, nil).Once()
	participants.On("Find", ctx, "r1", alice.UserAid).Return(nil, repository.ErrNotFound).Once()
	participants.On("Upsert", ctx, mock.Anything).Return(nil).Once()
	rooms.On("UpdateHost", ctx, "r1", alice.UserAid).Return(nil).Once()

	res, err := svc.Join(ctx, "r1", alice, protocol.JoinData{})
	require.NoError(t, err)
	assert.True(t, res.HostReclaimed)
	assert.Equal(t, alice.UserAid, res.Room.HostAid)
	rooms.AssertExpectations(t)
}

func TestRoomService_Join_Banned(t *testing.T) {
	svc, rooms, participants := newRoomService()
	ctx := context.Background()
	room := &domain.Room{ID: "r1", HostAid: alice.UserAid, Bans: []domain.Ban{{RoomID: "r1", UserAid: bob.UserAid}}}
	rooms.On("FindByID", ctx, "r1").Return(room, nil).Once()

	_, err := svc.Join(ctx, "r1", bob, protocol.JoinData{})
	assert.ErrorIs(t, err, service.ErrAccessDenied)
	participants.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestRoomService_Join_RoomNotFound(t *testing.T) {
	svc, rooms, _ := newRoomService()
	ctx := context.Background()
	rooms.On("FindByID", ctx, "missing").Return(nil, repository.ErrNotFound).Once()

	_, err := svc.Join(ctx, "missing", bob, protocol.JoinData{})
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
}

func TestRoomService_Join_Password(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("open sesame"), bcrypt.MinCost)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("Wrong password", func(t *testing.T) {
		svc, rooms, participants := newRoomService()
		rooms.On("FindByID", ctx, "r1").Return(&domain.Room{ID: "r1", HostAid: alice.UserAid, Locked: true, PasswordHash: string(hash)}, nil).Once()
		participants.On("Find", ctx, "r1", bob.UserAid).Return(nil, repository.ErrNotFound).Once()

		_, err := svc.Join(ctx, "r1", bob, protocol.JoinData{Password: "guess"})
		assert.ErrorIs(t, err, service.ErrAccessDenied)
	})

	t.Run("Correct password", func(t *testing.T) {
		svc, rooms, participants := newRoomService()
		rooms.On("FindByID", ctx, "r1").Return(&domain.Room{ID: "r1", HostAid: alice.UserAid, Locked: true, PasswordHash: string(hash)}, nil).Once()
		participants.On("Find", ctx, "r1", bob.UserAid).Return(nil, repository.ErrNotFound).Once()
		participants.On("Upsert", ctx, mock.Anything).Return(nil).Once()

		res, err := svc.Join(ctx, "r1", bob, protocol.JoinData{Password: "open sesame"})
		require.NoError(t, err)
		assert.Equal(t, alice.UserAid, res.Room.HostAid)
		assert.False(t, res.IsCreator)
		rooms.AssertNotCalled(t, "UpdateHost", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Returning member skips password", func(t *testing.T) {
		svc, rooms, participants := newRoomService()
		rooms.On("FindByID", ctx, "r1").Return(&domain.Room{ID: "r1", HostAid: alice.UserAid, Locked: true, PasswordHash: string(hash)}, nil).Once()
		participants.On("Find", ctx, "r1", bob.UserAid).Return(&domain.Participant{ID: 7, RoomID: "r1", UserAid: bob.UserAid, JoinedAt: time.Now().Add(-time.Minute)}, nil).Once()
		participants.On("Upsert", ctx, mock.Anything).Return(nil).Once()

		_, err := svc.Join(ctx, "r1", bob, protocol.JoinData{})
		assert.NoError(t, err)
	})
}

func TestRoomService_Join_RejoinResetsJoinedAt(t *testing.T) {
	ctx := context.Background()
	originalJoin := time.Now().UTC().Add(-3 * time.Hour)

	cases := []struct {
		name     string
		leftAgo  time.Duration
		keepsOld bool
	}{
		{"Left recently keeps joinedAt", 10 * time.Minute, true},
		{"Left over an hour ago resets joinedAt", 2 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, rooms, participants := newRoomService()
			left := time.Now().UTC().Add(-tc.leftAgo)
			rooms.On("FindByID", ctx, "r1").Return(&domain.Room{ID: "r1", HostAid: alice.UserAid}, nil).Once()
			participants.On("Find", ctx, "r1", bob.UserAid).Return(&domain.Participant{
				ID: 3, RoomID: "r1", UserAid: bob.UserAid, JoinedAt: originalJoin, LeftAt: &left,
				SigningPublicKey: "old-key", EncryptedRoomKey: "blob",
			}, nil).Once()
			participants.On("Upsert", ctx, mock.Anything).Return(nil).Once()

			res, err := svc.Join(ctx, "r1", bob, protocol.JoinData{})
			require.NoError(t, err)
			if tc.keepsOld {
				assert.True(t, res.Participant.JoinedAt.Equal(originalJoin))
			} else {
				assert.True(t, res.Participant.JoinedAt.After(left))
			}
			assert.Equal(t, "old-key", res.Participant.SigningPublicKey)
			assert.Equal(t, "blob", res.Participant.EncryptedRoomKey)
			assert.Nil(t, res.Participant.LeftAt)
		})
	}
}

func TestRoomService_CreateRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("Hashes password", func(t *testing.T) {
		svc, rooms, _ := newRoomService()
		rooms.On("Save", ctx, mock.MatchedBy(func(r *domain.Room) bool {
			return r.Name == "lobby" && r.Locked && r.CreatorAid == alice.UserAid && r.HostAid == "" &&
				bcrypt.CompareHashAndPassword([]byte(r.PasswordHash), []byte("pw")) == nil
		})).Return(nil).Once()

		room, err := svc.CreateRoom(ctx, alice, service.CreateRoomInput{Name: " lobby ", Password: "pw"})
		require.NoError(t, err)
		assert.NotEmpty(t, room.ID)
		rooms.AssertExpectations(t)
	})

	t.Run("Name taken", func(t *testing.T) {
		svc, rooms, _ := newRoomService()
		rooms.On("Save", ctx, mock.Anything).Return(repository.ErrDuplicateEntry).Once()
		_, err := svc.CreateRoom(ctx, alice, service.CreateRoomInput{Name: "lobby"})
		assert.ErrorIs(t, err, service.ErrRoomNameTaken)
	})

	t.Run("Empty name", func(t *testing.T) {
		svc, _, _ := newRoomService()
		_, err := svc.CreateRoom(ctx, alice, service.CreateRoomInput{Name: "   "})
		assert.ErrorIs(t, err, service.ErrInvalidPayload)
	})
}

func TestRoomService_ListRooms_CachedAndFiltered(t *testing.T) {
	svc, rooms, _ := newRoomService()
	ctx := context.Background()
	rooms.On("ListPublic", mock.Anything, "").Return([]domain.Room{
		{ID: "1", Name: "eu-room", Region: "eu"},
		{ID: "2", Name: "us-room", Region: "us"},
	}, nil).Once()

	all, err := svc.ListRooms(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	eu, err := svc.ListRooms(ctx, "eu")
	require.NoError(t, err)
	require.Len(t, eu, 1)
	assert.Equal(t, "eu-room", eu[0].Name)

	// 第二次读取命中缓存
	rooms.AssertNumberOfCalls(t, "ListPublic", 1)
}

func TestRoomService_ListRooms_StoreError(t *testing.T) {
	svc, rooms, _ := newRoomService()
	rooms.On("ListPublic", mock.Anything, "").Return(nil, errors.New("db down")).Once()
	_, err := svc.ListRooms(context.Background(), "")
	assert.ErrorIs(t, err, service.ErrInternalServer)
}

func TestRoomService_Ban(t *testing.T) {
	ctx := context.Background()

	t.Run("Host bans member", func(t *testing.T) {
		svc, rooms, _ := newRoomService()
		rooms.On("FindByID", ctx, "r1").Return(&domain.Room{ID: "r1", HostAid: alice.UserAid}, nil).Once()
		rooms.On("AddBan", ctx, mock.MatchedBy(func(b *domain.Ban) bool {
			return b.RoomID == "r1" && b.UserAid == bob.UserAid && b.Reason == "spam"
		})).Return(nil).Once()

		require.NoError(t, svc.Ban(ctx, "r1", alice, bob, "spam"))
		rooms.AssertExpectations(t)
	})

	t.Run("Non-host rejected", func(t *testing.T) {
		svc, rooms, _ := newRoomService()
		rooms.On("FindByID", ctx, "r1").Return(&domain.Room{ID: "r1", HostAid: alice.UserAid}, nil).Once()
		err := svc.Ban(ctx, "r1", bob, alice, "")
		assert.ErrorIs(t, err, service.ErrUnauthorized)
	})

	t.Run("Host cannot ban self", func(t *testing.T) {
		svc, rooms, _ := newRoomService()
		rooms.On("FindByID", ctx, "r1").Return(&domain.Room{ID: "r1", HostAid: alice.UserAid}, nil).Once()
		err := svc.Ban(ctx, "r1", alice, alice, "")
		assert.ErrorIs(t, err, service.ErrInvalidPayload)
	})
}

func TestRoomService_CleanupRoom(t *testing.T) {
	svc, rooms, _ := newRoomService()
	ctx := context.Background()
	rooms.On("Delete", ctx, "gone").Return(repository.ErrNotFound).Once()
	assert.NoError(t, svc.CleanupRoom(ctx, "gone"))

	rooms.On("Delete", ctx, "r1").Return(errors.New("db down")).Once()
	assert.Error(t, svc.CleanupRoom(ctx, "r1"))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "RateLimited", service.ErrorCode(service.ErrRateLimited))
	assert.Equal(t, "InvalidPayload", service.ErrorCode(protocol.ErrMalformed))
	assert.Equal(t, "InternalError", service.ErrorCode(errors.New("boom")))
	assert.Equal(t, service.ErrInternalServer.Error(), service.PublicMessage(errors.New("secret detail")))
}
