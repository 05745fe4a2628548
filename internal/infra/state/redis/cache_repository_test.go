package redisstate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/repository"
)

func newTestRepo(t *testing.T, window int) (*RedisCacheRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheRepository(client, "test:", window), mr
}

func msg(i int) domain.Message {
	return domain.Message{ID: fmt.Sprintf("m%d", i), RoomID: "r1", Sequence: int64(i), Content: fmt.Sprint(i)}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestRedisCache_MessagesRoundTrip(t *testing.T) {
	repo, _ := newTestRepo(t, 10)
	ctx := context.Background()

	_, err := repo.GetMessages(ctx, "r1")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	require.NoError(t, repo.SetMessages(ctx, "r1", []domain.Message{msg(1), msg(2)}, time.Minute))
	got, err := repo.GetMessages(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(got))

	// 空历史也是一次命中
	require.NoError(t, repo.SetMessages(ctx, "r2", nil, time.Minute))
	got, err = repo.GetMessages(ctx, "r2")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisCache_AppendOnlyWhenLoaded(t *testing.T) {
	repo, _ := newTestRepo(t, 3)
	ctx := context.Background()

	require.NoError(t, repo.AppendMessage(ctx, "r1", msg(1), time.Minute))
	_, err := repo.GetMessages(ctx, "r1")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	require.NoError(t, repo.SetMessages(ctx, "r1", []domain.Message{msg(1), msg(2)}, time.Minute))
	require.NoError(t, repo.AppendMessage(ctx, "r1", msg(3), time.Minute))
	require.NoError(t, repo.AppendMessage(ctx, "r1", msg(4), time.Minute))

	got, err := repo.GetMessages(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids(got))
}

func TestRedisCache_ReplaceAndDelete(t *testing.T) {
	repo, _ := newTestRepo(t, 10)
	ctx := context.Background()
	require.NoError(t, repo.SetMessages(ctx, "r1", []domain.Message{msg(1), msg(2)}, time.Minute))

	edited := msg(2)
	edited.Content = "edited"
	edited.Edited = true
	require.NoError(t, repo.ReplaceMessages(ctx, "r1", []domain.Message{edited, msg(99)}))

	got, err := repo.GetMessages(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].Content)
	assert.Equal(t, "edited", got[1].Content)
	assert.True(t, got[1].Edited)

	require.NoError(t, repo.DeleteMessages(ctx, "r1"))
	_, err = repo.GetMessages(ctx, "r1")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)
}

func TestRedisCache_TTL(t *testing.T) {
	repo, mr := newTestRepo(t, 10)
	ctx := context.Background()
	require.NoError(t, repo.SetMessages(ctx, "r1", []domain.Message{msg(1)}, time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err := repo.GetMessages(ctx, "r1")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)
}

func TestRedisCache_Rooms(t *testing.T) {
	repo, _ := newTestRepo(t, 10)
	ctx := context.Background()

	_, err := repo.GetRooms(ctx)
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	require.NoError(t, repo.SetRooms(ctx, []domain.Room{{ID: "1", Name: "lobby"}}, time.Minute))
	rooms, err := repo.GetRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "lobby", rooms[0].Name)

	require.NoError(t, repo.DeleteRooms(ctx))
	_, err = repo.GetRooms(ctx)
	assert.ErrorIs(t, err, repository.ErrCacheMiss)
}
