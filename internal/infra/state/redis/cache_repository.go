package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/repository"
)

// 仅当历史已被填充（标记键存在）时追加并裁剪。
// KEYS[1]=list KEYS[2]=marker ARGV[1]=payload ARGV[2]=window ARGV[3]=ttl ms
var appendIfLoaded = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], -tonumber(ARGV[2]), -1)
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
end
return 1
`)

// RedisCacheRepository 是 SharedCache 接口的 Redis 实现
type RedisCacheRepository struct {
	client    *redis.Client
	keyPrefix string
	window    int // 每个房间保留的消息条数
}

// NewRedisCacheRepository 创建 RedisCacheRepository 实例
func NewRedisCacheRepository(client *redis.Client, keyPrefix string, window int) *RedisCacheRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisCacheRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "chat:"
	}
	if window <= 0 {
		window = 100
	}
	return &RedisCacheRepository{
		client:    client,
		keyPrefix: keyPrefix,
		window:    window,
	}
}

// --- Key Generation Helpers ---
func (r *RedisCacheRepository) roomMessagesKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:messages", r.keyPrefix, roomID)
}

func (r *RedisCacheRepository) roomLoadedKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:messages:loaded", r.keyPrefix, roomID)
}

func (r *RedisCacheRepository) roomListKey() string {
	return r.keyPrefix + "rooms:public"
}

// GetMessages 返回缓存的房间历史，按序号升序。
func (r *RedisCacheRepository) GetMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	key := r.roomMessagesKey(roomID)
	pipe := r.client.Pipeline()
	existsCmd := pipe.Exists(ctx, r.roomLoadedKey(roomID))
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: failed to get messages for room %s from %s: %w", roomID, key, err)
	}
	if existsCmd.Val() == 0 {
		return nil, repository.ErrCacheMiss
	}
	msgs := make([]domain.Message, 0, len(rangeCmd.Val()))
	for _, raw := range rangeCmd.Val() {
		var m domain.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			logrus.Warnf("redis: failed to unmarshal cached message for room %s: %v", roomID, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// SetMessages 用 msgs 覆盖房间历史并写入已加载标记。
func (r *RedisCacheRepository) SetMessages(ctx context.Context, roomID string, msgs []domain.Message, ttl time.Duration) error {
	key := r.roomMessagesKey(roomID)
	if len(msgs) > r.window {
		msgs = msgs[len(msgs)-r.window:]
	}
	values := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("redis: failed to marshal message %s for cache: %w", m.ID, err)
		}
		values = append(values, string(b))
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		pipe.Set(ctx, r.roomLoadedKey(roomID), "1", ttl)
		if ttl > 0 && len(values) > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to set messages for room %s on key %s: %w", roomID, key, err)
	}
	return nil
}

// AppendMessage 追加一条消息到已缓存的历史。
func (r *RedisCacheRepository) AppendMessage(ctx context.Context, roomID string, msg domain.Message, ttl time.Duration) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal message %s for cache: %w", msg.ID, err)
	}
	keys := []string{r.roomMessagesKey(roomID), r.roomLoadedKey(roomID)}
	if err := appendIfLoaded.Run(ctx, r.client, keys, string(b), r.window, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis: failed to append message %s for room %s: %w", msg.ID, roomID, err)
	}
	return nil
}

// ReplaceMessages 覆盖列表中 ID 相同的条目。调用方需持有房间锁。
func (r *RedisCacheRepository) ReplaceMessages(ctx context.Context, roomID string, msgs []domain.Message) error {
	key := r.roomMessagesKey(roomID)
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis: failed to read messages for replace in room %s: %w", roomID, err)
	}
	byID := make(map[string]domain.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	pipe := r.client.Pipeline()
	for i, s := range raw {
		var cached struct {
			ID string `json:"id"`
		}
		if json.Unmarshal([]byte(s), &cached) != nil {
			continue
		}
		m, ok := byID[cached.ID]
		if !ok {
			continue
		}
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("redis: failed to marshal message %s for replace: %w", m.ID, err)
		}
		pipe.LSet(ctx, key, int64(i), string(b))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: failed to replace messages in room %s: %w", roomID, err)
	}
	return nil
}

// DeleteMessages 清空房间历史缓存。
func (r *RedisCacheRepository) DeleteMessages(ctx context.Context, roomID string) error {
	if err := r.client.Del(ctx, r.roomLoadedKey(roomID), r.roomMessagesKey(roomID)).Err(); err != nil {
		return fmt.Errorf("redis: failed to delete messages cache for room %s: %w", roomID, err)
	}
	return nil
}

// GetRooms 返回缓存的公开房间列表。
func (r *RedisCacheRepository) GetRooms(ctx context.Context) ([]domain.Room, error) {
	key := r.roomListKey()
	s, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis: failed to get room list from %s: %w", key, err)
	}
	var rooms []domain.Room
	if err := json.Unmarshal([]byte(s), &rooms); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal room list from %s: %w", key, err)
	}
	return rooms, nil
}

// SetRooms 缓存公开房间列表。
func (r *RedisCacheRepository) SetRooms(ctx context.Context, rooms []domain.Room, ttl time.Duration) error {
	key := r.roomListKey()
	b, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal room list: %w", err)
	}
	if err := r.client.Set(ctx, key, string(b), ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set room list on key %s: %w", key, err)
	}
	return nil
}

// DeleteRooms 删除房间列表缓存。
func (r *RedisCacheRepository) DeleteRooms(ctx context.Context) error {
	if err := r.client.Del(ctx, r.roomListKey()).Err(); err != nil {
		return fmt.Errorf("redis: failed to delete room list cache: %w", err)
	}
	return nil
}
