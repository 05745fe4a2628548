// Package cache 实现房间历史和房间列表的两级缓存：
// 进程内快速层（有界、带 TTL）+ 共享层（Redis）。快速层从不作为唯一事实来源。
package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/metrics"
	"anon-chatroom/internal/repository"
)

const (
	DefaultFastWindow = 50
	DefaultFastRooms  = 1024
	DefaultTTL        = 10 * time.Minute

	roomListKey = "rooms:public"
	lockStripes = 64
)

// Options 配置缓存层。
type Options struct {
	FastWindow int           // 快速层每个房间保留的消息数
	FastRooms  int           // 快速层最多缓存的房间数
	TTL        time.Duration // 两层共用的过期时间
}

// Tier 是两级缓存。所有操作都是尽力而为：共享层故障只会降级为未命中。
type Tier struct {
	fast      *lru.LRU[string, []domain.Message]
	fastRooms *lru.LRU[string, []domain.Room]
	shared    repository.SharedCache // 可为 nil，此时只有快速层
	window    int
	ttl       time.Duration
	stripes   [lockStripes]sync.RWMutex
	group     singleflight.Group
}

// NewTier 创建缓存层。shared 为 nil 时退化为纯进程内缓存。
func NewTier(shared repository.SharedCache, opts Options) *Tier {
	if opts.FastWindow <= 0 {
		opts.FastWindow = DefaultFastWindow
	}
	if opts.FastRooms <= 0 {
		opts.FastRooms = DefaultFastRooms
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Tier{
		fast:      lru.NewLRU[string, []domain.Message](opts.FastRooms, nil, opts.TTL),
		fastRooms: lru.NewLRU[string, []domain.Room](1, nil, opts.TTL),
		shared:    shared,
		window:    opts.FastWindow,
		ttl:       opts.TTL,
	}
}

// lockFor 返回 key 对应的条带锁，同一 key 的读写在其上互斥。
func (t *Tier) lockFor(key string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &t.stripes[h.Sum32()%lockStripes]
}

// GetMessages 依次查询快速层和共享层，返回房间最近 limit 条消息（limit<=0 时取快速层窗口）；共享层命中时回填快速层。
// 第二个返回值为 false 表示两层都无法给出完整结果，调用方应回退到存储并调用 Populate。
func (t *Tier) GetMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, bool) {
	if limit <= 0 {
		limit = t.window
	}
	mu := t.lockFor(roomID)
	mu.RLock()
	if msgs, ok := t.fastGet(roomID, limit); ok {
		mu.RUnlock()
		metrics.CacheLookups.WithLabelValues("fast", "hit").Inc()
		return msgs, true
	}
	mu.RUnlock()
	metrics.CacheLookups.WithLabelValues("fast", "miss").Inc()

	if t.shared == nil {
		return nil, false
	}

	mu.Lock()
	defer mu.Unlock()
	// 等锁期间可能已被其他读者回填
	if msgs, ok := t.fastGet(roomID, limit); ok {
		return msgs, true
	}
	msgs, err := t.shared.GetMessages(ctx, roomID)
	if err != nil {
		if !errors.Is(err, repository.ErrCacheMiss) {
			logrus.WithField("room_id", roomID).WithError(err).Warn("Shared cache read failed, treating as miss")
		}
		metrics.CacheLookups.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("shared", "hit").Inc()
	t.fast.Add(roomID, t.bound(cloneMessages(msgs)))
	return cloneMessages(tail(msgs, limit)), true
}

// fastGet 从快速层取最近 limit 条。被裁剪过的条目（长度达到窗口）只能回答不超过窗口的请求；
// 短于窗口的条目从未被裁剪，包含房间的全部已加载历史。
func (t *Tier) fastGet(roomID string, limit int) ([]domain.Message, bool) {
	msgs, ok := t.fast.Get(roomID)
	if !ok {
		return nil, false
	}
	if limit > t.window && len(msgs) >= t.window {
		return nil, false
	}
	return cloneMessages(tail(msgs, limit)), true
}

// Populate 在存储回退后写入两层。
func (t *Tier) Populate(ctx context.Context, roomID string, msgs []domain.Message) {
	mu := t.lockFor(roomID)
	mu.Lock()
	defer mu.Unlock()
	if t.shared != nil {
		if err := t.shared.SetMessages(ctx, roomID, msgs, t.ttl); err != nil {
			logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to populate shared cache")
		}
	}
	t.fast.Add(roomID, t.bound(cloneMessages(msgs)))
}

// Append 把新消息写入两层。只在房间历史已缓存时生效，
// 未缓存的房间下次读取会从存储完整回填。
func (t *Tier) Append(ctx context.Context, roomID string, msg domain.Message) {
	mu := t.lockFor(roomID)
	mu.Lock()
	defer mu.Unlock()
	if t.shared != nil {
		if err := t.shared.AppendMessage(ctx, roomID, msg, t.ttl); err != nil {
			logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to append to shared cache")
			// 共享层可能错过了这条消息，丢弃它以免读者拿到缺口
			t.dropShared(ctx, roomID)
		}
	}
	if msgs, ok := t.fast.Peek(roomID); ok {
		next := append(cloneMessages(msgs), msg)
		t.fast.Add(roomID, t.bound(next))
	}
}

// Replace 覆盖已缓存的消息副本（编辑、删除、回应之后）。
func (t *Tier) Replace(ctx context.Context, roomID string, msgs ...domain.Message) {
	if len(msgs) == 0 {
		return
	}
	mu := t.lockFor(roomID)
	mu.Lock()
	defer mu.Unlock()
	if t.shared != nil {
		if err := t.shared.ReplaceMessages(ctx, roomID, msgs); err != nil {
			logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to replace messages in shared cache")
			t.dropShared(ctx, roomID)
		}
	}
	cached, ok := t.fast.Peek(roomID)
	if !ok {
		return
	}
	next := cloneMessages(cached)
	for _, m := range msgs {
		for i := range next {
			if next[i].ID == m.ID {
				next[i] = m
			}
		}
	}
	t.fast.Add(roomID, next)
}

// Invalidate 清空两层中的房间历史。持有写锁，读者不会看到中间状态。
func (t *Tier) Invalidate(ctx context.Context, roomID string) {
	mu := t.lockFor(roomID)
	mu.Lock()
	defer mu.Unlock()
	t.dropShared(ctx, roomID)
	t.fast.Remove(roomID)
}

func (t *Tier) dropShared(ctx context.Context, roomID string) {
	if t.shared == nil {
		return
	}
	if err := t.shared.DeleteMessages(ctx, roomID); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to delete shared cache entry")
	}
}

// LoadMessages 读取最近 limit 条消息，缓存无法满足时调用 loader 并回填。并发的未命中只触发一次 loader。
// 返回的条数只取决于 limit 和存储内容，与缓存状态无关。
func (t *Tier) LoadMessages(ctx context.Context, roomID string, limit int, loader func(context.Context) ([]domain.Message, error)) ([]domain.Message, error) {
	if limit <= 0 {
		limit = t.window
	}
	if msgs, ok := t.GetMessages(ctx, roomID, limit); ok {
		return msgs, nil
	}
	v, err, _ := t.group.Do("messages:"+roomID, func() (interface{}, error) {
		msgs, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		t.Populate(ctx, roomID, msgs)
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneMessages(tail(v.([]domain.Message), limit)), nil
}

// --- Room listing ---

// GetRooms 读取公开房间列表缓存。
func (t *Tier) GetRooms(ctx context.Context) ([]domain.Room, bool) {
	mu := t.lockFor(roomListKey)
	mu.RLock()
	if rooms, ok := t.fastRooms.Get(roomListKey); ok {
		mu.RUnlock()
		metrics.CacheLookups.WithLabelValues("fast", "hit").Inc()
		return append([]domain.Room(nil), rooms...), true
	}
	mu.RUnlock()
	metrics.CacheLookups.WithLabelValues("fast", "miss").Inc()
	if t.shared == nil {
		return nil, false
	}

	mu.Lock()
	defer mu.Unlock()
	rooms, err := t.shared.GetRooms(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrCacheMiss) {
			logrus.WithError(err).Warn("Shared cache room list read failed, treating as miss")
		}
		metrics.CacheLookups.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("shared", "hit").Inc()
	t.fastRooms.Add(roomListKey, rooms)
	return append([]domain.Room(nil), rooms...), true
}

// PopulateRooms 写入公开房间列表。
func (t *Tier) PopulateRooms(ctx context.Context, rooms []domain.Room) {
	mu := t.lockFor(roomListKey)
	mu.Lock()
	defer mu.Unlock()
	if t.shared != nil {
		if err := t.shared.SetRooms(ctx, rooms, t.ttl); err != nil {
			logrus.WithError(err).Warn("Failed to populate shared room list cache")
		}
	}
	t.fastRooms.Add(roomListKey, append([]domain.Room(nil), rooms...))
}

// InvalidateRooms 删除公开房间列表缓存。
func (t *Tier) InvalidateRooms(ctx context.Context) {
	mu := t.lockFor(roomListKey)
	mu.Lock()
	defer mu.Unlock()
	if t.shared != nil {
		if err := t.shared.DeleteRooms(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to delete shared room list cache")
		}
	}
	t.fastRooms.Remove(roomListKey)
}

// LoadRooms 读取房间列表，未命中时调用 loader 并回填。
func (t *Tier) LoadRooms(ctx context.Context, loader func(context.Context) ([]domain.Room, error)) ([]domain.Room, error) {
	if rooms, ok := t.GetRooms(ctx); ok {
		return rooms, nil
	}
	v, err, _ := t.group.Do(roomListKey, func() (interface{}, error) {
		rooms, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		t.PopulateRooms(ctx, rooms)
		return rooms, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]domain.Room(nil), v.([]domain.Room)...), nil
}

func (t *Tier) bound(msgs []domain.Message) []domain.Message {
	if len(msgs) > t.window {
		return msgs[len(msgs)-t.window:]
	}
	return msgs
}

// tail 返回最后 limit 条，limit<=0 表示全部
func tail(msgs []domain.Message, limit int) []domain.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}

func cloneMessages(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		m.Reactions = append([]domain.Reaction(nil), m.Reactions...)
		out[i] = m
	}
	return out
}
