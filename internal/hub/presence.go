package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/metrics"
	"anon-chatroom/internal/protocol"
	"anon-chatroom/internal/tasks"
)

// DefaultCleanupDelay 是房间变空后到清理之间的宽限期
const DefaultCleanupDelay = 24 * time.Hour

// RoomStore 是 Presence 需要的房间持久化操作
type RoomStore interface {
	FindRoom(ctx context.Context, roomID string) (*domain.Room, error)
	SetHost(ctx context.Context, roomID, hostAid string) error
	MarkLeft(ctx context.Context, roomID, userAid string) error
	CleanupRoom(ctx context.Context, roomID string) error
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// Presence 维护房间到连接的映射。同一房间的加入、离开、房主转移和广播在房间锁内串行执行，不同房间互不影响。
type Presence struct {
	store        RoomStore
	scheduler    tasks.Scheduler
	cleanupDelay time.Duration

	mu    sync.Mutex
	rooms map[string]map[string]*Client // roomID -> connID -> client
	locks map[string]*roomLock
}

// NewPresence 创建 Presence
func NewPresence(store RoomStore, scheduler tasks.Scheduler, cleanupDelay time.Duration) *Presence {
	if store == nil || scheduler == nil {
		panic("RoomStore and Scheduler cannot be nil for Presence")
	}
	if cleanupDelay <= 0 {
		cleanupDelay = DefaultCleanupDelay
	}
	return &Presence{
		store:        store,
		scheduler:    scheduler,
		cleanupDelay: cleanupDelay,
		rooms:        make(map[string]map[string]*Client),
		locks:        make(map[string]*roomLock),
	}
}

// Lock 获取房间锁并返回解锁函数
func (p *Presence) Lock(roomID string) (unlock func()) {
	p.mu.Lock()
	l, ok := p.locks[roomID]
	if !ok {
		l = &roomLock{}
		p.locks[roomID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(p.locks, roomID)
		}
		p.mu.Unlock()
	}
}

// Members 返回房间内的连接
func (p *Presence) Members(roomID string) []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	members := make([]*Client, 0, len(p.rooms[roomID]))
	for _, c := range p.rooms[roomID] {
		members = append(members, c)
	}
	return members
}

// ActiveRooms 返回至少有一个连接的房间
func (p *Presence) ActiveRooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.rooms))
	for id := range p.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AttachLocked 把连接加入房间成员集合并取消待执行的清理。调用方需持有房间锁，且连接不在其他房间。
func (p *Presence) AttachLocked(ctx context.Context, roomID string, c *Client, joinedAt time.Time) {
	p.mu.Lock()
	members, ok := p.rooms[roomID]
	if !ok {
		members = make(map[string]*Client)
		p.rooms[roomID] = members
		metrics.RoomsActive.Inc()
	}
	members[c.id] = c
	p.mu.Unlock()

	c.bindRoom(roomID, joinedAt)
	if !ok {
		if err := p.scheduler.CancelRoomCleanup(ctx, roomID); err != nil {
			logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to cancel room cleanup")
		}
	}
}

// Leave 让连接离开房间：更新成员记录、通知其他成员、必要时转移房主，房间变空时安排清理。
func (p *Presence) Leave(ctx context.Context, roomID string, c *Client) {
	unlock := p.Lock(roomID)
	defer unlock()
	if !p.detach(roomID, c) {
		return
	}
	p.departed(ctx, roomID, c.Identity())
}

// ForceDisconnect 向该身份在房间内的所有连接发送终止通知并移出房间，然后通知其余成员。
func (p *Presence) ForceDisconnect(ctx context.Context, roomID, userAid, reason string) int {
	unlock := p.Lock(roomID)
	defer unlock()

	notice, err := protocol.Encode(protocol.OutForceDisconnect, roomID, protocol.ForceDisconnect{Reason: reason})
	if err != nil {
		logrus.WithError(err).Error("Failed to encode forceDisconnect")
		return 0
	}
	var who domain.Identity
	removed := 0
	for _, c := range p.Members(roomID) {
		id := c.Identity()
		if id.UserAid != userAid {
			continue
		}
		who = id
		c.Send(notice)
		if p.detach(roomID, c) {
			removed++
		}
		c.CloseAfterFlush()
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "user_aid": userAid, "reason": reason, "connections": removed}).Info("Identity forcibly disconnected")
		p.departed(ctx, roomID, who)
	}
	return removed
}

// detach 从成员集合中移除连接，返回连接此前是否在房间内
func (p *Presence) detach(roomID string, c *Client) bool {
	p.mu.Lock()
	members := p.rooms[roomID]
	_, ok := members[c.id]
	if ok {
		delete(members, c.id)
	}
	p.mu.Unlock()
	if ok {
		c.unbindRoom(roomID)
	}
	return ok
}

// departed 在某身份的一个连接离开后执行。调用方需持有房间锁。
func (p *Presence) departed(ctx context.Context, roomID string, who domain.Identity) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_aid": who.UserAid})
	remaining := p.Members(roomID)

	// 同一身份仍有其他连接在房间内：对其他成员来说它没有离开
	for _, c := range remaining {
		if c.Identity().UserAid == who.UserAid {
			return
		}
	}

	if err := p.store.MarkLeft(ctx, roomID, who.UserAid); err != nil {
		logCtx.WithError(err).Error("Failed to mark participant left")
	}
	p.BroadcastLocked(roomID, protocol.OutUserLeft, protocol.UserLeft{UserAid: who.UserAid, DisplayName: who.DisplayName}, nil)
	p.failover(ctx, roomID, who.UserAid, remaining)

	if len(remaining) == 0 {
		p.mu.Lock()
		if len(p.rooms[roomID]) == 0 {
			delete(p.rooms, roomID)
			metrics.RoomsActive.Dec()
		}
		p.mu.Unlock()
		if err := p.scheduler.ScheduleRoomCleanup(ctx, roomID, p.cleanupDelay); err != nil {
			logCtx.WithError(err).Error("Failed to schedule room cleanup")
		} else {
			logCtx.WithField("delay", p.cleanupDelay).Info("Room empty, cleanup scheduled")
		}
	}
}

// failover 在房主离开时把房主交给加入最早的剩余成员（同时加入时按身份排序），没有剩余成员时清空房主。
func (p *Presence) failover(ctx context.Context, roomID, departedAid string, remaining []*Client) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "departed_aid": departedAid})
	room, err := p.store.FindRoom(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Warn("Failover skipped: room not loaded")
		return
	}
	if room.HostAid != departedAid {
		return
	}

	next := electHost(remaining)
	if err := p.store.SetHost(ctx, roomID, next); err != nil {
		logCtx.WithError(err).Error("Failed to persist new host")
		return
	}
	if next == "" {
		logCtx.Info("Host cleared, room has no members")
		return
	}
	metrics.HostFailovers.Inc()
	logCtx.WithField("host_aid", next).Info("Host transferred")
	p.BroadcastLocked(roomID, protocol.OutHostUpdated, protocol.HostUpdated{HostAid: next}, nil)
}

func electHost(remaining []*Client) string {
	var (
		best     string
		bestTime time.Time
	)
	for _, c := range remaining {
		aid := c.Identity().UserAid
		joined := c.JoinedAt()
		if best == "" || joined.Before(bestTime) || (joined.Equal(bestTime) && aid < best) {
			best, bestTime = aid, joined
		}
	}
	return best
}

// BroadcastLocked 把事件发给房间内除 except 之外的所有成员。超过缓冲上限的成员被跳过。
func (p *Presence) BroadcastLocked(roomID string, kind protocol.OutKind, data interface{}, except *Client) {
	p.BroadcastFilterLocked(roomID, kind, data, func(c *Client) bool { return c != except })
}

// BroadcastFilterLocked 把事件发给 filter 返回 true 的成员
func (p *Presence) BroadcastFilterLocked(roomID string, kind protocol.OutKind, data interface{}, filter func(*Client) bool) int {
	msg, err := protocol.Encode(kind, roomID, data)
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "type": kind}).WithError(err).Error("Failed to encode broadcast")
		return 0
	}
	sent := 0
	for _, c := range p.Members(roomID) {
		if filter != nil && !filter(c) {
			continue
		}
		if c.Send(msg) {
			sent++
		} else {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "conn_id": c.id, "type": kind}).Debug("Receiver over buffer ceiling, skipped")
		}
	}
	return sent
}

// CleanupIfEmpty 在房间仍然没有连接时删除房间。返回是否执行了清理。
func (p *Presence) CleanupIfEmpty(ctx context.Context, roomID string) (bool, error) {
	unlock := p.Lock(roomID)
	defer unlock()
	if len(p.Members(roomID)) > 0 {
		logrus.WithField("room_id", roomID).Info("Room cleanup skipped: room is active again")
		return false, nil
	}
	if err := p.store.CleanupRoom(ctx, roomID); err != nil {
		return false, err
	}
	metrics.RoomsCleaned.Inc()
	return true, nil
}
