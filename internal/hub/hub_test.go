package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/protocol"
	"anon-chatroom/internal/service"
)

// --- fakes ---

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	pings  int
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.in:
		return websocket.TextMessage, m, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		f.pings++
	case websocket.TextMessage:
		f.writes = append(f.writes, append([]byte(nil), data...))
	}
	return nil
}

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type fakeStore struct {
	mu      sync.Mutex
	hosts   map[string]string
	left    []string
	cleaned []string
}

func newFakeStore() *fakeStore { return &fakeStore{hosts: make(map[string]string)} }

func (s *fakeStore) FindRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &domain.Room{ID: roomID, HostAid: s.hosts[roomID]}, nil
}

func (s *fakeStore) SetHost(ctx context.Context, roomID, hostAid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[roomID] = hostAid
	return nil
}

func (s *fakeStore) MarkLeft(ctx context.Context, roomID, userAid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.left = append(s.left, userAid)
	return nil
}

func (s *fakeStore) CleanupRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned = append(s.cleaned, roomID)
	return nil
}

func (s *fakeStore) host(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hosts[roomID]
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
}

func (s *fakeScheduler) ScheduleRoomCleanup(ctx context.Context, roomID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, roomID)
	return nil
}

func (s *fakeScheduler) CancelRoomCleanup(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, roomID)
	return nil
}

// drain 取出已排队的出站事件
func drain(c *Client) []protocol.Outbound {
	var out []protocol.Outbound
	for {
		select {
		case raw := <-c.send:
			c.queued.Add(-int64(len(raw)))
			var o protocol.Outbound
			if json.Unmarshal(raw, &o) == nil {
				out = append(out, o)
			}
		default:
			return out
		}
	}
}

func kinds(events []protocol.Outbound) []protocol.OutKind {
	out := make([]protocol.OutKind, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func register(t *testing.T, r *Registry, addr string, aid string) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	c, err := r.Register(conn, addr)
	require.NoError(t, err)
	c.SetIdentity(domain.Identity{UserAid: aid, DisplayName: aid})
	return c, conn
}

// --- Registry ---

func TestRegistry_AdmissionPerAddress(t *testing.T) {
	r := NewRegistry(Options{})
	var first *Client
	for i := 0; i < DefaultMaxConnsPerAddr; i++ {
		c, _ := register(t, r, "10.0.0.1", "a")
		if first == nil {
			first = c
		}
	}

	_, err := r.Register(newFakeConn(), "10.0.0.1")
	assert.ErrorIs(t, err, service.ErrAdmissionDenied)

	_, err = r.Register(newFakeConn(), "10.0.0.2")
	assert.NoError(t, err)

	r.Release(first.ID())
	r.Release(first.ID()) // 重复释放无副作用
	assert.Equal(t, DefaultMaxConnsPerAddr, r.Count())

	_, err = r.Register(newFakeConn(), "10.0.0.1")
	assert.NoError(t, err)
}

func TestRegistry_SweepTerminatesSilentConnections(t *testing.T) {
	r := NewRegistry(Options{})
	live, liveConn := register(t, r, "1.1.1.1", "live")
	_, deadConn := register(t, r, "1.1.1.2", "dead")

	r.Sweep() // 两者都在上一轮之后登记，各发一次探测
	assert.Equal(t, 2, r.Count())
	assert.Len(t, live.probe, 1)

	r.Heartbeat(live.ID())
	r.Sweep()
	assert.Equal(t, 1, r.Count())
	_, ok := r.Get(live.ID())
	assert.True(t, ok)
	assert.True(t, deadConn.isClosed())
	assert.False(t, liveConn.isClosed())
	select {
	case <-live.Done():
		t.Fatal("live connection must not be released")
	default:
	}
}

func TestRegistry_LeakyBucket(t *testing.T) {
	r := NewRegistry(Options{})
	c, _ := register(t, r, "1.1.1.1", "a")
	for i := 0; i < DefaultEventBurst; i++ {
		require.True(t, r.Allow(c), "event %d within burst", i+1)
	}
	assert.False(t, r.Allow(c), "event beyond burst is rate limited")
}

func TestClient_SendRespectsBufferCeiling(t *testing.T) {
	r := NewRegistry(Options{SendBufferLimit: 10})
	c, _ := register(t, r, "1.1.1.1", "a")

	assert.True(t, c.Send([]byte("12345678")))
	assert.False(t, c.Send([]byte("12345678")))
	assert.Equal(t, int64(8), c.queued.Load())

	r.Release(c.ID())
	assert.False(t, c.Send([]byte("1")))
}

func TestClient_PumpsWriteAndProbe(t *testing.T) {
	r := NewRegistry(Options{})
	c, conn := register(t, r, "1.1.1.1", "a")
	h := &recordingHandler{}
	c.Run(h)

	conn.in <- []byte(`{"type":"typing"}`)
	assert.Eventually(t, func() bool { return h.count() == 1 }, time.Second, 5*time.Millisecond)

	require.True(t, c.Send([]byte(`{"type":"userTyping"}`)))
	c.requestProbe()
	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.writes) == 1 && conn.pings == 1
	}, time.Second, 5*time.Millisecond)

	_ = conn.Close()
	assert.Eventually(t, func() bool { return h.closedCount() == 1 && r.Count() == 0 }, time.Second, 5*time.Millisecond)
}

type recordingHandler struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed int
}

func (h *recordingHandler) HandleMessage(c *Client, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, raw)
}

func (h *recordingHandler) HandleClose(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func (h *recordingHandler) closedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// --- Join synchronization ---

func TestClient_SyncQueueDrainsInOrder(t *testing.T) {
	r := NewRegistry(Options{})
	c, _ := register(t, r, "1.1.1.1", "a")

	c.bindRoom("room", time.Now())
	assert.False(t, c.EnqueueIfSyncing([]byte("early")))
	epoch := c.BeginSync()
	assert.Equal(t, StateSyncing, c.State())
	require.True(t, c.EnqueueIfSyncing([]byte("1")))
	require.True(t, c.EnqueueIfSyncing([]byte("2")))

	raw, ok := c.NextPending(epoch)
	require.True(t, ok)
	assert.Equal(t, "1", string(raw))
	raw, ok = c.NextPending(epoch)
	require.True(t, ok)
	assert.Equal(t, "2", string(raw))
	_, ok = c.NextPending(epoch)
	assert.False(t, ok)
	assert.Equal(t, StateActive, c.State())

	// 过期的同步轮次不改变状态
	stale := c.BeginSync()
	c.BeginSync()
	_, ok = c.NextPending(stale)
	assert.False(t, ok)
	assert.Equal(t, StateSyncing, c.State())
}

func TestClient_SyncQueueSurvivesRoomSwitch(t *testing.T) {
	p, _, _, r := newPresence()
	ctx := context.Background()
	c, _ := register(t, r, "1", "aid-a")
	join(ctx, p, "r1", c, time.Now())

	first := c.BeginSync()
	require.True(t, c.EnqueueIfSyncing([]byte("join r2")))
	require.True(t, c.EnqueueIfSyncing([]byte("send")))
	raw, ok := c.NextPending(first)
	require.True(t, ok)
	assert.Equal(t, "join r2", string(raw))

	// 排空途中切换房间：离开后仍在同步，新到的事件继续排队
	p.Leave(ctx, "r1", c)
	assert.Equal(t, StateSyncing, c.State())
	require.True(t, c.EnqueueIfSyncing([]byte("typing")))

	second := c.BeginSync()
	join(ctx, p, "r2", c, time.Now())
	_, ok = c.NextPending(first)
	assert.False(t, ok, "superseded drain stops")

	var rest []string
	for {
		raw, ok := c.NextPending(second)
		if !ok {
			break
		}
		rest = append(rest, string(raw))
	}
	assert.Equal(t, []string{"send", "typing"}, rest)
	assert.Equal(t, StateActive, c.State())
}

func TestClient_SyncEndsUnauthenticatedOutsideRoom(t *testing.T) {
	p, _, _, r := newPresence()
	ctx := context.Background()
	c, _ := register(t, r, "1", "aid-a")
	join(ctx, p, "r1", c, time.Now())

	epoch := c.BeginSync()
	require.True(t, c.EnqueueIfSyncing([]byte("send")))
	p.Leave(ctx, "r1", c)

	_, ok := c.NextPending(epoch)
	require.True(t, ok)
	_, ok = c.NextPending(epoch)
	assert.False(t, ok)
	assert.Equal(t, StateUnauthenticated, c.State())

	r.Release(c.ID())
	next := c.BeginSync()
	require.True(t, c.EnqueueIfSyncing([]byte("late")))
	_, ok = c.NextPending(next)
	assert.False(t, ok, "released connection does not drain")
}

// --- Presence ---

// join 按路由器的方式在房间锁内挂接连接
func join(ctx context.Context, p *Presence, roomID string, c *Client, at time.Time) {
	if prev := c.RoomID(); prev != "" && prev != roomID {
		p.Leave(ctx, prev, c)
	}
	unlock := p.Lock(roomID)
	defer unlock()
	p.AttachLocked(ctx, roomID, c, at)
}

func newPresence() (*Presence, *fakeStore, *fakeScheduler, *Registry) {
	store := newFakeStore()
	sched := &fakeScheduler{}
	return NewPresence(store, sched, time.Hour), store, sched, NewRegistry(Options{MaxConnsPerAddr: 100})
}

func TestPresence_FailoverElectsEarliestThenSmallestAid(t *testing.T) {
	p, store, _, r := newPresence()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	host, _ := register(t, r, "h", "aid-host")
	b, _ := register(t, r, "b", "aid-b")
	a, _ := register(t, r, "a", "aid-a")
	late, _ := register(t, r, "c", "aid-0-late")

	join(ctx, p, "room", host, t0.Add(-time.Hour))
	join(ctx, p, "room", b, t0)
	join(ctx, p, "room", a, t0)
	join(ctx, p, "room", late, t0.Add(time.Minute))
	require.NoError(t, store.SetHost(ctx, "room", "aid-host"))
	for _, c := range []*Client{host, a, b, late} {
		drain(c)
	}

	p.Leave(ctx, "room", host)
	assert.Equal(t, "aid-a", store.host("room"))
	assert.Empty(t, host.RoomID())

	events := drain(b)
	assert.Equal(t, []protocol.OutKind{protocol.OutUserLeft, protocol.OutHostUpdated}, kinds(events))
	assert.Empty(t, drain(host))
}

func TestPresence_LastLeaveClearsHostAndSchedulesCleanup(t *testing.T) {
	p, store, sched, r := newPresence()
	ctx := context.Background()
	c, _ := register(t, r, "1", "aid-a")

	join(ctx, p, "room", c, time.Now())
	require.NoError(t, store.SetHost(ctx, "room", "aid-a"))
	assert.Equal(t, []string{"room"}, sched.cancelled)
	assert.Equal(t, []string{"room"}, p.ActiveRooms())

	p.Leave(ctx, "room", c)
	assert.Equal(t, "", store.host("room"))
	assert.Equal(t, []string{"room"}, sched.scheduled)
	assert.Empty(t, p.ActiveRooms())
	assert.Equal(t, []string{"aid-a"}, store.left)

	// 离开是幂等的
	p.Leave(ctx, "room", c)
	assert.Len(t, sched.scheduled, 1)

	// 重新加入取消清理
	join(ctx, p, "room", c, time.Now())
	assert.Equal(t, []string{"room", "room"}, sched.cancelled)
}

func TestPresence_SameIdentityMultipleConnections(t *testing.T) {
	p, store, _, r := newPresence()
	ctx := context.Background()
	tab1, _ := register(t, r, "1", "aid-a")
	tab2, _ := register(t, r, "1", "aid-a")
	other, _ := register(t, r, "2", "aid-b")
	now := time.Now()
	join(ctx, p, "room", tab1, now)
	join(ctx, p, "room", tab2, now)
	join(ctx, p, "room", other, now)
	drain(other)

	p.Leave(ctx, "room", tab1)
	assert.Empty(t, drain(other), "identity still present through its other connection")
	assert.Empty(t, store.left)

	p.Leave(ctx, "room", tab2)
	assert.Equal(t, []protocol.OutKind{protocol.OutUserLeft}, kinds(drain(other)))
}

func TestPresence_ForceDisconnect(t *testing.T) {
	p, _, _, r := newPresence()
	ctx := context.Background()
	target, _ := register(t, r, "1", "aid-bad")
	stay, _ := register(t, r, "2", "aid-good")
	join(ctx, p, "room", target, time.Now())
	join(ctx, p, "room", stay, time.Now())
	drain(stay)

	n := p.ForceDisconnect(ctx, "room", "aid-bad", "banned")
	assert.Equal(t, 1, n)
	assert.Equal(t, []protocol.OutKind{protocol.OutForceDisconnect}, kinds(drain(target)))
	assert.Equal(t, []protocol.OutKind{protocol.OutUserLeft}, kinds(drain(stay)))
	assert.Len(t, p.Members("room"), 1)

	assert.Equal(t, 0, p.ForceDisconnect(ctx, "room", "aid-missing", "banned"))
}

func TestPresence_BroadcastSkipsSlowConsumer(t *testing.T) {
	store := newFakeStore()
	p := NewPresence(store, &fakeScheduler{}, time.Hour)
	r := NewRegistry(Options{SendBufferLimit: 64})
	ctx := context.Background()
	slow, _ := register(t, r, "1", "aid-slow")
	fast, _ := register(t, r, "2", "aid-fast")
	join(ctx, p, "room", slow, time.Now())
	join(ctx, p, "room", fast, time.Now())

	// slow 的缓冲已满
	require.True(t, slow.Send(make([]byte, 60)))
	drain(fast)

	unlock := p.Lock("room")
	sent := p.BroadcastFilterLocked("room", protocol.OutUserTyping, protocol.UserTyping{UserAid: "x"}, nil)
	unlock()
	assert.Equal(t, 1, sent)
	assert.Len(t, drain(fast), 1)
}

func TestPresence_CleanupIfEmpty(t *testing.T) {
	p, store, _, r := newPresence()
	ctx := context.Background()
	c, _ := register(t, r, "1", "aid-a")
	join(ctx, p, "room", c, time.Now())

	cleaned, err := p.CleanupIfEmpty(ctx, "room")
	require.NoError(t, err)
	assert.False(t, cleaned)

	p.Leave(ctx, "room", c)
	cleaned, err = p.CleanupIfEmpty(ctx, "room")
	require.NoError(t, err)
	assert.True(t, cleaned)
	assert.Equal(t, []string{"room"}, store.cleaned)
}

func TestPresence_RoomsIndependent(t *testing.T) {
	p, _, _, _ := newPresence()
	unlockA := p.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := p.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on room b blocked by room a")
	}
	unlockA()
}
