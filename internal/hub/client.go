package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	sendChannelSize = 256
)

// Transport 是连接底层的消息通道，*websocket.Conn 满足该接口。
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// State 是连接的协议状态
type State int32

const (
	StateUnauthenticated State = iota
	StateSyncing
	StateActive
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateActive:
		return "active"
	default:
		return "unauthenticated"
	}
}

// Handler 处理一个连接读到的消息以及连接关闭。
// HandleMessage 在该连接的读 goroutine 中按到达顺序调用。
type Handler interface {
	HandleMessage(c *Client, raw []byte)
	HandleClose(c *Client)
}

// Client 代表一个已登记的连接。由 Registry 创建和销毁，Presence 只持有引用。
type Client struct {
	id         string
	remoteAddr string
	conn       Transport
	registry   *Registry
	limiter    *rate.Limiter

	send      chan []byte
	probe     chan struct{}
	closing   chan struct{} // 发完已排队消息后关闭
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once

	queued    atomic.Int64 // 已排队未写出的字节数
	sendLimit int64
	alive     atomic.Bool

	mu         sync.Mutex
	identity   domain.Identity
	signingKey string
	roomID     string
	joinedAt   time.Time
	state      State
	pending    [][]byte
	syncEpoch  uint64
}

func newClient(r *Registry, conn Transport, id, remoteAddr string) *Client {
	c := &Client{
		id:         id,
		remoteAddr: remoteAddr,
		conn:       conn,
		registry:   r,
		limiter:    rate.NewLimiter(rate.Limit(r.opts.EventsPerSecond), r.opts.EventBurst),
		send:       make(chan []byte, sendChannelSize),
		probe:      make(chan struct{}, 1),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		sendLimit:  r.opts.SendBufferLimit,
	}
	c.alive.Store(true)
	return c
}

func (c *Client) ID() string         { return c.id }
func (c *Client) RemoteAddr() string { return c.remoteAddr }

// Identity 返回连接的身份
func (c *Client) Identity() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetIdentity 在认证后绑定身份
func (c *Client) SetIdentity(id domain.Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

// SigningKey 返回当前房间内登记的签名公钥
func (c *Client) SigningKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signingKey
}

// SetSigningKey 记录加入房间时提交的签名公钥
func (c *Client) SetSigningKey(key string) {
	c.mu.Lock()
	c.signingKey = key
	c.mu.Unlock()
}

// RoomID 返回当前所在房间，未加入时为空
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// JoinedAt 返回在当前房间的加入时间
func (c *Client) JoinedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinedAt
}

// State 返回协议状态
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) bindRoom(roomID string, joinedAt time.Time) {
	c.mu.Lock()
	c.roomID = roomID
	c.joinedAt = joinedAt
	c.mu.Unlock()
}

func (c *Client) unbindRoom(roomID string) {
	c.mu.Lock()
	if c.roomID == roomID {
		c.roomID = ""
		c.joinedAt = time.Time{}
		c.signingKey = ""
		// 同步期间积压的事件仍由排空 goroutine 按到达顺序处理，切换房间不丢弃它们
		if c.state != StateSyncing {
			c.state = StateUnauthenticated
		}
	}
	c.mu.Unlock()
}

// --- Join synchronization ---

// EnqueueIfSyncing 在连接处于 Syncing 时把消息追加到待处理队列并返回 true。
func (c *Client) EnqueueIfSyncing(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSyncing {
		return false
	}
	c.pending = append(c.pending, raw)
	return true
}

// BeginSync 进入 Syncing 并返回本轮同步的编号。尚未处理的积压事件转入新一轮，旧轮次的排空随之停止。
func (c *Client) BeginSync() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateSyncing
	c.syncEpoch++
	return c.syncEpoch
}

// NextPending 取出下一条待处理消息。队列为空时结束同步并返回 ok=false：
// 仍在房间内则切换为 Active，否则回到 Unauthenticated。
// 若 epoch 已过期（期间开始了新的一轮同步）或连接已释放，返回 ok=false 且不改变状态。
func (c *Client) NextPending(epoch uint64) (raw []byte, ok bool) {
	select {
	case <-c.done:
		return nil, false
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncEpoch != epoch || c.state != StateSyncing {
		return nil, false
	}
	if len(c.pending) == 0 {
		c.state = StateActive
		if c.roomID == "" {
			c.state = StateUnauthenticated
		}
		c.pending = nil
		return nil, false
	}
	raw = c.pending[0]
	c.pending = c.pending[1:]
	return raw, true
}

// --- Outbound ---

// Send 把消息放入发送队列。连接已关闭、队列已满或排队字节超过上限时丢弃并返回 false，从不阻塞。
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	size := int64(len(msg))
	if c.sendLimit > 0 && c.queued.Load()+size > c.sendLimit {
		metrics.BroadcastSkipped.Inc()
		return false
	}
	c.queued.Add(size)
	select {
	case c.send <- msg:
		return true
	default:
		c.queued.Add(-size)
		metrics.BroadcastSkipped.Inc()
		return false
	}
}

// CloseAfterFlush 写出已排队的消息后关闭连接
func (c *Client) CloseAfterFlush() {
	c.closeOnce.Do(func() { close(c.closing) })
}

// Done 在连接被释放后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) requestProbe() {
	select {
	case c.probe <- struct{}{}:
	default:
	}
}

func (c *Client) logCtx() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"conn_id": c.id, "remote_addr": c.remoteAddr})
}

// Run 启动读写 goroutine
func (c *Client) Run(h Handler) {
	go c.WritePump()
	go c.ReadPump(h)
}

// ReadPump 读取消息并按顺序交给 Handler。连接出错或关闭时释放连接。
func (c *Client) ReadPump(h Handler) {
	defer func() {
		c.registry.Release(c.id)
		h.HandleClose(c)
		c.logCtx().Debug("readPump exited, connection released")
	}()

	c.conn.SetReadLimit(c.registry.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.registry.readWait()))
	c.conn.SetPongHandler(func(string) error {
		c.registry.Heartbeat(c.id)
		return c.conn.SetReadDeadline(time.Now().Add(c.registry.readWait()))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logCtx().WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.logCtx().WithError(err).Debug("WebSocket connection closed")
			}
			return
		}
		c.registry.Heartbeat(c.id)
		_ = c.conn.SetReadDeadline(time.Now().Add(c.registry.readWait()))
		if messageType != websocket.TextMessage {
			c.logCtx().Debugf("Ignoring non-text message type: %d", messageType)
			continue
		}
		h.HandleMessage(c, message)
	}
}

// WritePump 把发送队列中的消息写入连接，并按 Registry 的要求发送探测 Ping。
func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
		c.logCtx().Debug("writePump exited")
	}()

	for {
		select {
		case message := <-c.send:
			if !c.write(websocket.TextMessage, message) {
				return
			}
		case <-c.probe:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.closing:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(messageType, data)
	if messageType == websocket.TextMessage {
		c.queued.Add(-int64(len(data)))
	}
	if err != nil {
		c.logCtx().WithError(err).Debug("Failed to write to websocket")
		return false
	}
	return true
}

// flush 写出队列中剩余的消息
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if !c.write(websocket.TextMessage, message) {
				return
			}
		default:
			return
		}
	}
}
