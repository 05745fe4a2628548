// Package hub 管理连接的生命周期（Registry）以及房间成员关系（Presence）。
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/metrics"
	"anon-chatroom/internal/service"
)

// 准入和限流的默认值
const (
	DefaultMaxConnsPerAddr = 5
	DefaultEventsPerSecond = 1
	DefaultEventBurst      = 10
	DefaultSendBufferLimit = 1 << 20   // 1 MiB
	DefaultMaxMessageSize  = 100 << 10 // 100 KiB
	DefaultSweepInterval   = 30 * time.Second
)

// Options 配置 Registry
type Options struct {
	MaxConnsPerAddr int
	EventsPerSecond float64
	EventBurst      int
	SendBufferLimit int64
	MaxMessageSize  int64
	SweepInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConnsPerAddr <= 0 {
		o.MaxConnsPerAddr = DefaultMaxConnsPerAddr
	}
	if o.EventsPerSecond <= 0 {
		o.EventsPerSecond = DefaultEventsPerSecond
	}
	if o.EventBurst <= 0 {
		o.EventBurst = DefaultEventBurst
	}
	if o.SendBufferLimit <= 0 {
		o.SendBufferLimit = DefaultSendBufferLimit
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	return o
}

// Registry 持有进程内所有连接。在启动时创建一次，关闭时通过 CloseAll 释放。
type Registry struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*Client
	perAddr map[string]int
}

// NewRegistry 创建 Registry
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:    opts.withDefaults(),
		clients: make(map[string]*Client),
		perAddr: make(map[string]int),
	}
}

// readWait 是读超时：允许错过一个探测周期再加上余量
func (r *Registry) readWait() time.Duration {
	return 2*r.opts.SweepInterval + writeWait
}

// Register 登记一个新连接。同一地址的连接数达到上限时返回 service.ErrAdmissionDenied。
func (r *Registry) Register(conn Transport, remoteAddr string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.perAddr[remoteAddr] >= r.opts.MaxConnsPerAddr {
		metrics.AdmissionsDenied.Inc()
		logrus.WithField("remote_addr", remoteAddr).Warn("Connection rejected: per-address limit reached")
		return nil, service.ErrAdmissionDenied
	}
	c := newClient(r, conn, uuid.NewString(), remoteAddr)
	r.clients[c.id] = c
	r.perAddr[remoteAddr]++
	metrics.ConnectionsActive.Inc()
	c.logCtx().Debug("Connection registered")
	return c, nil
}

// Get 按 ID 查找连接
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// Count 返回当前连接数
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Heartbeat 标记连接存活
func (r *Registry) Heartbeat(id string) {
	if c, ok := r.Get(id); ok {
		c.alive.Store(true)
	}
}

// Allow 消耗连接的一个令牌，桶空时返回 false
func (r *Registry) Allow(c *Client) bool {
	if c.limiter.Allow() {
		return true
	}
	metrics.EventsRateLimited.Inc()
	return false
}

// Release 注销连接并释放其状态，可重复调用。
func (r *Registry) Release(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
		if r.perAddr[c.remoteAddr]--; r.perAddr[c.remoteAddr] <= 0 {
			delete(r.perAddr, c.remoteAddr)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	metrics.ConnectionsActive.Dec()
	c.markDone()
	_ = c.conn.Close()
	c.logCtx().Debug("Connection released")
}

// terminate 由服务端主动关闭连接。读 goroutine 随后会调用 Release。
func (r *Registry) terminate(c *Client, reason string) {
	metrics.ConnectionsTerminated.WithLabelValues(reason).Inc()
	c.logCtx().WithField("reason", reason).Info("Terminating connection")
	_ = c.conn.Close()
	r.Release(c.id)
}

// Sweep 执行一轮存活检查：上一轮之后没有心跳的连接被关闭，其余连接清除标记并发送一次探测。
func (r *Registry) Sweep() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		if !c.alive.Swap(false) {
			r.terminate(c, "heartbeat")
			continue
		}
		c.requestProbe()
	}
}

// Run 按间隔执行 Sweep，直到 ctx 结束
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	logrus.WithField("interval", r.opts.SweepInterval).Info("Connection sweep started")
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Connection sweep stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// CloseAll 关闭所有连接，用于进程退出
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		r.terminate(c, "shutdown")
	}
}
