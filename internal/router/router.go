// Package router 解码连接上的事件并分派到各事件处理器，再通过 Presence 把结果广播给房间成员。
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/hub"
	"anon-chatroom/internal/metrics"
	"anon-chatroom/internal/protocol"
	"anon-chatroom/internal/service"
)

type handlerFunc func(ctx context.Context, c *hub.Client, in *protocol.Inbound) error

// Router 实现 hub.Handler
type Router struct {
	registry *hub.Registry
	presence *hub.Presence
	rooms    *service.RoomService
	chat     *service.ChatService
	keys     *service.KeyService
	handlers map[protocol.Kind]handlerFunc
}

var _ hub.Handler = (*Router)(nil)

// NewRouter 创建 Router
func NewRouter(registry *hub.Registry, presence *hub.Presence, rooms *service.RoomService, chat *service.ChatService, keys *service.KeyService) *Router {
	if registry == nil || presence == nil {
		panic("Registry and Presence cannot be nil for Router")
	}
	if rooms == nil || chat == nil || keys == nil {
		panic("RoomService, ChatService and KeyService cannot be nil for Router")
	}
	r := &Router{registry: registry, presence: presence, rooms: rooms, chat: chat, keys: keys}
	r.handlers = map[protocol.Kind]handlerFunc{
		protocol.KindJoin:        r.handleJoin,
		protocol.KindLeave:       r.handleLeave,
		protocol.KindSend:        r.handleSend,
		protocol.KindEdit:        r.handleEdit,
		protocol.KindDelete:      r.handleDelete,
		protocol.KindReact:       r.handleReact,
		protocol.KindRotateKey:   r.handleRotateKey,
		protocol.KindSaveRoomKey: r.handleSaveRoomKey,
		protocol.KindTyping:      r.handleTyping,
		protocol.KindSignal:      r.handleSignal,
	}
	return r
}

// HandleMessage 对事件限流；连接处于 Syncing 时排队，否则立即分派。
func (r *Router) HandleMessage(c *hub.Client, raw []byte) {
	if !r.registry.Allow(c) {
		r.sendError(c, "", service.ErrRateLimited)
		return
	}
	if c.EnqueueIfSyncing(raw) {
		return
	}
	r.Dispatch(c, raw)
}

// HandleClose 在连接关闭后让其离开所在房间
func (r *Router) HandleClose(c *hub.Client) {
	if roomID := c.RoomID(); roomID != "" {
		r.presence.Leave(context.Background(), roomID, c)
	}
}

// Dispatch 解码并处理一个事件。处理器的 panic 在这里被恢复并转换为 error 事件。
func (r *Router) Dispatch(c *hub.Client, raw []byte) {
	ctx := context.Background()
	logCtx := logrus.WithField("conn_id", c.ID())

	in, err := protocol.Decode(raw)
	if err != nil {
		logCtx.WithError(err).Debug("Dropping malformed event")
		r.sendError(c, "", err)
		return
	}
	logCtx = logCtx.WithFields(logrus.Fields{"type": in.Type, "room_id": in.RoomID})

	defer func() {
		if rec := recover(); rec != nil {
			logCtx.WithField("panic", fmt.Sprint(rec)).Errorf("Event handler panicked\n%s", debug.Stack())
			r.sendError(c, in.Type, service.ErrInternalServer)
		}
	}()

	handler := r.handleUnknown
	if in.Type.Known() {
		handler = r.handlers[in.Type]
		metrics.EventsReceived.WithLabelValues(string(in.Type)).Inc()
	} else {
		metrics.EventsReceived.WithLabelValues("unknown").Inc()
	}

	if c.Identity().UserAid == "" {
		r.sendError(c, in.Type, service.ErrUnauthorized)
		return
	}
	if err := handler(ctx, c, in); err != nil {
		if errors.Is(err, service.ErrInternalServer) {
			logCtx.WithError(err).Error("Event handling failed")
		} else {
			logCtx.WithError(err).Debug("Event rejected")
		}
		r.sendError(c, in.Type, err)
	}
}

func (r *Router) sendError(c *hub.Client, kind protocol.Kind, err error) {
	code := service.ErrorCode(err)
	metrics.EventErrors.WithLabelValues(code).Inc()
	r.unicast(c, "", protocol.OutError, protocol.Error{Code: code, Message: service.PublicMessage(err), Type: kind})
}

func (r *Router) unicast(c *hub.Client, roomID string, kind protocol.OutKind, data interface{}) bool {
	msg, err := protocol.Encode(kind, roomID, data)
	if err != nil {
		logrus.WithFields(logrus.Fields{"conn_id": c.ID(), "type": kind}).WithError(err).Error("Failed to encode event")
		return false
	}
	return c.Send(msg)
}

// memberRoom 返回连接所在的房间。事件指定了其他房间时返回 ErrNotInRoom。
func memberRoom(c *hub.Client, in *protocol.Inbound) (string, error) {
	roomID := c.RoomID()
	if roomID == "" || (in.RoomID != "" && in.RoomID != roomID) {
		return "", service.ErrNotInRoom
	}
	return roomID, nil
}

// lockMember 获取房间锁并确认连接仍在该房间内
func (r *Router) lockMember(c *hub.Client, in *protocol.Inbound) (string, func(), error) {
	roomID, err := memberRoom(c, in)
	if err != nil {
		return "", nil, err
	}
	unlock := r.presence.Lock(roomID)
	if c.RoomID() != roomID {
		unlock()
		return "", nil, service.ErrNotInRoom
	}
	return roomID, unlock, nil
}

func bind(in *protocol.Inbound, v interface{}) error {
	if err := in.Bind(v); err != nil {
		return fmt.Errorf("%w: %v", service.ErrInvalidPayload, err)
	}
	return nil
}

func senderOf(c *hub.Client) service.Sender {
	return service.Sender{Identity: c.Identity(), SigningPublicKey: c.SigningKey()}
}

// visibleTo 按隐身规则筛选能看到 msg 的成员：创建者总能看到，其他人只能看到加入之后的消息
func visibleTo(room *domain.Room, msg domain.Message) func(*hub.Client) bool {
	return func(m *hub.Client) bool {
		return msg.VisibleTo(m.JoinedAt(), m.Identity().UserAid == room.CreatorAid)
	}
}
