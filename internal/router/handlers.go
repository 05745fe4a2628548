package router

import (
	"context"

	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/hub"
	"anon-chatroom/internal/protocol"
	"anon-chatroom/internal/service"
)

// handleJoin 校验准入后把连接加入房间并进入 Syncing。
// 历史在房间锁内读取并写入连接的发送队列，之后由 finishSync 排空同步期间积压的事件。
// 连接已在该房间时只重发 joinSuccess。
func (r *Router) handleJoin(ctx context.Context, c *hub.Client, in *protocol.Inbound) error {
	var data protocol.JoinData
	if err := bind(in, &data); err != nil {
		return err
	}
	roomID := in.RoomID
	if roomID == "" {
		return service.ErrInvalidPayload
	}
	who := c.Identity()

	if prev := c.RoomID(); prev != "" && prev != roomID {
		r.presence.Leave(ctx, prev, c)
	}

	unlock := r.presence.Lock(roomID)
	defer unlock()

	res, err := r.rooms.Join(ctx, roomID, who, data)
	if err != nil {
		return err
	}
	rejoin := c.RoomID() == roomID
	var epoch uint64
	if !rejoin {
		epoch = c.BeginSync()
		r.presence.AttachLocked(ctx, roomID, c, res.Participant.JoinedAt)
	}
	c.SetSigningKey(res.Participant.SigningPublicKey)

	present, err := r.rooms.Present(ctx, roomID)
	if err != nil {
		present = nil
	}
	views := make([]protocol.ParticipantView, 0, len(present))
	for i := range present {
		views = append(views, protocol.ViewOf(&present[i]))
	}
	r.unicast(c, roomID, protocol.OutJoinSuccess, protocol.JoinSuccess{
		Room:             res.Room,
		Participants:     views,
		HostAid:          res.Room.HostAid,
		IsHost:           res.Room.HostAid == who.UserAid,
		JoinedAt:         res.Participant.JoinedAt,
		EncryptedRoomKey: res.Participant.EncryptedRoomKey,
		RoomKeyIV:        res.Participant.RoomKeyIV,
	})
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_aid": who.UserAid, "conn_id": c.ID()})
	if !rejoin {
		r.presence.BroadcastLocked(roomID, protocol.OutUserJoined, protocol.ViewOf(res.Participant), c)
	}
	if res.HostReclaimed {
		r.presence.BroadcastLocked(roomID, protocol.OutHostUpdated, protocol.HostUpdated{HostAid: who.UserAid}, c)
	}
	if rejoin {
		logCtx.Debug("Already in room, joinSuccess resent")
		return nil
	}

	replayed := 0
	history, err := r.chat.History(ctx, roomID)
	if err != nil {
		r.sendError(c, protocol.KindJoin, err)
	}
	for _, m := range history {
		if !m.VisibleTo(res.Participant.JoinedAt, res.IsCreator) {
			continue
		}
		if r.unicast(c, roomID, protocol.OutChatMessage, m) {
			replayed++
		}
	}

	logCtx.WithField("replayed", replayed).Info("Joined room")
	go r.finishSync(c, roomID, epoch, replayed)
	return nil
}

// finishSync 标记回放结束，然后按到达顺序处理 Syncing 期间积压的事件，队列为空时切换为 Active
func (r *Router) finishSync(c *hub.Client, roomID string, epoch uint64, replayed int) {
	r.unicast(c, roomID, protocol.OutHistoryComplete, protocol.HistoryComplete{Count: replayed})
	for {
		raw, ok := c.NextPending(epoch)
		if !ok {
			return
		}
		r.Dispatch(c, raw)
	}
}

func (r *Router) handleLeave(ctx context.Context, c *hub.Client, in *protocol.Inbound) error {
	roomID, err := memberRoom(c, in)
	if err != nil {
		return err
	}
	r.presence.Leave(ctx, roomID, c)
	return nil
}

func (r *Router) handleSend(ctx context.Context, c *hub.Client, in *protocol.Inbound) error {
	var data protocol.SendData
	if err := bind(in, &data); err != nil {
		return err
	}
	roomID, unlock, err := r.lockMember(c, in)
	if err != nil {
		return err
	}
	defer unlock()

	msg, err := r.chat.Send(ctx, roomID, senderOf(c), data)
	if err != nil {
		return err
	}
	r.presence.BroadcastLocked(roomID, protocol.OutChatMessage, msg, nil)
	return nil
}

func (r *Router) handleEdit(ctx context.Context, c *hub.Client, in *protocol.Inbound) error {
	var data protocol.EditData
	if err := bind(in, &data); err != nil {
		return err
	}
	roomID, unlock, err := r.lockMember(c, in)
	if err != nil {
		return err
	}
	defer unlock()

	room, err := r.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return err
	}
	msg, replies, err := r.chat.Edit(ctx, roomID, senderOf(c), data)
	if err != nil {
		return err
	}
	r.broadcastUpdates(room, protocol.OutMessageEdited, *msg, replies)
	return nil
}

func (r *Router) handleDelete(ctx context.Context, c *hub.Client, in *protocol.Inbound) error {
	var data protocol.DeleteData
	if err := bind(in, &data); err != nil {
		return err
	}
	roomID, unlock, err := r.lockMember(c, in)
	if err != nil {
		return err
	}
	defer unlock()

	room, err := r.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return err
	}
	msg, replies, err := r.chat.Delete(ctx, roomID, senderOf(c), room.HostAid, data)
	if err != nil {
		return err
	}
	r.broadcastUpdates(room, protocol.OutMessageDeleted, *msg, replies)
	return nil
}

// broadcastUpdates 广播被修改的消息以及预览随之变化的回复，每条消息只发给能看到它的成员
func (r *Router) broadcastUpdates(room *domain.Room, kind protocol.OutKind, msg domain.Message, replies []domain.Message) {
	r.presence.BroadcastFilterLocked(room.ID, kind, msg, visibleTo(room, msg))
	for _, reply := range replies {
		r.presence.BroadcastFilterLocked(room.ID, protocol.OutMessageEdited, reply, visibleTo(room, reply))
	}
}

func (r *Router) handleReact(ctx context.Context, c *hub.Client, in *protocol.Inbound) error {
	var data protocol.ReactData
	if err := bind(in, &data); err != nil {
		return err
	}
	roomID, unlock, err := r.lockMember(c, in)
	if err != nil {
		return err
	}
	defer unlock()

	room, err := r.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return err
	}
	msg, err := r.chat.React(ctx, roomID, senderOf(c), data)
	if err != nil {
		return err
	}
	reactions := msg.Reactions
	if reactions == nil {
		reactions = []domain.Reaction{}
	}
	r.presence.BroadcastFilterLocked(roomID, protocol.OutReactionUpdated,
		protocol.ReactionUpdated{MessageID: msg.ID, Reactions: reactions}, visibleTo(room, *msg))
	return nil
}

func (r *Router) handleRotateKey(ctx context.Context, c *hub.Client, in *protocol.Inbound) error {
	return r.handleKey(ctx, c, in, protocol.OutRotateKey, r.keys.Rotate)
}

func (r *Router) handleSaveRoomKey(ctx context.Context, c *hub.Client, in *protocol.Inbound) error {
	return r.handleKey(ctx, c, in, protocol.OutMasterKeyUpdate, r.keys.Save)
}

type keyOp func(ctx context.Context, room *domain.Room, actor string, data protocol.KeyData) error

// handleKey 持久化密钥后把每个在线成员自己的密钥单独推送给它
func (r *Router) handleKey(ctx context.Context, c *hub.Client, in *protocol.Inbound, kind protocol.OutKind, op keyOp) error {
	var data protocol.KeyData
	if err := bind(in, &data); err != nil {
		return err
	}
	roomID, unlock, err := r.lockMember(c, in)
	if err != nil {
		return err
	}
	defer unlock()

	room, err := r.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return err
	}
	actor := c.Identity().UserAid
	if err := op(ctx, room, actor, data); err != nil {
		return err
	}

	blobs := make(map[string]domain.KeyBlob, len(data.Keys))
	for _, k := range data.Keys {
		blobs[k.UserAid] = k
	}
	pushed := 0
	for _, m := range r.presence.Members(roomID) {
		blob, ok := blobs[m.Identity().UserAid]
		if !ok {
			continue
		}
		if r.unicast(m, roomID, kind, protocol.KeyUpdate{EncryptedKey: blob.EncryptedKey, IV: blob.IV, By: actor}) {
			pushed++
		}
	}
	logrus.WithFields(logrus.Fields{"room_id": roomID, "user_aid": actor, "type": kind, "pushed": pushed}).Info("Room key distributed")
	return nil
}

func (r *Router) handleTyping(ctx context.Context, c *hub.Client, in *protocol.Inbound) error {
	var data protocol.TypingData
	if err := bind(in, &data); err != nil {
		return err
	}
	roomID, unlock, err := r.lockMember(c, in)
	if err != nil {
		return err
	}
	defer unlock()

	who := c.Identity()
	r.presence.BroadcastLocked(roomID, protocol.OutUserTyping,
		protocol.UserTyping{UserAid: who.UserAid, DisplayName: who.DisplayName, IsTyping: data.IsTyping}, c)
	return nil
}

func (r *Router) handleSignal(ctx context.Context, c *hub.Client, in *protocol.Inbound) error {
	return r.relay(c, in, protocol.OutSignal)
}

// handleUnknown 把未知事件当作信令中继；连接不在任何房间时返回 ErrUnknownEvent
func (r *Router) handleUnknown(ctx context.Context, c *hub.Client, in *protocol.Inbound) error {
	if c.RoomID() == "" {
		return service.ErrUnknownEvent
	}
	return r.relay(c, in, protocol.OutKind(in.Type))
}

func (r *Router) relay(c *hub.Client, in *protocol.Inbound, kind protocol.OutKind) error {
	roomID, unlock, err := r.lockMember(c, in)
	if err != nil {
		return err
	}
	defer unlock()

	who := c.Identity()
	r.presence.BroadcastLocked(roomID, kind, protocol.Signal{From: who.UserAid, DisplayName: who.DisplayName, Data: in.Data}, c)
	return nil
}
