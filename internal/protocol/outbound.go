package protocol

import (
	"encoding/json"
	"time"

	"anon-chatroom/internal/domain"
)

// OutKind 是出站事件类型
type OutKind string

const (
	OutJoinSuccess     OutKind = "joinSuccess"
	OutUserJoined      OutKind = "userJoined"
	OutUserLeft        OutKind = "userLeft"
	OutHostUpdated     OutKind = "hostUpdated"
	OutChatMessage     OutKind = "chatMessage"
	OutMessageEdited   OutKind = "messageEdited"
	OutMessageDeleted  OutKind = "messageDeleted"
	OutReactionUpdated OutKind = "reactionUpdated"
	OutUserTyping      OutKind = "userTyping"
	OutRotateKey       OutKind = "rotateKey"
	OutMasterKeyUpdate OutKind = "masterKeyUpdate"
	OutForceDisconnect OutKind = "forceDisconnect"
	OutError           OutKind = "error"
	OutSignal          OutKind = "signal"
	OutHistoryComplete OutKind = "historyComplete"
)

// Outbound 是服务端发出的事件信封
type Outbound struct {
	Type   OutKind     `json:"type"`
	RoomID string      `json:"roomId,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// Encode 序列化出站事件
func Encode(kind OutKind, roomID string, data interface{}) ([]byte, error) {
	return json.Marshal(Outbound{Type: kind, RoomID: roomID, Data: data})
}

// ParticipantView 是对外暴露的成员信息
type ParticipantView struct {
	UserAid             string    `json:"userAid"`
	DisplayName         string    `json:"displayName"`
	SigningPublicKey    string    `json:"signingPublicKey,omitempty"`
	EncryptionPublicKey string    `json:"encryptionPublicKey,omitempty"`
	JoinedAt            time.Time `json:"joinedAt"`
}

// ViewOf 把持久化的成员记录转换为对外视图
func ViewOf(p *domain.Participant) ParticipantView {
	return ParticipantView{
		UserAid:             p.UserAid,
		DisplayName:         p.DisplayName,
		SigningPublicKey:    p.SigningPublicKey,
		EncryptionPublicKey: p.EncryptionPublicKey,
		JoinedAt:            p.JoinedAt,
	}
}

// JoinSuccess 是加入成功后发给加入者的负载
type JoinSuccess struct {
	Room             *domain.Room      `json:"room"`
	Participants     []ParticipantView `json:"participants"`
	HostAid          string            `json:"hostAid"`
	IsHost           bool              `json:"isHost"`
	JoinedAt         time.Time         `json:"joinedAt"`
	EncryptedRoomKey string            `json:"encryptedRoomKey,omitempty"`
	RoomKeyIV        string            `json:"roomKeyIv,omitempty"`
}

// UserLeft 是成员离开通知
type UserLeft struct {
	UserAid     string `json:"userAid"`
	DisplayName string `json:"displayName"`
}

// HostUpdated 是房主变更通知，HostAid 为空表示无房主
type HostUpdated struct {
	HostAid string `json:"hostAid"`
}

// ReactionUpdated 是回应变更通知
type ReactionUpdated struct {
	MessageID string            `json:"messageId"`
	Reactions []domain.Reaction `json:"reactions"`
}

// UserTyping 是输入状态通知
type UserTyping struct {
	UserAid     string `json:"userAid"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

// KeyUpdate 是推送给单个成员的密钥（rotateKey / masterKeyUpdate）
type KeyUpdate struct {
	EncryptedKey string `json:"encryptedKey"`
	IV           string `json:"iv"`
	By           string `json:"by"`
}

// ForceDisconnect 是被强制移出房间时的最后一条通知
type ForceDisconnect struct {
	Reason string `json:"reason"`
}

// Error 是错误事件负载
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    Kind   `json:"type,omitempty"` // 触发错误的入站事件类型
}

// Signal 是中继事件负载，Data 原样转发
type Signal struct {
	From        string          `json:"from"`
	DisplayName string          `json:"displayName"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// HistoryComplete 标记历史回放结束
type HistoryComplete struct {
	Count int `json:"count"`
}
