// Package protocol 定义 WebSocket 上的事件格式：入站信封、各事件负载以及出站事件。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"anon-chatroom/internal/domain"
)

// Kind 是入站事件类型，取值为封闭集合。
type Kind string

const (
	KindJoin        Kind = "join"
	KindLeave       Kind = "leave"
	KindSend        Kind = "send"
	KindEdit        Kind = "edit"
	KindDelete      Kind = "delete"
	KindReact       Kind = "react"
	KindRotateKey   Kind = "rotate-key"
	KindSaveRoomKey Kind = "save-room-key"
	KindTyping      Kind = "typing"
	KindSignal      Kind = "signal"
)

var knownKinds = map[Kind]struct{}{
	KindJoin: {}, KindLeave: {}, KindSend: {}, KindEdit: {}, KindDelete: {},
	KindReact: {}, KindRotateKey: {}, KindSaveRoomKey: {}, KindTyping: {}, KindSignal: {},
}

// Known 报告 k 是否为已定义的事件类型。
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// ErrMalformed 表示入站消息不是合法的事件信封。
var ErrMalformed = errors.New("malformed event")

// Inbound 是客户端发送的事件信封。
type Inbound struct {
	Type   Kind            `json:"type"`
	RoomID string          `json:"roomId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Decode 解析信封，不解析 Data。
func Decode(raw []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &in, nil
}

// Bind 把 Data 解析到负载结构体。Data 为空时 v 保持零值。
func (in *Inbound) Bind(v interface{}) error {
	if len(in.Data) == 0 || string(in.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, in.Type, err)
	}
	return nil
}

// JoinData 是 join 事件的负载
type JoinData struct {
	Password            string `json:"password,omitempty"`
	SigningPublicKey    string `json:"signingPublicKey,omitempty"`
	EncryptionPublicKey string `json:"encryptionPublicKey,omitempty"`
}

// SendData 是 send 事件的负载
type SendData struct {
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// EditData 是 edit 事件的负载
type EditData struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
}

// DeleteData 是 delete 事件的负载
type DeleteData struct {
	MessageID string `json:"messageId"`
}

// ReactData 是 react 事件的负载
type ReactData struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	EmojiType string `json:"emojiType,omitempty"`
}

// KeyData 是 rotate-key 和 save-room-key 的负载：房间级密钥加上每个身份各自的密钥。
type KeyData struct {
	EncryptedKey string           `json:"encryptedKey,omitempty"`
	IV           string           `json:"iv,omitempty"`
	Keys         []domain.KeyBlob `json:"keys"`
}

// TypingData 是 typing 事件的负载
type TypingData struct {
	IsTyping bool `json:"isTyping"`
}
