package domain

import "time"

// Identity 是认证层提供的不透明身份。
type Identity struct {
	UserAid     string `json:"userAid"`
	DisplayName string `json:"displayName"`
}

// Participant 是房间成员的持久化记录。
// 同一 (RoomID, UserAid) 同时最多只有一条 LeftAt 为空的记录，由加入时的 upsert 保证。
type Participant struct {
	ID                  uint       `gorm:"primaryKey" json:"-"`
	RoomID              string     `gorm:"uniqueIndex:idx_room_participant;size:36;not null" json:"roomId"`
	UserAid             string     `gorm:"uniqueIndex:idx_room_participant;size:191;not null" json:"userAid"`
	DisplayName         string     `gorm:"size:191" json:"displayName"`
	SigningPublicKey    string     `gorm:"type:text" json:"signingPublicKey,omitempty"`
	EncryptionPublicKey string     `gorm:"type:text" json:"encryptionPublicKey,omitempty"`
	EncryptedRoomKey    string     `gorm:"type:text" json:"-"`
	RoomKeyIV           string     `gorm:"size:255" json:"-"`
	JoinedAt            time.Time  `gorm:"index;not null" json:"joinedAt"`
	LeftAt              *time.Time `gorm:"index" json:"leftAt,omitempty"`
}

// Present 报告该成员当前是否在房间内。
func (p *Participant) Present() bool { return p.LeftAt == nil }

// KeyBlob 是为单个身份加密的房间密钥。
type KeyBlob struct {
	UserAid      string `json:"userAid"`
	EncryptedKey string `json:"encryptedKey"`
	IV           string `json:"iv"`
}
