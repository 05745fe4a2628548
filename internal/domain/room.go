package domain

import "time"

// Room 表示一个聊天室。Host 是角色而非独立实体：故障转移时只会被重新赋值。
type Room struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Name         string    `gorm:"uniqueIndex;size:191;not null" json:"name"`
	CreatorAid   string    `gorm:"size:191;not null" json:"creatorAid"`
	HostAid      string    `gorm:"size:191" json:"hostAid,omitempty"` // 空串表示当前无房主
	Locked       bool      `gorm:"not null;default:false" json:"locked"`
	PasswordHash string    `gorm:"type:text" json:"-"`
	Private      bool      `gorm:"index;not null;default:false" json:"private"`
	Region       string    `gorm:"index;size:64" json:"region,omitempty"`
	EncryptedKey string    `gorm:"type:text" json:"encryptedKey,omitempty"` // 不透明，服务端从不解析
	KeyIV        string    `gorm:"size:255" json:"keyIv,omitempty"`
	Bans         []Ban     `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"-"`
}

// HasKey 报告房间是否已经建立过房间密钥。
func (r *Room) HasKey() bool { return r.EncryptedKey != "" }

// IsBanned 检查指定身份是否在封禁列表中。
func (r *Room) IsBanned(userAid string) bool {
	for _, b := range r.Bans {
		if b.UserAid == userAid {
			return true
		}
	}
	return false
}

// Ban 是房间封禁记录。
type Ban struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	RoomID      string    `gorm:"uniqueIndex:idx_room_ban;size:36;not null" json:"roomId"`
	UserAid     string    `gorm:"uniqueIndex:idx_room_ban;size:191;not null" json:"userAid"`
	DisplayName string    `gorm:"size:191" json:"displayName"`
	Reason      string    `gorm:"type:text" json:"reason,omitempty"`
	BannedAt    time.Time `gorm:"not null" json:"bannedAt"`
}
