package domain

import (
	"time"
	"unicode/utf8"
)

// DeletedContent 替换被删除消息的内容。
const DeletedContent = "[This message was deleted]"

// previewRunes 是回复预览保留的最大字符数。
const previewRunes = 100

// Message 表示一条房间消息。消息不会被物理删除，只做软标记。
type Message struct {
	ID           string     `gorm:"primaryKey;size:26" json:"id"` // ULID
	RoomID       string     `gorm:"uniqueIndex:idx_room_seq;index;size:36;not null" json:"roomId"`
	Sequence     int64      `gorm:"uniqueIndex:idx_room_seq;not null" json:"sequence"`
	SenderAid    string     `gorm:"index;size:191;not null" json:"senderAid"`
	SenderName   string     `gorm:"size:191" json:"senderName"`
	Content      string     `gorm:"type:text;not null" json:"content"`
	Signature    string     `gorm:"type:text" json:"signature,omitempty"`
	Timestamp    time.Time  `gorm:"index;not null" json:"timestamp"`
	Edited       bool       `gorm:"not null;default:false" json:"edited"`
	Deleted      bool       `gorm:"not null;default:false" json:"deleted"`
	ReplyToID    string     `gorm:"index;size:26" json:"replyToId,omitempty"`
	ReplyPreview string     `gorm:"type:text" json:"replyPreview,omitempty"`
	ReplySender  string     `gorm:"size:191" json:"replySender,omitempty"`
	Reactions    []Reaction `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"reactions"`
}

// Reaction 是某个用户对消息的一个表情回应，(MessageID, UserAid, Emoji) 唯一。
type Reaction struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	MessageID string `gorm:"uniqueIndex:idx_reaction;size:26;not null" json:"-"`
	UserAid   string `gorm:"uniqueIndex:idx_reaction;size:191;not null" json:"userAid"`
	Emoji     string `gorm:"uniqueIndex:idx_reaction;size:191;not null" json:"emoji"`
	EmojiType string `gorm:"size:32" json:"emojiType,omitempty"`
}

// HasReaction 报告 (userAid, emoji) 是否已存在。
func (m *Message) HasReaction(userAid, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserAid == userAid && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// Preview 返回用于回复引用的截断内容。
func (m *Message) Preview() string {
	return PreviewOf(m.Content)
}

// PreviewOf 截断内容到预览长度。
func PreviewOf(content string) string {
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRunes])
}

// VisibleTo 实现隐身可见性：非创建者只能看到其加入之后的消息。
func (m *Message) VisibleTo(joinedAt time.Time, isCreator bool) bool {
	return isCreator || !m.Timestamp.Before(joinedAt)
}
