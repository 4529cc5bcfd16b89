package models

import "time"

// 消息类型。
const (
	MessageTypeText  = "TEXT"
	MessageTypeImage = "IMAGE"
)

type User struct {
	ID                uint       `gorm:"primaryKey"`
	Nickname          string     `gorm:"uniqueIndex;size:50;not null"`
	PasswordHash      string     `gorm:"not null"`
	Reputation        float64    `gorm:"not null;default:5"`
	ProfilePictureURL *string    `gorm:"size:255"`
	Interests         []Interest `gorm:"many2many:user_interests"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Interest struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex;size:100;not null"`
	Description string `gorm:"type:text"`
}

// Chat 只持有指向 creator 与 interest 的外键，参与者与消息通过查询反查。
// creator_id 唯一：每个用户一生只能创建一个聊天。
type Chat struct {
	ID                uint      `gorm:"primaryKey"`
	CreatorID         uint      `gorm:"uniqueIndex;not null"`
	PrimaryInterestID uint      `gorm:"index;not null"`
	Name              string    `gorm:"size:100;not null"`
	Active            bool      `gorm:"index;not null"`
	CreatedAt         time.Time `gorm:"not null"`
	ExpiresAt         time.Time `gorm:"index;not null"`
}

// Participant 的 user_id 唯一，保证一个用户同一时刻最多属于一个聊天。
type Participant struct {
	ID       uint      `gorm:"primaryKey"`
	UserID   uint      `gorm:"uniqueIndex;not null"`
	ChatID   uint      `gorm:"index;not null"`
	JoinedAt time.Time `gorm:"not null"`
}

type Message struct {
	ID              uint      `gorm:"primaryKey"`
	ChatID          uint      `gorm:"index:idx_msg_chat_sent,priority:1;not null"`
	SenderID        uint      `gorm:"index;not null"`
	MessageType     string    `gorm:"size:10;not null"`
	ContentText     *string   `gorm:"type:text"`
	ContentImageURL *string   `gorm:"size:255"`
	SentAt          time.Time `gorm:"index:idx_msg_chat_sent,priority:2;not null"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

// All 返回需要迁移的全部模型。
func All() []interface{} {
	return []interface{}{&User{}, &Interest{}, &Chat{}, &Participant{}, &Message{}, &RefreshToken{}}
}
