package store

import "time"

// Chat types.
const (
	ChatPrivate = "private"
	ChatGroup   = "group"
)

// Chat statuses.
const (
	ChatActive    = "active"
	ChatDisbanded = "disbanded"
)

// Message states.
const (
	MessageSent    = "sent"
	MessageRemoved = "removed"
	MessageUnsent  = "unsent"
)

// Call statuses, mirrored from the in-memory call state machine.
const (
	CallRinging      = "ringing"
	CallConnected    = "connected"
	CallRejected     = "rejected"
	CallMissed       = "missed"
	CallEnded        = "ended"
	CallDisconnected = "disconnected"
)

// Chat is a private pair chat or a group.
type Chat struct {
	ID          string    `gorm:"primarykey;size:80"`
	Type        string    `gorm:"size:16;not null"`
	Name        string    `gorm:"size:100"`
	Description string    `gorm:"size:500"`
	Status      string    `gorm:"size:16;not null;default:active"`
	OwnerID     string    `gorm:"size:64"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (Chat) TableName() string { return "chats" }

// Member associates a user with a chat and a role.
type Member struct {
	ChatID  string    `gorm:"primarykey;size:80"`
	UserID  string    `gorm:"primarykey;size:64;index"`
	Role    string    `gorm:"size:16;not null"`
	AddedAt time.Time `gorm:"not null"`
}

func (Member) TableName() string { return "chat_members" }

// Message is the envelope of a chat message. Its body lives in MessageContent,
// written in the same transaction.
type Message struct {
	ID              int64          `gorm:"primarykey;autoIncrement"`
	ChatID          string         `gorm:"size:80;not null;index"`
	SenderID        string         `gorm:"size:64;not null"`
	Type            string         `gorm:"size:16;not null"`
	State           string         `gorm:"size:16;not null;default:sent"`
	ReplyToID       *int64         `gorm:"index"`
	ForwardedFromID *int64
	CreatedAt       time.Time      `gorm:"not null"`
	Content         MessageContent `gorm:"foreignKey:MessageID"`
}

func (Message) TableName() string { return "messages" }

type MessageContent struct {
	MessageID     int64  `gorm:"primarykey;autoIncrement:false"`
	Body          string `gorm:"type:text"`
	AttachmentURL string `gorm:"size:2048"`
}

func (MessageContent) TableName() string { return "message_contents" }

// MessageHide records a message a user deleted for themselves only.
type MessageHide struct {
	MessageID int64     `gorm:"primarykey;autoIncrement:false"`
	UserID    string    `gorm:"primarykey;size:64"`
	HiddenAt  time.Time `gorm:"not null"`
}

func (MessageHide) TableName() string { return "message_hides" }

// CallRecord is the durable history of one call.
type CallRecord struct {
	ID         string `gorm:"primarykey;size:64"`
	CallerID   string `gorm:"size:64;not null;index"`
	ReceiverID string `gorm:"size:64;not null;index"`
	CallType   string `gorm:"size:16;not null"`
	Status     string `gorm:"size:16;not null"`
	StartedAt  time.Time
	EndedAt    *time.Time
}

func (CallRecord) TableName() string { return "call_records" }

func allModels() []any {
	return []any{&Chat{}, &Member{}, &Message{}, &MessageContent{}, &MessageHide{}, &CallRecord{}}
}
