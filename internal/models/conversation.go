package models

import "time"

// Conversation is one end-user thread on one channel.
type Conversation struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	TenantID         string    `gorm:"size:64;not null;uniqueIndex:idx_tenant_conversation"`
	ConversationKey  string    `gorm:"size:128;not null;uniqueIndex:idx_tenant_conversation"`
	Channel          string    `gorm:"size:16;not null"` // WHATSAPP, WEBCHAT
	DisplayName      string    `gorm:"size:128"`
	CollectedPhone   string    `gorm:"size:32"`
	LastMessage      string    `gorm:"type:text"`
	LastMessageAt    time.Time `gorm:"index"`
	UnreadCount      int       `gorm:"default:0"`
	IsTakeover       bool      `gorm:"default:false;index"`
	TakeoverReason   string    `gorm:"size:512"`
	TakeoverAt       *time.Time
	AIStatus         string `gorm:"size:16"` // "", processing, error
	AIErrorMessage   string `gorm:"type:text"`
	PendingMessageID string `gorm:"size:64"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// Message is one line of a conversation timeline.
type Message struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID uint      `gorm:"not null;index"`
	Text           string    `gorm:"type:text;not null"`
	Direction      string    `gorm:"size:4;not null"` // IN, OUT
	Source         string    `gorm:"size:8"`          // ADMIN, AI, SYSTEM for OUT
	IsRead         bool      `gorm:"default:false"`
	CreatedAt      time.Time `gorm:"index"`
}

// ProcessingStatus is the progress of the in-flight AI turn of a
// conversation. At most one row exists per conversation.
type ProcessingStatus struct {
	ConversationID uint   `gorm:"primaryKey"`
	TenantID       string `gorm:"size:64;not null;index"`
	Stage          string `gorm:"size:16;not null"`
	Message        string `gorm:"size:256"`
	Progress       int
	UpdatedAt      time.Time
}
