// Package api is the HTTP+JSON client for the village portal backend. Every
// endpoint takes a bearer token and answers with a {success, data, error}
// envelope; failures come back as *Error with a Kind.
package api

import "time"

// Envelope is the response wrapper shared by every endpoint.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SessionStatus is the payload of GET /channel/status.
type SessionStatus struct {
	Exists      bool   `json:"exists"`
	Connected   bool   `json:"connected"`
	LoggedIn    bool   `json:"loggedIn"`
	JID         string `json:"jid,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	QRCode      string `json:"qrcode,omitempty"`
}

// CreateSessionResult is the payload of POST /channel/session.
type CreateSessionResult struct {
	Existing bool `json:"existing"`
}

// QRResult is the payload of GET /channel/qr.
type QRResult struct {
	QRCode string `json:"qrcode"`
}

// DuplicateInfo is the payload of GET /channel/check-duplicate.
type DuplicateInfo struct {
	IsDuplicate bool   `json:"isDuplicate"`
	TenantID    string `json:"tenantId,omitempty"`
	TenantName  string `json:"tenantName,omitempty"`
}

// ForceDisconnectRequest is the body of POST /channel/force-disconnect.
type ForceDisconnectRequest struct {
	TargetTenantID string `json:"targetTenantId"`
}

// Channel is the messaging channel a conversation arrived on.
type Channel string

const (
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelWebchat  Channel = "WEBCHAT"
)

// Direction of a message relative to the tenant.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Source identifies who produced an outbound message.
type Source string

const (
	SourceAdmin  Source = "ADMIN"
	SourceAI     Source = "AI"
	SourceSystem Source = "SYSTEM"
)

// AIStatus is the coarse AI state of a conversation.
type AIStatus string

const (
	AIStatusIdle       AIStatus = ""
	AIStatusProcessing AIStatus = "processing"
	AIStatusError      AIStatus = "error"
)

// Stage is one step of an in-flight AI turn.
type Stage string

const (
	StageReceiving Stage = "receiving"
	StageReading   Stage = "reading"
	StageSearching Stage = "searching"
	StageThinking  Stage = "thinking"
	StagePreparing Stage = "preparing"
	StageSending   Stage = "sending"
	StageCompleted Stage = "completed"
	StageError     Stage = "error"
)

// Stages lists the non-terminal stages in the order an AI turn passes them.
var Stages = []Stage{
	StageReceiving,
	StageReading,
	StageSearching,
	StageThinking,
	StagePreparing,
	StageSending,
}

// Rank returns the position of s in the AI turn; terminal stages rank last.
func (s Stage) Rank() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	if s == StageCompleted || s == StageError {
		return len(Stages)
	}
	return -1
}

// Terminal reports whether s ends an AI turn.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// Filter selects which conversations GET /conversations returns.
type Filter string

const (
	FilterAll      Filter = "all"
	FilterTakeover Filter = "takeover"
	FilterBot      Filter = "bot"
)

// Conversation is one conversation summary.
type Conversation struct {
	Key              string     `json:"key"`
	Channel          Channel    `json:"channel"`
	DisplayName      string     `json:"displayName,omitempty"`
	CollectedPhone   string     `json:"collectedPhone,omitempty"`
	LastMessage      string     `json:"lastMessage,omitempty"`
	LastMessageAt    time.Time  `json:"lastMessageAt"`
	UnreadCount      int        `json:"unreadCount"`
	IsTakeover       bool       `json:"isTakeover"`
	TakeoverReason   string     `json:"takeoverReason,omitempty"`
	TakeoverAt       *time.Time `json:"takeoverAt,omitempty"`
	AIStatus         AIStatus   `json:"aiStatus,omitempty"`
	AIErrorMessage   string     `json:"aiErrorMessage,omitempty"`
	PendingMessageID string     `json:"pendingMessageId,omitempty"`
}

// Message is one line of a conversation timeline.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Direction Direction `json:"direction"`
	Source    Source    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    *bool     `json:"isRead,omitempty"`
}

// ConversationDetail is the payload of GET /conversations/{key}.
type ConversationDetail struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// SendRequest is the body of POST /conversations/{key}/send.
type SendRequest struct {
	Message string `json:"message"`
}

// TakeoverRequest is the body of POST /conversations/{key}/takeover.
type TakeoverRequest struct {
	Reason string `json:"reason"`
}

// ProcessingStatus is the ephemeral progress of one in-flight AI turn.
type ProcessingStatus struct {
	ConversationKey string `json:"conversationKey"`
	Stage           Stage  `json:"stage"`
	Message         string `json:"message"`
	Progress        int    `json:"progress"`
}

// UnreadCount is the payload of GET /unread-count.
type UnreadCount struct {
	Count int `json:"count"`
}
