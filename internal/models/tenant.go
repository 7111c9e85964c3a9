package models

import "time"

// Tenant is one village/instance served by the sandbox backend.
type Tenant struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:128;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChannelSession is a tenant's WhatsApp session. The row exists from
// creation until deletion; pairing and login state live in its columns.
type ChannelSession struct {
	TenantID    string `gorm:"primaryKey;size:64"`
	Connected   bool   `gorm:"default:false"`
	LoggedIn    bool   `gorm:"default:false;index"`
	JID         string `gorm:"size:128"`
	PhoneNumber string `gorm:"size:32;index"`
	QRCode      string `gorm:"type:text"` // bare base64 PNG, only while pairing
	QRIssuedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AuditEntry records a privileged or irreversible action.
type AuditEntry struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TenantID  string `gorm:"size:64;not null;index"`
	Action    string `gorm:"size:64;not null;index"`
	Target    string `gorm:"size:128"`
	Details   string `gorm:"type:text"` // JSON object
	CreatedAt time.Time
}
