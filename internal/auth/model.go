// Package auth contains user accounts and opaque session tokens.
package auth

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// User represents a registered account.
type User struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	Email             string        `gorm:"type:text;not null;uniqueIndex"`
	DisplayName       string        `gorm:"type:text;not null;default:''"`
	PasswordHash      string        `gorm:"type:text;not null"`
	IsVerified        bool          `gorm:"not null;default:false"`
	Credits           *int          `gorm:"default:0"`
	FreeUsed          int           `gorm:"not null;default:0"`
	ReferralCode      *string       `gorm:"type:text;uniqueIndex"`
	ReferredBy        *snowflake.ID `gorm:"column:referred_by"`
	ReferralRewarded  bool          `gorm:"not null;default:false"`
	SignupIP          string        `gorm:"column:signup_ip;type:text;not null;default:''"`
	DeviceFingerprint string        `gorm:"type:text;not null;default:''"`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

// CreditBalance returns the credit count with NULL treated as zero.
func (u *User) CreditBalance() int {
	if u.Credits == nil {
		return 0
	}
	return *u.Credits
}

// Session represents a persisted login session.
type Session struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	UserID           snowflake.ID `gorm:"column:user_id;not null;index"`
	SessionTokenHash string       `gorm:"column:session_token_hash;type:text;not null;uniqueIndex"`
	UserAgent        string       `gorm:"column:user_agent;type:text"`
	IPAddress        string       `gorm:"column:ip_address;type:text"`
	ExpiresAt        time.Time    `gorm:"column:expires_at;not null;index"`
	RevokedAt        *time.Time   `gorm:"column:revoked_at"`
	CreatedAt        time.Time    `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
	LastSeenAt       time.Time    `gorm:"column:last_seen_at;not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Session) TableName() string { return "sessions" }
