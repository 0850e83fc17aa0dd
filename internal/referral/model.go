package referral

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusRejected  = "rejected"
)

// Referral tracks one referred signup. A user can be referred at most
// once, so referred_id carries a unique index.
type Referral struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	ReferrerID  snowflake.ID      `gorm:"index;not null" json:"referrer_id"`
	ReferredID  snowflake.ID      `gorm:"uniqueIndex;not null" json:"referred_id"`
	Status      string            `gorm:"size:16;not null;default:'pending'" json:"status"`
	ConfirmedAt *time.Time        `json:"confirmed_at,omitempty"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (Referral) TableName() string { return "referrals" }
