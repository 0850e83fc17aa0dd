package payment

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// MercadoPagoPayment is the settlement ledger. Every webhook delivery
// lands here keyed by the provider's payment id, credited flips to true
// exactly once.
type MercadoPagoPayment struct {
	ID           snowflake.ID   `gorm:"primaryKey" json:"id"`
	PaymentID    string         `gorm:"uniqueIndex;not null" json:"payment_id"`
	PreferenceID string         `gorm:"not null;default:''" json:"preference_id"`
	UserID       *snowflake.ID  `gorm:"index" json:"user_id,omitempty"`
	Credits      int            `gorm:"not null;default:0" json:"credits"`
	Status       string         `gorm:"not null;default:''" json:"status"`
	StatusDetail string         `gorm:"not null;default:''" json:"status_detail"`
	Credited     bool           `gorm:"not null;default:false" json:"credited"`
	RawJSON      datatypes.JSON `gorm:"type:jsonb" json:"raw_json,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (MercadoPagoPayment) TableName() string { return "mercadopago_payments" }
