// Package anonsession tracks anonymous browser identities and their free usage.
package anonsession

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AnonymousSession is the durable record behind a client-generated anon id.
// Rows are never deleted so the free-tier watermark survives logout.
type AnonymousSession struct {
	ID           snowflake.ID  `gorm:"primaryKey"`
	AnonID       string        `gorm:"column:anon_id;type:text;not null;uniqueIndex"`
	FreeUsed     int           `gorm:"not null;default:0"`
	LastIP       string        `gorm:"column:last_ip;type:text;not null;default:''"`
	DeviceID     string        `gorm:"column:device_id;type:text;not null;default:''"`
	LinkedUserID *snowflake.ID `gorm:"column:linked_user_id"`
	LinkedAt     *time.Time    `gorm:"column:linked_at"`
	CreatedAt    time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AnonymousSession) TableName() string { return "anonymous_sessions" }
