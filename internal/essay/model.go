// Package essay stores corrected essays and runs the gated correction flow.
package essay

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InputType distinguishes typed essays from uploaded ones.
const (
	InputText = "text"
	InputFile = "file"
)

// Essay is one corrected submission. Anonymous essays keep user_id NULL
// until the anon identity is merged into an account.
type Essay struct {
	ID         snowflake.ID   `gorm:"primaryKey"`
	UserID     *snowflake.ID  `gorm:"column:user_id;index"`
	AnonID     *string        `gorm:"column:anon_id;type:text;index"`
	Topic      string         `gorm:"type:text;not null"`
	InputType  string         `gorm:"type:text;not null;default:'text'"`
	Body       string         `gorm:"type:text;not null;default:''"`
	FileURL    *string        `gorm:"column:file_url;type:text"`
	FinalScore *int           `gorm:"column:final_score"`
	ScoreC1    *int           `gorm:"column:score_c1"`
	ScoreC2    *int           `gorm:"column:score_c2"`
	ScoreC3    *int           `gorm:"column:score_c3"`
	ScoreC4    *int           `gorm:"column:score_c4"`
	ScoreC5    *int           `gorm:"column:score_c5"`
	ResultJSON datatypes.JSON `gorm:"column:result_json;type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Essay) TableName() string { return "essays" }

// Review is a student's star rating of a correction, one per essay.
type Review struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"column:user_id;not null;uniqueIndex:uq_essay_reviews_user_essay"`
	EssayID   snowflake.ID `gorm:"column:essay_id;not null;uniqueIndex:uq_essay_reviews_user_essay"`
	Stars     int          `gorm:"not null"`
	Comment   string       `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Review) TableName() string { return "essay_reviews" }
