package essay

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/mooose/corrector/pkg/db"
)

var (
	ErrNotFound      = errors.New("essay not found")
	ErrInvalidReview = errors.New("invalid review")
)

// Repository persists essays and reviews.
type Repository interface {
	Create(ctx context.Context, essay *Essay) error
	FindByID(ctx context.Context, id snowflake.ID) (*Essay, error)
	ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]Essay, error)
	CountByUser(ctx context.Context, userID snowflake.ID) (int64, error)
	UpsertReview(ctx context.Context, review *Review) error
}

type repo struct {
	db *gorm.DB
}

func NewRepository(conn *gorm.DB) Repository {
	return &repo{db: conn}
}

func (r *repo) Create(ctx context.Context, essay *Essay) error {
	return r.db.WithContext(ctx).Create(essay).Error
}

func (r *repo) FindByID(ctx context.Context, id snowflake.ID) (*Essay, error) {
	var essay Essay
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&essay).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &essay, nil
}

func (r *repo) ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]Essay, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var essays []Essay
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&essays).Error
	return essays, err
}

func (r *repo) CountByUser(ctx context.Context, userID snowflake.ID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Essay{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// UpsertReview inserts the rating or, when the student already rated
// this essay, updates stars and comment in place.
func (r *repo) UpsertReview(ctx context.Context, review *Review) error {
	err := r.db.WithContext(ctx).Create(review).Error
	if err == nil {
		return nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return err
	}
	return r.db.WithContext(ctx).Model(&Review{}).
		Where("user_id = ? AND essay_id = ?", review.UserID, review.EssayID).
		Updates(map[string]any{
			"stars":      review.Stars,
			"comment":    review.Comment,
			"updated_at": time.Now().UTC(),
		}).Error
}
