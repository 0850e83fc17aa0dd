// Package demo implements metered, account-free corrections for sales
// demos. Keys are allow-listed in configuration; usage counters live in
// the database.
package demo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mooose/corrector/internal/config"
	"github.com/mooose/corrector/internal/grading"
	"github.com/mooose/corrector/pkg/db"
)

const MaxUses = 10

var (
	ErrMissingKey   = errors.New("demo key is required")
	ErrInvalidKey   = errors.New("invalid demo key")
	ErrKeyExhausted = errors.New("demo key has no uses left")
)

// Key tracks how often one allow-listed demo key has been used.
type Key struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	DemoKey   string       `gorm:"column:demo_key;type:text;not null;uniqueIndex"`
	Used      int          `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Key) TableName() string { return "demo_keys" }

// Status is returned by key validation; always 200, never an error.
type Status struct {
	Valid     bool `json:"valid"`
	Remaining *int `json:"remaining,omitempty"`
	MaxUses   *int `json:"max_uses,omitempty"`
}

// Outcome is a demo correction: the verdict plus the key's budget.
type Outcome struct {
	Result    *grading.Result
	Remaining int
	MaxUses   int
}

type Service struct {
	log     *zap.Logger
	db      *gorm.DB
	genID   *snowflake.Node
	oracle  grading.Oracle
	allowed map[string]struct{}
}

func NewService(log *zap.Logger, conn *gorm.DB, genID *snowflake.Node, oracle grading.Oracle, cfg config.Config) *Service {
	allowed := make(map[string]struct{})
	for _, key := range strings.Split(cfg.DemoKeys, ",") {
		if key = strings.TrimSpace(key); key != "" {
			allowed[key] = struct{}{}
		}
	}
	return &Service{
		log:     log.Named("demo.service"),
		db:      conn,
		genID:   genID,
		oracle:  oracle,
		allowed: allowed,
	}
}

// ValidateKey reports the remaining budget without consuming a use.
func (s *Service) ValidateKey(ctx context.Context, rawKey string) (*Status, error) {
	key := strings.TrimSpace(rawKey)
	if key == "" {
		return &Status{Valid: false}, nil
	}
	if _, ok := s.allowed[key]; !ok {
		return &Status{Valid: false}, nil
	}

	usage, err := s.getOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}

	remaining := MaxUses - usage.Used
	if remaining < 0 {
		remaining = 0
	}
	maxUses := MaxUses
	return &Status{
		Valid:     remaining > 0,
		Remaining: &remaining,
		MaxUses:   &maxUses,
	}, nil
}

// Correct grades an essay against a demo key. Nothing is persisted
// besides the key's usage counter.
func (s *Service) Correct(ctx context.Context, rawKey, topic, text string, fromFile bool) (*Outcome, error) {
	usage, err := s.validate(ctx, strings.TrimSpace(rawKey))
	if err != nil {
		return nil, err
	}

	result, err := s.oracle.Grade(ctx, topic, text, fromFile)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(&Key{}).
		Where("demo_key = ?", usage.DemoKey).
		Updates(map[string]any{
			"used":       gorm.Expr("used + 1"),
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
		return nil, err
	}

	remaining := MaxUses - usage.Used - 1
	if remaining < 0 {
		remaining = 0
	}
	return &Outcome{Result: result, Remaining: remaining, MaxUses: MaxUses}, nil
}

func (s *Service) validate(ctx context.Context, key string) (*Key, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	if _, ok := s.allowed[key]; !ok {
		return nil, ErrInvalidKey
	}

	usage, err := s.getOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	if MaxUses-usage.Used <= 0 {
		return nil, ErrKeyExhausted
	}
	return usage, nil
}

func (s *Service) getOrCreate(ctx context.Context, key string) (*Key, error) {
	var usage Key
	err := s.db.WithContext(ctx).Where("demo_key = ?", key).First(&usage).Error
	if err == nil {
		return &usage, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	created := &Key{ID: s.genID.Generate(), DemoKey: key}
	if err := s.db.WithContext(ctx).Create(created).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.getOrCreate(ctx, key)
		}
		return nil, err
	}
	return created, nil
}
