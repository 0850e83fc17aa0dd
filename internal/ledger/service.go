// Package ledger holds the free-usage watermark and paid-credit accounting.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mooose/corrector/internal/anonsession"
	"github.com/mooose/corrector/internal/auth"
	"github.com/mooose/corrector/internal/config"
	"github.com/mooose/corrector/pkg/db"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUserNotFound        = errors.New("user not found")
)

type Service struct {
	log       *zap.Logger
	db        *gorm.DB
	freeLimit int
}

func NewService(log *zap.Logger, conn *gorm.DB, cfg config.Config) *Service {
	return &Service{
		log:       log.Named("ledger.service"),
		db:        conn,
		freeLimit: cfg.FreeCorrectionsLimit,
	}
}

// FreeLimit returns the configured free-tier size. A non-positive limit
// collapses to no free tier.
func (s *Service) FreeLimit() int {
	if s.freeLimit < 0 {
		return 0
	}
	return s.freeLimit
}

// EffectiveFreeUsed joins both identity watermarks; a missing identity
// contributes zero.
func EffectiveFreeUsed(user *auth.User, anon *anonsession.AnonymousSession) int {
	used := 0
	if user != nil && user.FreeUsed > used {
		used = user.FreeUsed
	}
	if anon != nil && anon.FreeUsed > used {
		used = anon.FreeUsed
	}
	return used
}

// FreeRemaining never goes negative.
func FreeRemaining(limit, used int) int {
	if remaining := limit - used; remaining > 0 {
		return remaining
	}
	return 0
}

// DecideInput captures the identity state for one admission check.
type DecideInput struct {
	User      *auth.User
	Anon      *anonsession.AnonymousSession
	Throttled bool
}

// Decide applies the admission policy: free tier first, then paid
// credits. Anonymous identities that already consumed free tier and are
// over the IP soft limit must authenticate before using what remains.
func (s *Service) Decide(in DecideInput) Decision {
	used := EffectiveFreeUsed(in.User, in.Anon)
	remaining := FreeRemaining(s.FreeLimit(), used)

	if in.User == nil && in.Throttled && in.Anon != nil && in.Anon.FreeUsed >= 1 {
		return Decision{
			FreeRemaining: remaining,
			RequiresAuth:  true,
			NextAction:    ActionPromptSignup,
		}
	}

	if remaining > 0 {
		return Decision{
			Admitted:      true,
			ChargeSource:  ChargeFree,
			FreeRemaining: remaining,
			NextAction:    ActionContinue,
		}
	}

	if in.User != nil && in.User.CreditBalance() > 0 {
		return Decision{
			Admitted:     true,
			ChargeSource: ChargeCredit,
			NextAction:   ActionContinue,
		}
	}

	if in.User == nil {
		return Decision{
			RequiresAuth: true,
			NextAction:   ActionPromptSignup,
		}
	}
	return Decision{
		RequiresPayment: true,
		NextAction:      ActionPromptPaywall,
	}
}

// ConsumeFree advances the free-usage watermark on both identities.
// Rows are loaded and locked inside this transaction so a stale caller
// can never roll the watermark back; writes are max(current, new).
func (s *Service) ConsumeFree(ctx context.Context, userID *snowflake.ID, anonID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user *auth.User
		if userID != nil {
			u, err := lockUser(tx, *userID)
			if err != nil {
				return err
			}
			user = u
		}

		var anon *anonsession.AnonymousSession
		if anonID != "" {
			a, err := lockAnon(tx, anonID)
			if err != nil && !errors.Is(err, anonsession.ErrNotFound) {
				return err
			}
			anon = a
		}

		newUsed := EffectiveFreeUsed(user, anon) + 1
		now := time.Now().UTC()

		if user != nil && user.FreeUsed < newUsed {
			if err := tx.Model(&auth.User{}).Where("id = ?", user.ID).
				Updates(map[string]any{"free_used": newUsed, "updated_at": now}).Error; err != nil {
				return err
			}
		}
		if anon != nil && anon.FreeUsed < newUsed {
			if err := tx.Model(&anonsession.AnonymousSession{}).Where("anon_id = ?", anon.AnonID).
				Updates(map[string]any{"free_used": newUsed, "updated_at": now}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// MergeAnonToUser folds an anonymous identity into an account at signup
// or login. The watermark merge is monotone, the session link is written
// once, and essay reassignment is conditional, so repeats are harmless.
func (s *Service) MergeAnonToUser(ctx context.Context, userID snowflake.ID, anonID string) error {
	if anonID == "" {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, userID)
		if err != nil {
			return err
		}

		anon, err := lockAnon(tx, anonID)
		if errors.Is(err, anonsession.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		newUsed := EffectiveFreeUsed(user, anon)

		if user.FreeUsed < newUsed {
			if err := tx.Model(&auth.User{}).Where("id = ?", user.ID).
				Updates(map[string]any{"free_used": newUsed, "updated_at": now}).Error; err != nil {
				return err
			}
		}

		if anon.LinkedUserID == nil {
			if err := tx.Model(&anonsession.AnonymousSession{}).Where("anon_id = ?", anon.AnonID).
				Updates(map[string]any{
					"linked_user_id": userID,
					"linked_at":      now,
					"updated_at":     now,
				}).Error; err != nil {
				return err
			}
		}

		return tx.Table("essays").
			Where("anon_id = ? AND user_id IS NULL", anonID).
			Update("user_id", userID).Error
	})
}

// Debit takes one paid credit and returns the balance left after the
// charge. The row is loaded and locked here, never trusted from the
// caller, and NULL credits count as zero.
func (s *Service) Debit(ctx context.Context, userID snowflake.ID) (int, error) {
	var remaining int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, userID)
		if err != nil {
			return err
		}

		if user.CreditBalance() <= 0 {
			return ErrInsufficientCredits
		}
		remaining = user.CreditBalance() - 1

		return tx.Model(&auth.User{}).Where("id = ?", user.ID).
			Updates(map[string]any{
				"credits":    remaining,
				"updated_at": time.Now().UTC(),
			}).Error
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

func lockUser(tx *gorm.DB, id snowflake.ID) (*auth.User, error) {
	var user auth.User
	err := db.WithRowLock(tx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func lockAnon(tx *gorm.DB, anonID string) (*anonsession.AnonymousSession, error) {
	var anon anonsession.AnonymousSession
	err := db.WithRowLock(tx).Where("anon_id = ?", anonID).First(&anon).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, anonsession.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &anon, nil
}
