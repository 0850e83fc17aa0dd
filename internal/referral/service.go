package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mooose/corrector/internal/auth"
	"github.com/mooose/corrector/internal/clock"
	"github.com/mooose/corrector/internal/config"
	"github.com/mooose/corrector/internal/observability/metrics"
	"github.com/mooose/corrector/pkg/db"
)

// Activation outcome reasons, returned verbatim to clients.
const (
	ReasonCredited        = "credited"
	ReasonUserNotFound    = "user_not_found"
	ReasonNoReferrer      = "no_referrer"
	ReasonAlreadyRewarded = "already_rewarded"
	ReasonEmailUnverified = "email_unverified"
	ReasonNoCorrections   = "no_corrections"
	ReasonAlreadyConfirm  = "already_confirmed"
	ReasonRejected        = "rejected"
	ReasonReferrerMissing = "referrer_missing"
	ReasonSameSignupIP    = "same_signup_ip"
)

// ActivationResult reports whether a referral reward was granted and,
// when it was not, why.
type ActivationResult struct {
	Credited     bool   `json:"credited"`
	CreditsAdded int    `json:"credits_added"`
	Reason       string `json:"reason"`
}

// Stats summarizes a referrer's program standing.
type Stats struct {
	Pending     int64 `json:"pending"`
	Confirmed   int64 `json:"confirmed"`
	TotalEarned int64 `json:"total_earned"`
}

// Overview is the payload behind GET /me/referral.
type Overview struct {
	Code          string `json:"code"`
	Link          string `json:"link"`
	RewardCredits int    `json:"reward_credits"`
	Stats         Stats  `json:"stats"`
}

type Service struct {
	log   *zap.Logger
	db    *gorm.DB
	cfg   config.Config
	users auth.Repository
	clk   clock.Clock
	mtr   *metrics.Metrics
	genID func() snowflake.ID
}

func NewService(log *zap.Logger, conn *gorm.DB, cfg config.Config, users auth.Repository, clk clock.Clock, mtr *metrics.Metrics, node *snowflake.Node) *Service {
	return &Service{
		log:   log.Named("referral"),
		db:    conn,
		cfg:   cfg,
		users: users,
		clk:   clk,
		mtr:   mtr,
		genID: node.Generate,
	}
}

// EnsureCode returns the user's referral code, generating and persisting
// one on first use.
func (s *Service) EnsureCode(ctx context.Context, userID snowflake.ID) (string, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.ReferralCode != nil && *user.ReferralCode != "" {
		return *user.ReferralCode, nil
	}
	for attempt := 0; attempt < 20; attempt++ {
		code, err := randomCode(s.cfg.ReferralCodeLength)
		if err != nil {
			return "", err
		}
		err = s.users.UpdateFields(ctx, userID, map[string]any{"referral_code": code})
		if err == nil {
			return code, nil
		}
		if db.IsDuplicateKeyErr(err) {
			continue
		}
		return "", err
	}
	return "", errors.New("referral: could not allocate a unique code")
}

// GetOverview builds the share link and program stats for a referrer.
func (s *Service) GetOverview(ctx context.Context, userID snowflake.ID) (*Overview, error) {
	code, err := s.EnsureCode(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats, err := s.statsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Overview{
		Code:          code,
		Link:          fmt.Sprintf("%s/register?ref=%s", s.cfg.FrontendURL, code),
		RewardCredits: s.cfg.ReferralRewardCredits,
		Stats:         stats,
	}, nil
}

func (s *Service) statsFor(ctx context.Context, referrerID snowflake.ID) (Stats, error) {
	var stats Stats
	conn := s.db.WithContext(ctx).Model(&Referral{})
	if err := conn.Where("referrer_id = ? AND status = ?", referrerID, StatusPending).Count(&stats.Pending).Error; err != nil {
		return stats, err
	}
	conn = s.db.WithContext(ctx).Model(&Referral{})
	if err := conn.Where("referrer_id = ? AND status = ?", referrerID, StatusConfirmed).Count(&stats.Confirmed).Error; err != nil {
		return stats, err
	}
	stats.TotalEarned = stats.Confirmed * int64(s.cfg.ReferralRewardCredits)
	return stats, nil
}

// ApplyOnSignup links a fresh signup to the owner of the supplied code and
// records a pending referral. Bad codes and self-referrals are ignored so
// registration never fails because of the referral field.
func (s *Service) ApplyOnSignup(ctx context.Context, newUser *auth.User, rawCode, signupIP, deviceFingerprint string) (*Referral, error) {
	code := NormalizeCode(rawCode)
	if code == "" {
		return nil, nil
	}
	referrer, err := s.users.FindByReferralCode(ctx, code)
	if errors.Is(err, auth.ErrUserNotFound) {
		s.log.Debug("referral code does not match any user", zap.String("code", code))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if referrer.ID == newUser.ID {
		s.log.Info("self-referral ignored", zap.Int64("user_id", int64(newUser.ID)))
		return nil, nil
	}

	var existing Referral
	err = s.db.WithContext(ctx).Where("referred_id = ?", newUser.ID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := s.users.UpdateFields(ctx, newUser.ID, map[string]any{"referred_by": referrer.ID}); err != nil {
		return nil, err
	}
	newUser.ReferredBy = &referrer.ID

	ref := &Referral{
		ID:         s.genID(),
		ReferrerID: referrer.ID,
		ReferredID: newUser.ID,
		Status:     StatusPending,
		Metadata: datatypes.JSONMap{
			"signup_ip":          signupIP,
			"device_fingerprint": deviceFingerprint,
			"ref_code":           code,
		},
	}
	if err := s.db.WithContext(ctx).Create(ref).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			if rerr := s.db.WithContext(ctx).Where("referred_id = ?", newUser.ID).First(&existing).Error; rerr == nil {
				return &existing, nil
			}
		}
		return nil, err
	}
	s.log.Info("referral recorded",
		zap.Int64("referrer_id", int64(referrer.ID)),
		zap.Int64("referred_id", int64(newUser.ID)))
	return ref, nil
}

// Activate re-checks eligibility and, at most once per referred user,
// credits the referrer. The whole decision runs in one transaction with
// the involved rows locked so concurrent triggers cannot double-pay.
func (s *Service) Activate(ctx context.Context, referredID snowflake.ID, trigger, requestIP string) (ActivationResult, error) {
	var res ActivationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.activate(ctx, tx, referredID, trigger, requestIP)
		return err
	})
	if err != nil {
		return ActivationResult{}, err
	}
	s.mtr.ReferralActivations.WithLabelValues(res.Reason).Inc()
	if res.Credited {
		s.mtr.CreditsGrantedTotal.Add(float64(res.CreditsAdded))
	}
	s.log.Info("referral activation evaluated",
		zap.Int64("referred_id", int64(referredID)),
		zap.String("trigger", trigger),
		zap.String("reason", res.Reason),
		zap.Bool("credited", res.Credited))
	return res, nil
}

func (s *Service) activate(ctx context.Context, tx *gorm.DB, referredID snowflake.ID, trigger, requestIP string) (ActivationResult, error) {
	var referred auth.User
	err := db.WithRowLock(tx.WithContext(ctx)).Where("id = ?", referredID).First(&referred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ActivationResult{Reason: ReasonUserNotFound}, nil
	}
	if err != nil {
		return ActivationResult{}, err
	}
	if referred.ReferredBy == nil {
		return ActivationResult{Reason: ReasonNoReferrer}, nil
	}
	if referred.ReferralRewarded {
		return ActivationResult{Reason: ReasonAlreadyRewarded}, nil
	}
	if !referred.IsVerified {
		return ActivationResult{Reason: ReasonEmailUnverified}, nil
	}

	var corrections int64
	if err := tx.WithContext(ctx).Table("essays").Where("user_id = ?", referredID).Count(&corrections).Error; err != nil {
		return ActivationResult{}, err
	}
	if corrections < 1 {
		return ActivationResult{Reason: ReasonNoCorrections}, nil
	}

	now := s.clk.Now()

	var ref Referral
	err = db.WithRowLock(tx.WithContext(ctx)).Where("referred_id = ?", referredID).First(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The link exists on the user but the row was lost. Recreate it
		// pending and let this same pass confirm it.
		ref = Referral{
			ID:         s.genID(),
			ReferrerID: *referred.ReferredBy,
			ReferredID: referredID,
			Status:     StatusPending,
			Metadata:   datatypes.JSONMap{"created_by": "system"},
		}
		if cerr := tx.WithContext(ctx).Create(&ref).Error; cerr != nil {
			return ActivationResult{}, cerr
		}
	} else if err != nil {
		return ActivationResult{}, err
	}

	switch ref.Status {
	case StatusConfirmed:
		return ActivationResult{Reason: ReasonAlreadyConfirm}, nil
	case StatusRejected:
		return ActivationResult{Reason: ReasonRejected}, nil
	}

	var referrer auth.User
	err = db.WithRowLock(tx.WithContext(ctx)).Where("id = ?", ref.ReferrerID).First(&referrer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if uerr := s.rejectReferral(ctx, tx, &ref, ReasonReferrerMissing, trigger, requestIP, now); uerr != nil {
			return ActivationResult{}, uerr
		}
		return ActivationResult{Reason: ReasonReferrerMissing}, nil
	}
	if err != nil {
		return ActivationResult{}, err
	}

	if referred.SignupIP != "" && referrer.SignupIP != "" && referred.SignupIP == referrer.SignupIP {
		if uerr := s.rejectReferral(ctx, tx, &ref, ReasonSameSignupIP, trigger, requestIP, now); uerr != nil {
			return ActivationResult{}, uerr
		}
		return ActivationResult{Reason: ReasonSameSignupIP}, nil
	}

	reward := s.cfg.ReferralRewardCredits
	newBalance := referrer.CreditBalance() + reward
	err = tx.WithContext(ctx).Model(&auth.User{}).Where("id = ?", referrer.ID).
		Updates(map[string]any{"credits": newBalance, "updated_at": now}).Error
	if err != nil {
		return ActivationResult{}, err
	}
	err = tx.WithContext(ctx).Model(&auth.User{}).Where("id = ?", referred.ID).
		Updates(map[string]any{"referral_rewarded": true, "updated_at": now}).Error
	if err != nil {
		return ActivationResult{}, err
	}

	meta := mergeMetadata(ref.Metadata, datatypes.JSONMap{
		"trigger":       trigger,
		"activation_ip": requestIP,
	})
	err = tx.WithContext(ctx).Model(&Referral{}).Where("id = ?", ref.ID).Updates(map[string]any{
		"status":       StatusConfirmed,
		"confirmed_at": now,
		"metadata":     meta,
		"updated_at":   now,
	}).Error
	if err != nil {
		return ActivationResult{}, err
	}

	return ActivationResult{Credited: true, CreditsAdded: reward, Reason: ReasonCredited}, nil
}

func (s *Service) rejectReferral(ctx context.Context, tx *gorm.DB, ref *Referral, reason, trigger, requestIP string, now time.Time) error {
	meta := mergeMetadata(ref.Metadata, datatypes.JSONMap{
		"reason":        reason,
		"trigger":       trigger,
		"activation_ip": requestIP,
	})
	return tx.WithContext(ctx).Model(&Referral{}).Where("id = ?", ref.ID).
		Updates(map[string]any{"status": StatusRejected, "metadata": meta, "updated_at": now}).Error
}

func mergeMetadata(base, extra datatypes.JSONMap) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
