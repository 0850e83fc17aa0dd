package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mooose/corrector/internal/auth"
	"github.com/mooose/corrector/internal/config"
	"github.com/mooose/corrector/internal/observability/metrics"
	"github.com/mooose/corrector/pkg/db"
)

var (
	ErrMissingPaymentID = errors.New("payment: payment id not found in notification")
	ErrUnresolvableUser = errors.New("payment: cannot resolve the paying user")
	ErrPayerNotFound    = errors.New("payment: paying user does not exist")
	ErrNotConfigured    = errors.New("payment: mercado pago credentials not configured")
)

// Checkout is the response to POST /payments/create.
type Checkout struct {
	CheckoutURL  string `json:"checkout_url"`
	PreferenceID string `json:"preference_id"`
}

// WebhookInput carries everything the webhook handler received.
type WebhookInput struct {
	DataID     string
	XSignature string
	XRequestID string
	Body       []byte
}

// Settlement reports what a webhook delivery did.
type Settlement struct {
	PaymentID        string `json:"payment_id"`
	Status           string `json:"status"`
	Credited         bool   `json:"credited"`
	AlreadyProcessed bool   `json:"already_processed"`
}

type Service struct {
	log      *zap.Logger
	db       *gorm.DB
	cfg      config.Config
	provider Provider
	mtr      *metrics.Metrics
	genID    func() snowflake.ID
}

func NewService(log *zap.Logger, conn *gorm.DB, cfg config.Config, provider Provider, mtr *metrics.Metrics, node *snowflake.Node) *Service {
	return &Service{
		log:      log.Named("payment"),
		db:       conn,
		cfg:      cfg,
		provider: provider,
		mtr:      mtr,
		genID:    node.Generate,
	}
}

// CreateCheckout opens a checkout preference for the single credit
// package. The user id travels as external_reference and again in the
// metadata so the webhook can settle even when one of them is dropped.
func (s *Service) CreateCheckout(ctx context.Context, userID snowflake.ID) (*Checkout, error) {
	mp := s.cfg.MercadoPago
	if mp.AccessToken == "" || mp.NotificationURL == "" {
		return nil, ErrNotConfigured
	}

	req := PreferenceRequest{
		Items: []PreferenceItem{{
			Title:      mp.PackageTitle,
			Quantity:   1,
			UnitPrice:  mp.PackagePrice,
			CurrencyID: mp.PackageCurrency,
		}},
		ExternalReference: userID.String(),
		Metadata: map[string]any{
			"user_id": userID.Int64(),
			"credits": mp.PackageCredits,
		},
		NotificationURL: mp.NotificationURL,
	}
	if mp.BackURLSuccess != "" || mp.BackURLFailure != "" || mp.BackURLPending != "" {
		req.BackURLs = &BackURLs{
			Success: mp.BackURLSuccess,
			Failure: mp.BackURLFailure,
			Pending: mp.BackURLPending,
		}
		req.AutoReturn = "approved"
	}

	pref, err := s.provider.CreatePreference(ctx, req)
	if err != nil {
		return nil, err
	}
	if pref.ID == "" || pref.CheckoutURL() == "" {
		return nil, ErrUpstream
	}
	s.log.Info("checkout preference created",
		zap.Int64("user_id", int64(userID)),
		zap.String("preference_id", pref.ID))
	return &Checkout{CheckoutURL: pref.CheckoutURL(), PreferenceID: pref.ID}, nil
}

// Settle verifies a webhook delivery, fetches the authoritative payment
// from the provider, and upserts the settlement ledger. Credits are
// granted at most once per payment id no matter how many times the
// notification is delivered.
func (s *Service) Settle(ctx context.Context, in WebhookInput) (*Settlement, error) {
	if err := VerifySignature(s.cfg.MercadoPago.WebhookSecret, in.DataID, in.XSignature, in.XRequestID); err != nil {
		return nil, err
	}

	paymentID := resolvePaymentID(in)
	if paymentID == "" {
		return nil, ErrMissingPaymentID
	}

	// The notification body is advisory. Only the provider API tells us
	// the real status.
	pay, err := s.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	userID := s.resolveUserID(pay)
	credits := s.resolveCredits(pay)

	var out Settlement
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.upsertRecord(ctx, tx, paymentID, pay, userID, credits)
		if err != nil {
			return err
		}

		out = Settlement{PaymentID: paymentID, Status: pay.Status}
		if record.Credited {
			out.AlreadyProcessed = true
			return nil
		}
		if pay.Status != "approved" {
			return nil
		}
		if userID == nil {
			// Keep the updated record so a corrected retry can settle.
			return nil
		}

		var user auth.User
		err = db.WithRowLock(tx.WithContext(ctx)).Where("id = ?", *userID).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPayerNotFound
		}
		if err != nil {
			return err
		}
		newBalance := user.CreditBalance() + credits
		if err := tx.WithContext(ctx).Model(&auth.User{}).Where("id = ?", user.ID).
			Update("credits", newBalance).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Model(&MercadoPagoPayment{}).Where("id = ?", record.ID).
			Update("credited", true).Error; err != nil {
			return err
		}
		out.Credited = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if pay.Status == "approved" && userID == nil && !out.AlreadyProcessed {
		return nil, ErrUnresolvableUser
	}

	s.mtr.SettlementsTotal.WithLabelValues(pay.Status).Inc()
	if out.Credited {
		s.mtr.CreditsGrantedTotal.Add(float64(credits))
	}
	s.log.Info("webhook settled",
		zap.String("payment_id", paymentID),
		zap.String("status", pay.Status),
		zap.Bool("credited", out.Credited),
		zap.Bool("already_processed", out.AlreadyProcessed))
	return &out, nil
}

// upsertRecord loads the ledger row under lock, creating it when this is
// the first delivery for the payment id. Status and raw payload always
// reflect the latest provider response.
func (s *Service) upsertRecord(ctx context.Context, tx *gorm.DB, paymentID string, pay *ProviderPayment, userID *snowflake.ID, credits int) (*MercadoPagoPayment, error) {
	var record MercadoPagoPayment
	err := db.WithRowLock(tx.WithContext(ctx)).Where("payment_id = ?", paymentID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = MercadoPagoPayment{
			ID:           s.genID(),
			PaymentID:    paymentID,
			PreferenceID: pay.PreferenceOf(),
			UserID:       userID,
			Credits:      credits,
			Status:       pay.Status,
			StatusDetail: pay.StatusDetail,
			RawJSON:      datatypes.JSON(pay.Raw),
		}
		// A failed insert would abort the surrounding Postgres transaction,
		// so the duplicate-key race is contained in a savepoint before the
		// re-read.
		if serr := tx.SavePoint("settle_insert").Error; serr != nil {
			return nil, serr
		}
		cerr := tx.WithContext(ctx).Create(&record).Error
		if cerr == nil {
			return &record, nil
		}
		if !db.IsDuplicateKeyErr(cerr) {
			return nil, cerr
		}
		if serr := tx.RollbackTo("settle_insert").Error; serr != nil {
			return nil, serr
		}
		// Concurrent delivery won the insert race. Fall through to the
		// existing row.
		if rerr := db.WithRowLock(tx.WithContext(ctx)).Where("payment_id = ?", paymentID).First(&record).Error; rerr != nil {
			return nil, rerr
		}
	} else if err != nil {
		return nil, err
	}

	err = tx.WithContext(ctx).Model(&MercadoPagoPayment{}).Where("id = ?", record.ID).Updates(map[string]any{
		"status":        pay.Status,
		"status_detail": pay.StatusDetail,
		"raw_json":      datatypes.JSON(pay.Raw),
	}).Error
	if err != nil {
		return nil, err
	}
	record.Status = pay.Status
	record.StatusDetail = pay.StatusDetail
	return &record, nil
}

// resolvePaymentID prefers the query string and falls back to the body
// fields the provider has used across webhook versions.
func resolvePaymentID(in WebhookInput) string {
	if id := strings.TrimSpace(in.DataID); id != "" {
		return id
	}
	var body struct {
		Data struct {
			ID json.Number `json:"id"`
		} `json:"data"`
		ID        json.Number `json:"id"`
		PaymentID json.Number `json:"payment_id"`
	}
	if len(in.Body) == 0 || json.Unmarshal(in.Body, &body) != nil {
		return ""
	}
	for _, candidate := range []json.Number{body.Data.ID, body.ID, body.PaymentID} {
		if candidate != "" {
			return candidate.String()
		}
	}
	return ""
}

func (s *Service) resolveUserID(pay *ProviderPayment) *snowflake.ID {
	if ref := strings.TrimSpace(pay.ExternalReference); ref != "" {
		if n, err := strconv.ParseInt(ref, 10, 64); err == nil {
			id := snowflake.ID(n)
			return &id
		}
	}
	if n, ok := intFromAny(pay.Metadata["user_id"]); ok && n > 0 {
		id := snowflake.ID(n)
		return &id
	}
	return nil
}

func (s *Service) resolveCredits(pay *ProviderPayment) int {
	if n, ok := intFromAny(pay.Metadata["credits"]); ok && n > 0 {
		return int(n)
	}
	return s.cfg.MercadoPago.PackageCredits
}

func intFromAny(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		parsed, err := n.Int64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
