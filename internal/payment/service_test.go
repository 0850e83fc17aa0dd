package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mooose/corrector/internal/auth"
	"github.com/mooose/corrector/internal/config"
	"github.com/mooose/corrector/internal/observability/metrics"
)

const testSecret = "whsec-test"

type providerStub struct {
	payments map[string]*ProviderPayment
	pref     *Preference
	err      error
	fetches  int
}

func (p *providerStub) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.pref, nil
}

func (p *providerStub) GetPayment(ctx context.Context, paymentID string) (*ProviderPayment, error) {
	p.fetches++
	if p.err != nil {
		return nil, p.err
	}
	pay, ok := p.payments[paymentID]
	if !ok {
		return nil, ErrUpstream
	}
	if pay.Raw == nil {
		pay.Raw = json.RawMessage(`{"id":` + paymentID + `}`)
	}
	return pay, nil
}

func setupPayment(t *testing.T, stub *providerStub) (*Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = conn.Exec("PRAGMA busy_timeout = 5000").Error

	if err := conn.AutoMigrate(&auth.User{}, &MercadoPagoPayment{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	cfg := config.Config{MercadoPago: config.MercadoPagoConfig{
		AccessToken:     "token",
		WebhookSecret:   testSecret,
		NotificationURL: "https://mooose.com.br/webhooks/mercadopago",
		PackageTitle:    "10 créditos Mooose",
		PackageCredits:  10,
		PackagePrice:    9.90,
		PackageCurrency: "BRL",
	}}
	svc := NewService(zap.NewNop(), conn, cfg, stub, metrics.NewForTest(), node)
	return svc, conn, node
}

func seedUser(t *testing.T, conn *gorm.DB, node *snowflake.Node, credits int) *auth.User {
	t.Helper()
	user := &auth.User{
		ID:           node.Generate(),
		Email:        fmt.Sprintf("%s@example.com", node.Generate()),
		PasswordHash: "x",
		Credits:      &credits,
	}
	if err := conn.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func signedInput(dataID string) WebhookInput {
	const ts = "1704908010"
	const requestID = "req-1"
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(buildManifest(dataID, requestID, ts)))
	return WebhookInput{
		DataID:     dataID,
		XSignature: fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))),
		XRequestID: requestID,
	}
}

func creditsOf(t *testing.T, conn *gorm.DB, id snowflake.ID) int {
	t.Helper()
	var user auth.User
	if err := conn.Where("id = ?", id).First(&user).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	return user.CreditBalance()
}

func TestVerifySignature(t *testing.T) {
	in := signedInput("12345")
	if err := VerifySignature(testSecret, "12345", in.XSignature, in.XRequestID); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	// The data id is lowercased before signing.
	upper := signedInput("abc99")
	if err := VerifySignature(testSecret, "ABC99", upper.XSignature, upper.XRequestID); err != nil {
		t.Fatalf("uppercase data id rejected: %v", err)
	}
	if err := VerifySignature(testSecret, "12345", in.XSignature, "other-request"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered request id: %v", err)
	}
	if err := VerifySignature(testSecret, "12345", "", in.XRequestID); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("missing header: %v", err)
	}
	if err := VerifySignature("", "12345", in.XSignature, in.XRequestID); !errors.Is(err, ErrNoWebhookSecret) {
		t.Fatalf("missing secret: %v", err)
	}
}

func TestSettleApprovedGrantsCreditsOnce(t *testing.T) {
	stub := &providerStub{payments: map[string]*ProviderPayment{}}
	svc, conn, node := setupPayment(t, stub)
	user := seedUser(t, conn, node, 0)

	stub.payments["777001"] = &ProviderPayment{
		ID:                json.Number("777001"),
		Status:            "approved",
		StatusDetail:      "accredited",
		ExternalReference: user.ID.String(),
		Metadata:          map[string]any{"credits": float64(10), "user_id": float64(user.ID.Int64())},
	}

	res, err := svc.Settle(context.Background(), signedInput("777001"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Credited || res.Status != "approved" {
		t.Fatalf("unexpected settlement: %+v", res)
	}
	if got := creditsOf(t, conn, user.ID); got != 10 {
		t.Fatalf("credits = %d, want 10", got)
	}

	// Redelivery is acknowledged but never pays again.
	res, err = svc.Settle(context.Background(), signedInput("777001"))
	if err != nil {
		t.Fatalf("settle redelivery: %v", err)
	}
	if res.Credited || !res.AlreadyProcessed {
		t.Fatalf("redelivery settlement: %+v", res)
	}
	if got := creditsOf(t, conn, user.ID); got != 10 {
		t.Fatalf("credits after redelivery = %d, want 10", got)
	}

	var count int64
	if err := conn.Model(&MercadoPagoPayment{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("ledger rows = %d, want 1", count)
	}
}

func TestSettleRecoversLostInsertRace(t *testing.T) {
	stub := &providerStub{payments: map[string]*ProviderPayment{}}
	svc, conn, node := setupPayment(t, stub)
	user := seedUser(t, conn, node, 0)

	stub.payments["777010"] = &ProviderPayment{
		ID:                json.Number("777010"),
		Status:            "approved",
		StatusDetail:      "accredited",
		ExternalReference: user.ID.String(),
	}

	// Slip a concurrent delivery's row in between the locked read and the
	// insert so the create hits the unique index. The settlement must fall
	// through to that row instead of failing the transaction.
	raced := false
	err := conn.Callback().Query().After("gorm:query").Register("settle_race", func(d *gorm.DB) {
		if raced || d.Statement.Table != "mercadopago_payments" {
			return
		}
		raced = true
		_, ierr := d.Statement.ConnPool.ExecContext(d.Statement.Context,
			"INSERT INTO mercadopago_payments (id, payment_id, credits, status, status_detail, credited) VALUES (?, ?, ?, ?, ?, ?)",
			node.Generate().Int64(), "777010", 10, "pending", "pending_waiting_payment", false)
		if ierr != nil {
			t.Errorf("race insert: %v", ierr)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	res, serr := svc.Settle(context.Background(), signedInput("777010"))
	if serr != nil {
		t.Fatalf("settle: %v", serr)
	}
	if !raced {
		t.Fatal("race was not injected")
	}
	if !res.Credited || res.Status != "approved" {
		t.Fatalf("settlement = %+v", res)
	}
	if got := creditsOf(t, conn, user.ID); got != 10 {
		t.Fatalf("credits = %d, want 10", got)
	}

	var count int64
	if err := conn.Model(&MercadoPagoPayment{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("ledger rows = %d, want 1", count)
	}
	var record MercadoPagoPayment
	if err := conn.Where("payment_id = ?", "777010").First(&record).Error; err != nil {
		t.Fatalf("reload record: %v", err)
	}
	if record.Status != "approved" || !record.Credited {
		t.Fatalf("record = %+v", record)
	}
}

func TestSettleRejectsBadSignature(t *testing.T) {
	stub := &providerStub{payments: map[string]*ProviderPayment{}}
	svc, conn, _ := setupPayment(t, stub)

	in := signedInput("777002")
	in.XSignature = "ts=1704908010,v1=deadbeef"
	if _, err := svc.Settle(context.Background(), in); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected signature rejection, got %v", err)
	}
	if stub.fetches != 0 {
		t.Fatal("provider called despite bad signature")
	}
	var count int64
	if err := conn.Model(&MercadoPagoPayment{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatal("ledger mutated despite bad signature")
	}
}

func TestSettlePendingRecordsWithoutCrediting(t *testing.T) {
	stub := &providerStub{payments: map[string]*ProviderPayment{}}
	svc, conn, node := setupPayment(t, stub)
	user := seedUser(t, conn, node, 0)

	stub.payments["777003"] = &ProviderPayment{
		Status:            "pending",
		StatusDetail:      "pending_waiting_payment",
		ExternalReference: user.ID.String(),
	}

	res, err := svc.Settle(context.Background(), signedInput("777003"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Credited {
		t.Fatal("pending payment must not credit")
	}
	if got := creditsOf(t, conn, user.ID); got != 0 {
		t.Fatalf("credits = %d, want 0", got)
	}

	var record MercadoPagoPayment
	if err := conn.Where("payment_id = ?", "777003").First(&record).Error; err != nil {
		t.Fatalf("reload record: %v", err)
	}
	if record.Status != "pending" || record.Credited {
		t.Fatalf("record = %+v", record)
	}

	// The follow-up approval settles against the same row.
	stub.payments["777003"].Status = "approved"
	res, err = svc.Settle(context.Background(), signedInput("777003"))
	if err != nil {
		t.Fatalf("settle approval: %v", err)
	}
	if !res.Credited {
		t.Fatalf("approval did not credit: %+v", res)
	}
	if got := creditsOf(t, conn, user.ID); got != 10 {
		t.Fatalf("credits = %d, want 10", got)
	}
}

func TestSettleApprovedWithoutUserKeepsRecord(t *testing.T) {
	stub := &providerStub{payments: map[string]*ProviderPayment{}}
	svc, conn, _ := setupPayment(t, stub)

	stub.payments["777004"] = &ProviderPayment{
		Status: "approved",
	}

	_, err := svc.Settle(context.Background(), signedInput("777004"))
	if !errors.Is(err, ErrUnresolvableUser) {
		t.Fatalf("expected unresolvable user, got %v", err)
	}

	var record MercadoPagoPayment
	if err := conn.Where("payment_id = ?", "777004").First(&record).Error; err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if record.Credited || record.UserID != nil {
		t.Fatalf("record = %+v", record)
	}
}

func TestSettleResolvesUserFromMetadata(t *testing.T) {
	stub := &providerStub{payments: map[string]*ProviderPayment{}}
	svc, conn, node := setupPayment(t, stub)
	user := seedUser(t, conn, node, 3)

	stub.payments["777005"] = &ProviderPayment{
		Status:   "approved",
		Metadata: map[string]any{"user_id": fmt.Sprint(user.ID.Int64()), "credits": "5"},
	}

	res, err := svc.Settle(context.Background(), signedInput("777005"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Credited {
		t.Fatalf("settlement: %+v", res)
	}
	if got := creditsOf(t, conn, user.ID); got != 8 {
		t.Fatalf("credits = %d, want 8", got)
	}
}

func TestResolvePaymentIDFallsBackToBody(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"data":{"id":"123"}}`, "123"},
		{`{"data":{"id":456}}`, "456"},
		{`{"id":789}`, "789"},
		{`{"payment_id":"321"}`, "321"},
		{`not json`, ""},
		{``, ""},
	}
	for _, tc := range cases {
		got := resolvePaymentID(WebhookInput{Body: []byte(tc.body)})
		if got != tc.want {
			t.Fatalf("body %q: got %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestCreateCheckout(t *testing.T) {
	stub := &providerStub{pref: &Preference{ID: "pref-1", InitPoint: "https://mp/checkout"}}
	svc, conn, node := setupPayment(t, stub)
	user := seedUser(t, conn, node, 0)

	out, err := svc.CreateCheckout(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if out.PreferenceID != "pref-1" || out.CheckoutURL != "https://mp/checkout" {
		t.Fatalf("checkout = %+v", out)
	}

	svc.cfg.MercadoPago.AccessToken = ""
	if _, err := svc.CreateCheckout(context.Background(), user.ID); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}
