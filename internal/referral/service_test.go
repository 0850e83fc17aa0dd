package referral

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mooose/corrector/internal/auth"
	"github.com/mooose/corrector/internal/clock"
	"github.com/mooose/corrector/internal/config"
	"github.com/mooose/corrector/internal/observability/metrics"
)

func setupReferral(t *testing.T) (*Service, *gorm.DB, *snowflake.Node) {
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

	if err := conn.AutoMigrate(&auth.User{}, &Referral{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Activation counts corrections by table name.
	if err := conn.Exec("CREATE TABLE essays (id INTEGER PRIMARY KEY, user_id INTEGER, anon_id TEXT)").Error; err != nil {
		t.Fatalf("create essays: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	cfg := config.Config{
		ReferralRewardCredits: 2,
		ReferralCodeLength:    10,
		FrontendURL:           "https://mooose.com.br",
	}
	users, _ := auth.NewRepository(conn)
	svc := NewService(zap.NewNop(), conn, cfg, users, clock.System(), metrics.NewForTest(), node)
	return svc, conn, node
}

func seedUser(t *testing.T, conn *gorm.DB, node *snowflake.Node, mutate func(*auth.User)) *auth.User {
	t.Helper()
	zero := 0
	user := &auth.User{
		ID:           node.Generate(),
		Email:        fmt.Sprintf("%s@example.com", node.Generate()),
		PasswordHash: "x",
		Credits:      &zero,
		IsVerified:   true,
	}
	if mutate != nil {
		mutate(user)
	}
	if err := conn.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func seedEssay(t *testing.T, conn *gorm.DB, userID snowflake.ID) {
	t.Helper()
	if err := conn.Exec("INSERT INTO essays (user_id) VALUES (?)", userID).Error; err != nil {
		t.Fatalf("seed essay: %v", err)
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

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"  ab12cd  ": "AB12CD",
		"ab-12_cd":   "AB12CD",
		"!!!":        "",
		"":           "",
	}
	for in, want := range cases {
		if got := NormalizeCode(in); got != want {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnsureCodeIsStable(t *testing.T) {
	svc, _, node := setupReferral(t)
	ctx := context.Background()
	user := seedUser(t, svc.db, node, nil)

	code, err := svc.EnsureCode(ctx, user.ID)
	if err != nil {
		t.Fatalf("ensure code: %v", err)
	}
	if len(code) != 10 {
		t.Fatalf("code length = %d, want 10", len(code))
	}
	again, err := svc.EnsureCode(ctx, user.ID)
	if err != nil {
		t.Fatalf("ensure code again: %v", err)
	}
	if again != code {
		t.Fatalf("second call regenerated the code: %q vs %q", again, code)
	}
}

func TestApplyOnSignupLinksPendingReferral(t *testing.T) {
	svc, conn, node := setupReferral(t)
	ctx := context.Background()

	referrer := seedUser(t, conn, node, nil)
	code, err := svc.EnsureCode(ctx, referrer.ID)
	if err != nil {
		t.Fatalf("ensure code: %v", err)
	}

	referred := seedUser(t, conn, node, nil)
	ref, err := svc.ApplyOnSignup(ctx, referred, "  "+code+"  ", "10.0.0.2", "fp-1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if ref == nil {
		t.Fatal("expected a referral row")
	}
	if ref.Status != StatusPending {
		t.Fatalf("status = %q, want pending", ref.Status)
	}
	if referred.ReferredBy == nil || *referred.ReferredBy != referrer.ID {
		t.Fatal("referred_by not set on the new user")
	}

	// A second apply for the same user returns the existing row.
	again, err := svc.ApplyOnSignup(ctx, referred, code, "10.0.0.2", "fp-1")
	if err != nil {
		t.Fatalf("apply twice: %v", err)
	}
	if again == nil || again.ID != ref.ID {
		t.Fatal("second apply should return the original referral")
	}
}

func TestApplyOnSignupIgnoresBadAndSelfCodes(t *testing.T) {
	svc, conn, node := setupReferral(t)
	ctx := context.Background()

	user := seedUser(t, conn, node, nil)
	if ref, err := svc.ApplyOnSignup(ctx, user, "NOPE123456", "", ""); err != nil || ref != nil {
		t.Fatalf("unknown code: ref=%v err=%v", ref, err)
	}

	code, err := svc.EnsureCode(ctx, user.ID)
	if err != nil {
		t.Fatalf("ensure code: %v", err)
	}
	if ref, err := svc.ApplyOnSignup(ctx, user, code, "", ""); err != nil || ref != nil {
		t.Fatalf("self referral: ref=%v err=%v", ref, err)
	}
}

func TestActivateCreditsExactlyOnce(t *testing.T) {
	svc, conn, node := setupReferral(t)
	ctx := context.Background()

	referrer := seedUser(t, conn, node, nil)
	code, _ := svc.EnsureCode(ctx, referrer.ID)
	referred := seedUser(t, conn, node, nil)
	if _, err := svc.ApplyOnSignup(ctx, referred, code, "10.0.0.2", ""); err != nil {
		t.Fatalf("apply: %v", err)
	}
	seedEssay(t, conn, referred.ID)

	res, err := svc.Activate(ctx, referred.ID, "first_correction_done", "10.0.0.2")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !res.Credited || res.CreditsAdded != 2 || res.Reason != ReasonCredited {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := creditsOf(t, conn, referrer.ID); got != 2 {
		t.Fatalf("referrer credits = %d, want 2", got)
	}

	// Manual retries never pay twice.
	res, err = svc.Activate(ctx, referred.ID, "manual", "10.0.0.2")
	if err != nil {
		t.Fatalf("activate again: %v", err)
	}
	if res.Credited || res.Reason != ReasonAlreadyRewarded {
		t.Fatalf("second activation: %+v", res)
	}
	if got := creditsOf(t, conn, referrer.ID); got != 2 {
		t.Fatalf("referrer credits after retry = %d, want 2", got)
	}

	var ref Referral
	if err := conn.Where("referred_id = ?", referred.ID).First(&ref).Error; err != nil {
		t.Fatalf("reload referral: %v", err)
	}
	if ref.Status != StatusConfirmed || ref.ConfirmedAt == nil {
		t.Fatalf("referral not confirmed: %+v", ref)
	}
	if ref.Metadata["trigger"] != "first_correction_done" {
		t.Fatalf("metadata trigger = %v", ref.Metadata["trigger"])
	}
}

func TestActivateEligibilityLadder(t *testing.T) {
	svc, conn, node := setupReferral(t)
	ctx := context.Background()

	referrer := seedUser(t, conn, node, nil)
	code, _ := svc.EnsureCode(ctx, referrer.ID)
	referred := seedUser(t, conn, node, func(u *auth.User) { u.IsVerified = false })
	if _, err := svc.ApplyOnSignup(ctx, referred, code, "", ""); err != nil {
		t.Fatalf("apply: %v", err)
	}

	res, err := svc.Activate(ctx, referred.ID, "manual", "")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if res.Reason != ReasonEmailUnverified {
		t.Fatalf("reason = %q, want email_unverified", res.Reason)
	}

	if err := conn.Model(&auth.User{}).Where("id = ?", referred.ID).Update("is_verified", true).Error; err != nil {
		t.Fatalf("verify user: %v", err)
	}
	res, _ = svc.Activate(ctx, referred.ID, "manual", "")
	if res.Reason != ReasonNoCorrections {
		t.Fatalf("reason = %q, want no_corrections", res.Reason)
	}

	seedEssay(t, conn, referred.ID)
	res, _ = svc.Activate(ctx, referred.ID, "manual", "")
	if !res.Credited {
		t.Fatalf("expected credit after eligibility met: %+v", res)
	}
}

func TestActivateRejectsSameSignupIP(t *testing.T) {
	svc, conn, node := setupReferral(t)
	ctx := context.Background()

	referrer := seedUser(t, conn, node, func(u *auth.User) { u.SignupIP = "189.40.1.7" })
	code, _ := svc.EnsureCode(ctx, referrer.ID)
	referred := seedUser(t, conn, node, func(u *auth.User) { u.SignupIP = "189.40.1.7" })
	if _, err := svc.ApplyOnSignup(ctx, referred, code, "189.40.1.7", ""); err != nil {
		t.Fatalf("apply: %v", err)
	}
	seedEssay(t, conn, referred.ID)

	res, err := svc.Activate(ctx, referred.ID, "manual", "189.40.1.7")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if res.Credited || res.Reason != ReasonSameSignupIP {
		t.Fatalf("result = %+v, want same_signup_ip rejection", res)
	}
	if got := creditsOf(t, conn, referrer.ID); got != 0 {
		t.Fatalf("referrer credits = %d, want 0", got)
	}

	var ref Referral
	if err := conn.Where("referred_id = ?", referred.ID).First(&ref).Error; err != nil {
		t.Fatalf("reload referral: %v", err)
	}
	if ref.Metadata["reason"] != ReasonSameSignupIP {
		t.Fatalf("metadata reason = %v, want same_signup_ip", ref.Metadata["reason"])
	}
	if ref.Metadata["activation_ip"] != "189.40.1.7" || ref.Metadata["trigger"] != "manual" {
		t.Fatalf("rejection audit metadata = %v", ref.Metadata)
	}

	// The rejection is terminal.
	res, _ = svc.Activate(ctx, referred.ID, "manual", "200.1.2.3")
	if res.Reason != ReasonRejected {
		t.Fatalf("reason after terminal reject = %q", res.Reason)
	}
}

func TestActivateSameSignupIPChecksUserRows(t *testing.T) {
	svc, conn, node := setupReferral(t)
	ctx := context.Background()

	// The shared IP lives only on the user rows. A recreated referral row
	// carries no signup metadata, and a hand-seeded pending row may have
	// none either; the fraud gate must hold in both shapes.
	referrer := seedUser(t, conn, node, func(u *auth.User) { u.SignupIP = "10.0.0.1" })
	recreated := seedUser(t, conn, node, func(u *auth.User) {
		u.SignupIP = "10.0.0.1"
		u.ReferredBy = &referrer.ID
	})
	seedEssay(t, conn, recreated.ID)

	res, err := svc.Activate(ctx, recreated.ID, "manual", "10.0.0.1")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if res.Credited || res.Reason != ReasonSameSignupIP {
		t.Fatalf("recreated row result = %+v, want same_signup_ip", res)
	}

	bare := seedUser(t, conn, node, func(u *auth.User) {
		u.SignupIP = "10.0.0.1"
		u.ReferredBy = &referrer.ID
	})
	if err := conn.Create(&Referral{
		ID:         node.Generate(),
		ReferrerID: referrer.ID,
		ReferredID: bare.ID,
		Status:     StatusPending,
	}).Error; err != nil {
		t.Fatalf("seed referral: %v", err)
	}
	seedEssay(t, conn, bare.ID)

	res, err = svc.Activate(ctx, bare.ID, "manual", "10.0.0.1")
	if err != nil {
		t.Fatalf("activate bare: %v", err)
	}
	if res.Credited || res.Reason != ReasonSameSignupIP {
		t.Fatalf("bare metadata result = %+v, want same_signup_ip", res)
	}
	if got := creditsOf(t, conn, referrer.ID); got != 0 {
		t.Fatalf("referrer credits = %d, want 0", got)
	}
}

func TestActivateRecreatesMissingRow(t *testing.T) {
	svc, conn, node := setupReferral(t)
	ctx := context.Background()

	referrer := seedUser(t, conn, node, nil)
	referred := seedUser(t, conn, node, func(u *auth.User) { u.ReferredBy = &referrer.ID })
	seedEssay(t, conn, referred.ID)

	res, err := svc.Activate(ctx, referred.ID, "manual", "")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !res.Credited {
		t.Fatalf("expected credit via recreated row: %+v", res)
	}
	var ref Referral
	if err := conn.Where("referred_id = ?", referred.ID).First(&ref).Error; err != nil {
		t.Fatalf("reload referral: %v", err)
	}
	if ref.Metadata["created_by"] != "system" {
		t.Fatalf("metadata created_by = %v", ref.Metadata["created_by"])
	}
}

func TestActivateReferrerMissingRejects(t *testing.T) {
	svc, conn, node := setupReferral(t)
	ctx := context.Background()

	ghost := node.Generate()
	referred := seedUser(t, conn, node, func(u *auth.User) { u.ReferredBy = &ghost })
	if err := conn.Create(&Referral{
		ID:         node.Generate(),
		ReferrerID: ghost,
		ReferredID: referred.ID,
		Status:     StatusPending,
	}).Error; err != nil {
		t.Fatalf("seed referral: %v", err)
	}
	seedEssay(t, conn, referred.ID)

	res, err := svc.Activate(ctx, referred.ID, "manual", "5.5.5.5")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if res.Credited || res.Reason != ReasonReferrerMissing {
		t.Fatalf("result = %+v, want referrer_missing", res)
	}

	var ref Referral
	if err := conn.Where("referred_id = ?", referred.ID).First(&ref).Error; err != nil {
		t.Fatalf("reload referral: %v", err)
	}
	if ref.Status != StatusRejected {
		t.Fatalf("status = %q, want rejected", ref.Status)
	}
	if ref.Metadata["reason"] != ReasonReferrerMissing || ref.Metadata["activation_ip"] != "5.5.5.5" {
		t.Fatalf("rejection audit metadata = %v", ref.Metadata)
	}
}

func TestActivateNoReferrer(t *testing.T) {
	svc, conn, node := setupReferral(t)
	ctx := context.Background()

	loner := seedUser(t, conn, node, nil)
	res, err := svc.Activate(ctx, loner.ID, "manual", "")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if res.Reason != ReasonNoReferrer {
		t.Fatalf("reason = %q, want no_referrer", res.Reason)
	}

	res, _ = svc.Activate(ctx, snowflake.ID(123456), "manual", "")
	if res.Reason != ReasonUserNotFound {
		t.Fatalf("reason = %q, want user_not_found", res.Reason)
	}
}

func TestGetOverviewStats(t *testing.T) {
	svc, conn, node := setupReferral(t)
	ctx := context.Background()

	referrer := seedUser(t, conn, node, nil)
	code, _ := svc.EnsureCode(ctx, referrer.ID)

	confirmed := seedUser(t, conn, node, nil)
	if _, err := svc.ApplyOnSignup(ctx, confirmed, code, "1.1.1.1", ""); err != nil {
		t.Fatalf("apply: %v", err)
	}
	seedEssay(t, conn, confirmed.ID)
	if _, err := svc.Activate(ctx, confirmed.ID, "manual", "2.2.2.2"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	pending := seedUser(t, conn, node, nil)
	if _, err := svc.ApplyOnSignup(ctx, pending, code, "3.3.3.3", ""); err != nil {
		t.Fatalf("apply pending: %v", err)
	}

	ov, err := svc.GetOverview(ctx, referrer.ID)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if ov.Code != code {
		t.Fatalf("code = %q, want %q", ov.Code, code)
	}
	wantLink := "https://mooose.com.br/register?ref=" + code
	if ov.Link != wantLink {
		t.Fatalf("link = %q, want %q", ov.Link, wantLink)
	}
	if ov.Stats.Pending != 1 || ov.Stats.Confirmed != 1 || ov.Stats.TotalEarned != 2 {
		t.Fatalf("stats = %+v", ov.Stats)
	}
}
