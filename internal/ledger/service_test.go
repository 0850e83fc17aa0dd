package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mooose/corrector/internal/anonsession"
	"github.com/mooose/corrector/internal/auth"
	"github.com/mooose/corrector/internal/config"
)

func setupLedger(t *testing.T, freeLimit int) (*Service, *gorm.DB, *snowflake.Node) {
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

	if err := conn.AutoMigrate(&auth.User{}, &anonsession.AnonymousSession{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// The merge path reassigns essays by table name.
	if err := conn.Exec("CREATE TABLE essays (id INTEGER PRIMARY KEY, user_id INTEGER, anon_id TEXT)").Error; err != nil {
		t.Fatalf("create essays: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	svc := NewService(zap.NewNop(), conn, config.Config{FreeCorrectionsLimit: freeLimit})
	return svc, conn, node
}

func seedUser(t *testing.T, conn *gorm.DB, node *snowflake.Node, freeUsed int, credits *int) *auth.User {
	t.Helper()
	user := &auth.User{
		ID:           node.Generate(),
		Email:        fmt.Sprintf("%s@example.com", node.Generate()),
		PasswordHash: "x",
		FreeUsed:     freeUsed,
		Credits:      credits,
	}
	if err := conn.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func seedAnon(t *testing.T, conn *gorm.DB, node *snowflake.Node, anonID string, freeUsed int) *anonsession.AnonymousSession {
	t.Helper()
	anon := &anonsession.AnonymousSession{
		ID:       node.Generate(),
		AnonID:   anonID,
		FreeUsed: freeUsed,
	}
	if err := conn.Create(anon).Error; err != nil {
		t.Fatalf("seed anon: %v", err)
	}
	return anon
}

func intPtr(v int) *int { return &v }

func TestEffectiveFreeUsedTakesMax(t *testing.T) {
	user := &auth.User{FreeUsed: 1}
	anon := &anonsession.AnonymousSession{FreeUsed: 3}

	if got := EffectiveFreeUsed(user, anon); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := EffectiveFreeUsed(nil, anon); got != 3 {
		t.Fatalf("missing user should contribute zero, got %d", got)
	}
	if got := EffectiveFreeUsed(nil, nil); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestFreeRemainingNeverNegative(t *testing.T) {
	if got := FreeRemaining(1, 0); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := FreeRemaining(1, 5); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := FreeRemaining(0, 0); got != 0 {
		t.Fatalf("zero limit should leave nothing, got %d", got)
	}
}

func TestConsumeFreeWritesBothWatermarks(t *testing.T) {
	svc, conn, node := setupLedger(t, 3)
	ctx := context.Background()

	user := seedUser(t, conn, node, 0, nil)
	seedAnon(t, conn, node, "anon-1", 2)

	if err := svc.ConsumeFree(ctx, &user.ID, "anon-1"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	var gotUser auth.User
	if err := conn.First(&gotUser, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	var gotAnon anonsession.AnonymousSession
	if err := conn.First(&gotAnon, "anon_id = ?", "anon-1").Error; err != nil {
		t.Fatalf("reload anon: %v", err)
	}

	if gotUser.FreeUsed != 3 || gotAnon.FreeUsed != 3 {
		t.Fatalf("expected both watermarks at 3, got user=%d anon=%d", gotUser.FreeUsed, gotAnon.FreeUsed)
	}
}

func TestConsumeFreeNeverDecreases(t *testing.T) {
	svc, conn, node := setupLedger(t, 10)
	ctx := context.Background()

	seedAnon(t, conn, node, "anon-hi", 7)
	user := seedUser(t, conn, node, 2, nil)

	if err := svc.ConsumeFree(ctx, &user.ID, "anon-hi"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	var gotAnon anonsession.AnonymousSession
	if err := conn.First(&gotAnon, "anon_id = ?", "anon-hi").Error; err != nil {
		t.Fatalf("reload anon: %v", err)
	}
	if gotAnon.FreeUsed != 8 {
		t.Fatalf("expected anon watermark 8, got %d", gotAnon.FreeUsed)
	}

	var gotUser auth.User
	if err := conn.First(&gotUser, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if gotUser.FreeUsed != 8 {
		t.Fatalf("expected user watermark 8, got %d", gotUser.FreeUsed)
	}
}

func TestMergeAnonToUserIsIdempotent(t *testing.T) {
	svc, conn, node := setupLedger(t, 1)
	ctx := context.Background()

	user := seedUser(t, conn, node, 0, nil)
	seedAnon(t, conn, node, "anon-m", 1)

	essayID := node.Generate()
	if err := conn.Exec("INSERT INTO essays (id, user_id, anon_id) VALUES (?, NULL, ?)",
		int64(essayID), "anon-m").Error; err != nil {
		t.Fatalf("seed essay: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := svc.MergeAnonToUser(ctx, user.ID, "anon-m"); err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
	}

	var gotUser auth.User
	if err := conn.First(&gotUser, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if gotUser.FreeUsed != 1 {
		t.Fatalf("expected merged watermark 1, got %d", gotUser.FreeUsed)
	}

	var gotAnon anonsession.AnonymousSession
	if err := conn.First(&gotAnon, "anon_id = ?", "anon-m").Error; err != nil {
		t.Fatalf("reload anon: %v", err)
	}
	if gotAnon.LinkedUserID == nil || *gotAnon.LinkedUserID != user.ID {
		t.Fatalf("expected anon linked to user")
	}

	var ownerID int64
	if err := conn.Raw("SELECT user_id FROM essays WHERE id = ?", int64(essayID)).Scan(&ownerID).Error; err != nil {
		t.Fatalf("reload essay: %v", err)
	}
	if ownerID != int64(user.ID) {
		t.Fatalf("expected essay reassigned to user, got %d", ownerID)
	}
}

func TestMergeDeniesSecondFreeUse(t *testing.T) {
	// A visitor who spent the free correction anonymously must not get
	// another one after signing up.
	svc, conn, node := setupLedger(t, 1)
	ctx := context.Background()

	seedAnon(t, conn, node, "anon-a", 1)
	user := seedUser(t, conn, node, 0, nil)

	if err := svc.MergeAnonToUser(ctx, user.ID, "anon-a"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	var gotUser auth.User
	if err := conn.First(&gotUser, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	anon, err := anonsession.NewRepository(conn, node).FindByAnonID(ctx, "anon-a")
	if err != nil {
		t.Fatalf("reload anon: %v", err)
	}

	decision := svc.Decide(DecideInput{User: &gotUser, Anon: anon})
	if decision.Admitted {
		t.Fatal("expected denial after merge consumed the free tier")
	}
	if decision.NextAction != ActionPromptPaywall {
		t.Fatalf("expected paywall prompt, got %s", decision.NextAction)
	}
}

func TestDebit(t *testing.T) {
	svc, conn, node := setupLedger(t, 1)
	ctx := context.Background()

	user := seedUser(t, conn, node, 0, intPtr(2))

	remaining, err := svc.Debit(ctx, user.ID)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}

	var got auth.User
	if err := conn.First(&got, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.CreditBalance() != 1 {
		t.Fatalf("expected 1 credit, got %d", got.CreditBalance())
	}
}

func TestDebitReportsBalanceFromTheRow(t *testing.T) {
	svc, conn, node := setupLedger(t, 1)
	ctx := context.Background()

	user := seedUser(t, conn, node, 0, intPtr(1))

	// A settlement lands after the caller loaded the user. The reported
	// balance must come from the locked row, not the caller's copy.
	if err := conn.Model(&auth.User{}).Where("id = ?", user.ID).Update("credits", 11).Error; err != nil {
		t.Fatalf("top up: %v", err)
	}

	remaining, err := svc.Debit(ctx, user.ID)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if remaining != 10 {
		t.Fatalf("remaining = %d, want 10", remaining)
	}
}

func TestDebitInsufficient(t *testing.T) {
	svc, conn, node := setupLedger(t, 1)
	ctx := context.Background()

	zero := seedUser(t, conn, node, 0, intPtr(0))
	if _, err := svc.Debit(ctx, zero.ID); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	// NULL credits behave as zero.
	null := seedUser(t, conn, node, 0, nil)
	if err := conn.Exec("UPDATE users SET credits = NULL WHERE id = ?", int64(null.ID)).Error; err != nil {
		t.Fatalf("null credits: %v", err)
	}
	if _, err := svc.Debit(ctx, null.ID); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits for NULL, got %v", err)
	}
}

func TestDebitUnknownUser(t *testing.T) {
	svc, _, node := setupLedger(t, 1)

	if _, err := svc.Debit(context.Background(), node.Generate()); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestDecide(t *testing.T) {
	svc, _, _ := setupLedger(t, 1)

	anonFresh := &anonsession.AnonymousSession{FreeUsed: 0}
	anonSpent := &anonsession.AnonymousSession{FreeUsed: 1}

	cases := []struct {
		name    string
		in      DecideInput
		admit   bool
		source  ChargeSource
		action  NextAction
		reqAuth bool
		reqPay  bool
	}{
		{
			name:   "anonymous with free remaining",
			in:     DecideInput{Anon: anonFresh},
			admit:  true,
			source: ChargeFree,
			action: ActionContinue,
		},
		{
			name:    "anonymous exhausted",
			in:      DecideInput{Anon: anonSpent},
			action:  ActionPromptSignup,
			reqAuth: true,
		},
		{
			name:    "throttled anon with prior use must authenticate",
			in:      DecideInput{Anon: anonSpent, Throttled: true},
			action:  ActionPromptSignup,
			reqAuth: true,
		},
		{
			name:   "throttled anon with no prior use keeps free tier",
			in:     DecideInput{Anon: anonFresh, Throttled: true},
			admit:  true,
			source: ChargeFree,
			action: ActionContinue,
		},
		{
			name:   "user exhausted free with credits",
			in:     DecideInput{User: &auth.User{FreeUsed: 1, Credits: intPtr(3)}},
			admit:  true,
			source: ChargeCredit,
			action: ActionContinue,
		},
		{
			name:   "user with free tier left uses free first",
			in:     DecideInput{User: &auth.User{FreeUsed: 0, Credits: intPtr(3)}},
			admit:  true,
			source: ChargeFree,
			action: ActionContinue,
		},
		{
			name:   "user broke and exhausted",
			in:     DecideInput{User: &auth.User{FreeUsed: 1}},
			action: ActionPromptPaywall,
			reqPay: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := svc.Decide(tc.in)
			if got.Admitted != tc.admit {
				t.Fatalf("admitted = %v, want %v", got.Admitted, tc.admit)
			}
			if got.ChargeSource != tc.source {
				t.Fatalf("source = %q, want %q", got.ChargeSource, tc.source)
			}
			if got.NextAction != tc.action {
				t.Fatalf("action = %q, want %q", got.NextAction, tc.action)
			}
			if got.RequiresAuth != tc.reqAuth {
				t.Fatalf("requires_auth = %v, want %v", got.RequiresAuth, tc.reqAuth)
			}
			if got.RequiresPayment != tc.reqPay {
				t.Fatalf("requires_payment = %v, want %v", got.RequiresPayment, tc.reqPay)
			}
		})
	}
}
