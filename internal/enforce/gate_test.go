package enforce

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/soulbridge/atelier/internal/catalog"
	"github.com/soulbridge/atelier/internal/clock"
	"github.com/soulbridge/atelier/internal/config"
	ledgerdomain "github.com/soulbridge/atelier/internal/ledger/domain"
	ledgerservice "github.com/soulbridge/atelier/internal/ledger/service"
	usagedomain "github.com/soulbridge/atelier/internal/usage/domain"
	usageservice "github.com/soulbridge/atelier/internal/usage/service"
	"github.com/soulbridge/atelier/internal/usercontext"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func okHandler(ctx context.Context) (map[string]any, error) {
	return map[string]any{"result": "done"}, nil
}

func TestExecuteChargesAndRecordsUsage(t *testing.T) {
	gate, env := setupGate(t)
	ctx := identityCtx(env.node.Generate(), "trial")

	payload, err := gate.Execute(ctx, "decoder", okHandler)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if payload["charged"] != int64(5) {
		t.Fatalf("expected charged 5, got %v", payload["charged"])
	}
	if payload["remaining"] != int64(15) {
		t.Fatalf("expected remaining 15, got %v", payload["remaining"])
	}

	identity, _ := usercontext.IdentityFromContext(ctx)
	used, err := env.usageSvc.GetUsageToday(context.Background(), identity.UserID, "decoder")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 1 {
		t.Fatalf("expected 1 recorded use, got %d", used)
	}
}

func TestExecuteDeniesAtDailyCap(t *testing.T) {
	gate, env := setupGate(t)
	userID := env.node.Generate()
	ctx := identityCtx(userID, "trial")

	for i := 0; i < 3; i++ {
		if _, err := gate.Execute(ctx, "decoder", okHandler); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}

	_, err := gate.Execute(ctx, "decoder", okHandler)
	if !errors.Is(err, ErrDailyLimitExceeded) {
		t.Fatalf("expected daily limit error, got %v", err)
	}
	var detail *DailyLimitExceededError
	if !errors.As(err, &detail) {
		t.Fatalf("expected *DailyLimitExceededError, got %T", err)
	}
	if detail.Limit != 3 || detail.Used != 3 {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	// The denied call must not have touched the ledger: 20 - 3*5 = 5.
	balance, err := env.ledgerSvc.GetBalance(context.Background(), userID, "trial")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 5 {
		t.Fatalf("expected balance 5, got %d", balance)
	}
}

func TestExecuteDeniesOnInsufficientFunds(t *testing.T) {
	gate, env := setupGate(t)
	userID := env.node.Generate()
	ctx := identityCtx(userID, "starter") // 8 credits, decoder costs 5

	if _, err := gate.Execute(ctx, "decoder", okHandler); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	_, err := gate.Execute(ctx, "decoder", okHandler)
	if !errors.Is(err, ledgerdomain.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	// Denied work is not usage.
	used, err := env.usageSvc.GetUsageToday(context.Background(), userID, "decoder")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 1 {
		t.Fatalf("expected 1 use after denial, got %d", used)
	}
}

func TestExecuteRefundsOnHandlerFailure(t *testing.T) {
	gate, env := setupGate(t)
	userID := env.node.Generate()
	ctx := identityCtx(userID, "trial")

	boom := errors.New("model backend unavailable")
	_, err := gate.Execute(ctx, "decoder", func(ctx context.Context) (map[string]any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error surfaced, got %v", err)
	}

	balance, err := env.ledgerSvc.GetBalance(context.Background(), userID, "trial")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 20 {
		t.Fatalf("expected full refund back to 20, got %d", balance)
	}

	used, err := env.usageSvc.GetUsageToday(context.Background(), userID, "decoder")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 0 {
		t.Fatalf("failed work must not count as usage, got %d", used)
	}
}

func TestExecuteSkipsLedgerForFreeFeature(t *testing.T) {
	gate, env := setupGate(t)
	userID := env.node.Generate()
	ctx := identityCtx(userID, "trial")

	payload, err := gate.Execute(ctx, "companion_chat", okHandler)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, annotated := payload["charged"]; annotated {
		t.Fatalf("free feature must not carry a charge, got %v", payload["charged"])
	}

	var transactions int
	if err := env.db.Raw(
		`SELECT COUNT(1) FROM credit_transactions WHERE user_id = ?`, userID,
	).Scan(&transactions).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if transactions != 0 {
		t.Fatalf("expected no ledger writes for free feature, got %d", transactions)
	}
}

func TestExecuteRequiresIdentity(t *testing.T) {
	gate, _ := setupGate(t)

	_, err := gate.Execute(context.Background(), "decoder", okHandler)
	if !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestExecuteRejectsUnknownFeature(t *testing.T) {
	gate, env := setupGate(t)
	ctx := identityCtx(env.node.Generate(), "trial")

	_, err := gate.Execute(ctx, "time_travel", okHandler)
	if !errors.Is(err, catalog.ErrFeatureNotConfigured) {
		t.Fatalf("expected unconfigured feature error, got %v", err)
	}
}

type gateEnv struct {
	node      *snowflake.Node
	db        *gorm.DB
	ledgerSvc ledgerdomain.Service
	usageSvc  usagedomain.Service
}

func setupGate(t *testing.T) (*Gate, *gateEnv) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	prepareGateSchema(t, db)

	cat, err := catalog.New(
		[]catalog.FeatureCost{
			{Code: "companion_chat", Name: "Companion Chat", Cost: 0},
			{Code: "decoder", Name: "Dream Decoder", Cost: 5},
		},
		[]catalog.TierPlan{
			{Code: "trial", MonthlyAllowance: 20, DefaultDaily: catalog.LimitOf(3)},
			{Code: "starter", MonthlyAllowance: 8, DefaultDaily: catalog.LimitOf(10)},
		},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Catalog: cat,
	})
	usageSvc := usageservice.NewService(usageservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clock.NewFakeClock(time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC)),
		Catalog: cat,
		Cfg:     config.Config{ReportingTimezone: "America/New_York"},
	})

	gate := NewGate(Params{
		Log:     zap.NewNop(),
		Catalog: cat,
		Ledger:  ledgerSvc,
		Usage:   usageSvc,
	})

	return gate, &gateEnv{node: node, db: db, ledgerSvc: ledgerSvc, usageSvc: usageSvc}
}

func identityCtx(userID snowflake.ID, tier string) context.Context {
	return usercontext.WithIdentity(context.Background(), usercontext.Identity{
		UserID: userID,
		Tier:   tier,
	})
}

func prepareGateSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	statements := []string{
		`CREATE TABLE credit_balances (
			user_id BIGINT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			tier TEXT NOT NULL DEFAULT 'bronze',
			last_reset_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE credit_transactions (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			type TEXT NOT NULL,
			feature TEXT,
			amount BIGINT NOT NULL,
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE refund_retries (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			feature TEXT,
			reason TEXT,
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE usage_counters (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			feature_code TEXT NOT NULL,
			usage_date TEXT NOT NULL,
			usage_count BIGINT NOT NULL DEFAULT 0,
			last_used_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_usage_user_feature_day
			ON usage_counters (user_id, feature_code, usage_date)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("prepare schema: %v", err)
		}
	}
}
