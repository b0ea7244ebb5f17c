package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/soulbridge/atelier/internal/catalog"
	"github.com/soulbridge/atelier/internal/clock"
	"github.com/soulbridge/atelier/internal/config"
	"github.com/soulbridge/atelier/internal/enforce"
	ledgerservice "github.com/soulbridge/atelier/internal/ledger/service"
	usageservice "github.com/soulbridge/atelier/internal/usage/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestGetBalanceSeedsFirstAccess(t *testing.T) {
	env := setupServer(t)
	userID := env.node.Generate()

	rec := env.request(http.MethodGet, "/api/credits/balance", "", userID, "bronze")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Balance int64  `json:"balance"`
		Tier    string `json:"tier"`
	}
	decode(t, rec, &resp)
	if resp.Balance != 100 || resp.Tier != "bronze" {
		t.Fatalf("unexpected balance payload: %+v", resp)
	}
}

func TestInvokeDeductsAndAnnotates(t *testing.T) {
	env := setupServer(t)
	userID := env.node.Generate()

	rec := env.request(http.MethodPost, "/api/features/decoder/invoke", `{"input":{"dream":"flying"}}`, userID, "silver")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	decode(t, rec, &resp)
	if resp["charged"] != float64(5) {
		t.Fatalf("expected charged 5, got %v", resp["charged"])
	}
	if resp["remaining"] != float64(345) {
		t.Fatalf("expected remaining 345, got %v", resp["remaining"])
	}
	if resp["status"] != "completed" {
		t.Fatalf("expected echo invoker completion, got %v", resp["status"])
	}
}

func TestInvokeInsufficientCreditsPayload(t *testing.T) {
	env := setupServer(t)
	userID := env.node.Generate()

	// Drain the bronze allowance down to 2 credits.
	rec := env.request(http.MethodGet, "/api/credits/balance", "", userID, "bronze")
	if rec.Code != http.StatusOK {
		t.Fatalf("seed balance: %d", rec.Code)
	}
	if err := env.db.Exec(
		`UPDATE credit_balances SET balance = 2 WHERE user_id = ?`, userID,
	).Error; err != nil {
		t.Fatalf("drain balance: %v", err)
	}

	rec = env.request(http.MethodPost, "/api/features/decoder/invoke", "", userID, "bronze")
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Error struct {
			Type    string         `json:"type"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	decode(t, rec, &resp)
	if resp.Error.Type != "insufficient_credits" {
		t.Fatalf("expected insufficient_credits, got %q", resp.Error.Type)
	}
	if resp.Error.Details["balance"] != float64(2) || resp.Error.Details["shortfall"] != float64(3) {
		t.Fatalf("unexpected details: %v", resp.Error.Details)
	}
}

func TestInvokeDailyLimitPayload(t *testing.T) {
	env := setupServer(t)
	userID := env.node.Generate()

	for i := 0; i < 3; i++ {
		rec := env.request(http.MethodPost, "/api/features/decoder/invoke", "", userID, "bronze")
		if rec.Code != http.StatusOK {
			t.Fatalf("invoke %d: %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := env.request(http.MethodPost, "/api/features/decoder/invoke", "", userID, "bronze")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Error struct {
			Type    string         `json:"type"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	decode(t, rec, &resp)
	if resp.Error.Type != "daily_limit_exceeded" {
		t.Fatalf("expected daily_limit_exceeded, got %q", resp.Error.Type)
	}
	if resp.Error.Details["limit"] != float64(3) || resp.Error.Details["used"] != float64(3) {
		t.Fatalf("unexpected details: %v", resp.Error.Details)
	}
	if _, err := time.Parse(time.RFC3339, resp.Error.Details["resets_at"].(string)); err != nil {
		t.Fatalf("resets_at not RFC3339: %v", resp.Error.Details["resets_at"])
	}
}

func TestInvokeUnknownFeature(t *testing.T) {
	env := setupServer(t)

	rec := env.request(http.MethodPost, "/api/features/time_travel/invoke", "", env.node.Generate(), "bronze")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMissingIdentityHeader(t *testing.T) {
	env := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil)
	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGrantAndTransactionHistory(t *testing.T) {
	env := setupServer(t)
	userID := env.node.Generate()

	rec := env.request(http.MethodGet, "/api/credits/balance", "", userID, "bronze")
	if rec.Code != http.StatusOK {
		t.Fatalf("seed balance: %d", rec.Code)
	}

	body := fmt.Sprintf(`{"user_id":"%s","tier":"bronze","amount":50,"reason":"support_credit"}`, userID)
	req := httptest.NewRequest(http.MethodPost, "/admin/credits/grant", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	grantRec := httptest.NewRecorder()
	env.engine.ServeHTTP(grantRec, req)
	if grantRec.Code != http.StatusOK {
		t.Fatalf("grant: %d: %s", grantRec.Code, grantRec.Body.String())
	}

	rec = env.request(http.MethodGet, "/api/credits/transactions", "", userID, "bronze")
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions: %d", rec.Code)
	}
	var resp struct {
		Transactions []struct {
			Type   string `json:"type"`
			Amount int64  `json:"amount"`
		} `json:"transactions"`
	}
	decode(t, rec, &resp)
	if len(resp.Transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(resp.Transactions))
	}
	if resp.Transactions[0].Type != "grant" || resp.Transactions[0].Amount != 50 {
		t.Fatalf("expected newest grant first, got %+v", resp.Transactions[0])
	}
}

func TestFeatureUsageEndpoint(t *testing.T) {
	env := setupServer(t)
	userID := env.node.Generate()

	rec := env.request(http.MethodPost, "/api/features/horoscope/invoke", "", userID, "bronze")
	if rec.Code != http.StatusOK {
		t.Fatalf("invoke: %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.request(http.MethodGet, "/api/usage/horoscope", "", userID, "bronze")
	if rec.Code != http.StatusOK {
		t.Fatalf("usage: %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Used      int64 `json:"used"`
		Limit     any   `json:"limit"`
		Remaining any   `json:"remaining"`
	}
	decode(t, rec, &resp)
	if resp.Used != 1 {
		t.Fatalf("expected 1 use, got %d", resp.Used)
	}
	if resp.Limit != float64(3) || resp.Remaining != float64(2) {
		t.Fatalf("unexpected limit/remaining: %v/%v", resp.Limit, resp.Remaining)
	}
}

type serverEnv struct {
	node   *snowflake.Node
	db     *gorm.DB
	engine *gin.Engine
}

func (e *serverEnv) request(method, path, body string, userID snowflake.ID, tier string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(HeaderUserID, userID.String())
	req.Header.Set(HeaderUserTier, tier)
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func setupServer(t *testing.T) *serverEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	prepareServerSchema(t, db)

	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}

	appCfg := config.Config{ReportingTimezone: "America/New_York"}
	log := zap.NewNop()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Catalog: cat,
	})
	usageSvc := usageservice.NewService(usageservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clock.NewSystemClock(),
		Catalog: cat,
		Cfg:     appCfg,
	})
	gate := enforce.NewGate(enforce.Params{
		Log:     log,
		Catalog: cat,
		Ledger:  ledgerSvc,
		Usage:   usageSvc,
	})

	engine := NewEngine(log)
	NewServer(ServerParams{
		Gin:       engine,
		Cfg:       appCfg,
		DB:        db,
		Log:       log,
		GenID:     node,
		Catalog:   cat,
		LedgerSvc: ledgerSvc,
		UsageSvc:  usageSvc,
		Gate:      gate,
	})

	return &serverEnv{node: node, db: db, engine: engine}
}

func prepareServerSchema(t *testing.T, db *gorm.DB) {
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
