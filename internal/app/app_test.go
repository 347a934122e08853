package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"spot-grid-bot/internal/config"
	"spot-grid-bot/internal/exchange"

	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		State: config.StateConfig{SQLitePath: filepath.Join(t.TempDir(), "test.db")},
		Pairs: []config.PairConfig{{
			ID:           1,
			Symbol:       "SOL/USDC",
			Exchange:     "binance",
			Amount:       50,
			BuyPct:       -1,
			SellPct:      2,
			TradingMode:  "testnet",
			ProfitMode:   "usdc",
			TickInterval: 5 * time.Second,
		}},
	}
}

func TestNewWiresSharedState(t *testing.T) {
	a, err := New(testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.store.Close()
	if a.manager == nil {
		t.Fatalf("manager not constructed")
	}
	if a.history != nil {
		t.Fatalf("history writer must be nil when disabled")
	}
	if a.feedConn != nil || a.feedCache != nil {
		t.Fatalf("feed must be nil when disabled")
	}
	if a.prom != nil {
		t.Fatalf("prometheus must be nil when disabled")
	}
}

func TestNewGatewayMissingCredentials(t *testing.T) {
	t.Setenv("BINANCE_TESTNET_API_KEY", "")
	t.Setenv("BINANCE_TESTNET_SECRET_KEY", "")
	a, err := New(testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.store.Close()
	_, err = a.newGateway(a.cfg.Pairs[0])
	var cfgErr *exchange.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestRunSurvivesAutostartFailure(t *testing.T) {
	t.Setenv("BINANCE_TESTNET_API_KEY", "")
	t.Setenv("BINANCE_TESTNET_SECRET_KEY", "")
	cfg := testConfig(t)
	cfg.Pairs[0].Autostart = true
	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a.manager.IsRunning(1) {
		t.Fatalf("pair with bad credentials must not be running")
	}
}
