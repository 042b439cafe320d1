package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	// Run from an empty directory so no config file is found.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Address() != "127.0.0.1:8090" {
		t.Errorf("unexpected server address %s", cfg.Server.Address())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level info, got %s", cfg.LogLevel)
	}
	if cfg.Exchange.TakerFee != 0.002 {
		t.Errorf("expected taker fee 0.002, got %f", cfg.Exchange.TakerFee)
	}
	if cfg.Risk.MaxDrawdown != 0.20 {
		t.Errorf("expected max drawdown 0.20, got %f", cfg.Risk.MaxDrawdown)
	}
	if cfg.Regime.Detector != "statistical" {
		t.Errorf("expected statistical detector, got %s", cfg.Regime.Detector)
	}
	if cfg.Optimizer.Metric != "sharpe_ratio" {
		t.Errorf("expected sharpe_ratio metric, got %s", cfg.Optimizer.Metric)
	}
	if cfg.WalkForward.TrainDays != 30 || cfg.WalkForward.TestDays != 10 {
		t.Errorf("unexpected walk forward windows %d/%d", cfg.WalkForward.TrainDays, cfg.WalkForward.TestDays)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	payload := []byte(`
server:
  port: 9999
exchange:
  taker_fee: 0.004
  initial_capital: 50000
risk:
  max_drawdown: 0.30
`)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Exchange.TakerFee != 0.004 {
		t.Errorf("expected taker fee 0.004, got %f", cfg.Exchange.TakerFee)
	}
	if cfg.Risk.MaxDrawdown != 0.30 {
		t.Errorf("expected max drawdown 0.30, got %f", cfg.Risk.MaxDrawdown)
	}

	// Untouched keys keep their defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected default host, got %s", cfg.Server.Host)
	}
	if cfg.Exchange.MakerFee != 0.001 {
		t.Errorf("expected default maker fee, got %f", cfg.Exchange.MakerFee)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for explicit missing file")
	}
}

func TestTypesExchangeConfig(t *testing.T) {
	cfg := &Config{
		Exchange: ExchangeConfig{
			MakerFee:       0.001,
			TakerFee:       0.002,
			InitialCapital: 25000,
		},
	}

	ec := cfg.TypesExchangeConfig()
	if !ec.TakerFee.Equal(decimal.NewFromFloat(0.002)) {
		t.Errorf("unexpected taker fee %s", ec.TakerFee)
	}
	if !ec.InitialBalances["USDT"].Equal(decimal.NewFromInt(25000)) {
		t.Errorf("empty quote currency must default to USDT, got %v", ec.InitialBalances)
	}
}
