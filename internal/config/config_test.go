package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Metering.Prices["process"] != 1 || cfg.Metering.Prices["analyze"] != 2 || cfg.Metering.Prices["generate"] != 3 {
		t.Errorf("Unexpected default prices %v", cfg.Metering.Prices)
	}
	if cfg.Metering.RejectUnknownActions {
		t.Errorf("Expected permissive unknown action policy by default")
	}
	if cfg.Reconciler.CommissionBps != 200 {
		t.Errorf("Expected 200 bps commission, got %d", cfg.Reconciler.CommissionBps)
	}
	if cfg.Auth.MessageMaxAge != 5*time.Minute {
		t.Errorf("Expected 5m message max age, got %s", cfg.Auth.MessageMaxAge)
	}
	if cfg.Scheduler.RepairSpec != "@every 1m" {
		t.Errorf("Unexpected repair spec %q", cfg.Scheduler.RepairSpec)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("METERING_PRICE_GENERATE", "7")
	t.Setenv("METERING_REJECT_UNKNOWN_ACTIONS", "true")
	t.Setenv("RECONCILER_REPAIR_GRACE", "90s")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CHAIN_CONFIRMATIONS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Metering.Prices["generate"] != 7 || !cfg.Metering.RejectUnknownActions {
		t.Errorf("Metering overrides not applied: %+v", cfg.Metering)
	}
	if cfg.Reconciler.RepairGrace != 90*time.Second {
		t.Errorf("Expected 90s grace, got %s", cfg.Reconciler.RepairGrace)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("Unexpected origins %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Chain.Confirmations != 3 {
		t.Errorf("Expected 3 confirmations, got %d", cfg.Chain.Confirmations)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("LISTENER_POLLING_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Errorf("Expected invalid duration to fail")
	}
}

func TestLoadRejectsCommission(t *testing.T) {
	t.Setenv("COMMISSION_BPS", "10000")
	if _, err := Load(); err == nil {
		t.Errorf("Expected full commission to fail")
	}
}
