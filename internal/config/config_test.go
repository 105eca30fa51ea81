package config

import (
	"testing"
	"time"
)

func TestLoadOrders(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		t.Setenv("POSTGRES_URL", "postgres://localhost/orderflow")
		t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

		cfg, err := LoadOrders()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != "8081" {
			t.Errorf("expected default port 8081, got %s", cfg.Port)
		}
		if cfg.Backend != LedgerPostgres {
			t.Errorf("expected postgres ledger, got %s", cfg.Backend)
		}
		if cfg.MaxAttempts != 5 {
			t.Errorf("expected 5 attempts, got %d", cfg.MaxAttempts)
		}
		if cfg.LockWait != 250*time.Millisecond {
			t.Errorf("expected 250ms lock wait, got %s", cfg.LockWait)
		}
		if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
			t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
		}
		if cfg.EventsTopic != "order.events" {
			t.Errorf("unexpected topic %s", cfg.EventsTopic)
		}
	})

	t.Run("requires postgres url", func(t *testing.T) {
		t.Setenv("POSTGRES_URL", "")
		if _, err := LoadOrders(); err == nil {
			t.Error("expected error without POSTGRES_URL")
		}
	})

	t.Run("rejects unknown ledger backend", func(t *testing.T) {
		t.Setenv("POSTGRES_URL", "postgres://localhost/orderflow")
		t.Setenv("LEDGER_BACKEND", "carrier-pigeon")
		if _, err := LoadOrders(); err == nil {
			t.Error("expected error for unknown backend")
		}
	})

	t.Run("rejects zero attempts", func(t *testing.T) {
		t.Setenv("POSTGRES_URL", "postgres://localhost/orderflow")
		t.Setenv("RETRY_MAX_ATTEMPTS", "0")
		if _, err := LoadOrders(); err == nil {
			t.Error("expected error for zero attempts")
		}
	})
}

func TestLoadInventory(t *testing.T) {
	t.Run("memory backend needs no database", func(t *testing.T) {
		t.Setenv("LEDGER_BACKEND", LedgerMemory)
		t.Setenv("INVENTORY_SEED", "ITEM-001=10")

		cfg, err := LoadInventory()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != "8082" {
			t.Errorf("expected default port 8082, got %s", cfg.Port)
		}
	})

	t.Run("postgres backend needs a database", func(t *testing.T) {
		t.Setenv("LEDGER_BACKEND", LedgerPostgres)
		t.Setenv("POSTGRES_URL", "")
		if _, err := LoadInventory(); err == nil {
			t.Error("expected error without POSTGRES_URL")
		}
	})
}

func TestLoadWorker(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	t.Setenv("EMAIL_SERVICE_URL", "http://email:8084")

	cfg, err := LoadWorker()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GroupID != "notification-worker" {
		t.Errorf("unexpected group %s", cfg.GroupID)
	}
}

func TestParseSeed(t *testing.T) {
	t.Run("parses pairs", func(t *testing.T) {
		got, err := ParseSeed("ITEM-001=100, ITEM-002=0")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got["ITEM-001"] != 100 || got["ITEM-002"] != 0 || len(got) != 2 {
			t.Errorf("unexpected seed %v", got)
		}
	})

	t.Run("empty seed", func(t *testing.T) {
		got, err := ParseSeed("")
		if err != nil || len(got) != 0 {
			t.Errorf("expected empty map, got %v, %v", got, err)
		}
	})

	for _, bad := range []string{"ITEM-001", "=5", "ITEM-001=-1", "ITEM-001=x"} {
		if _, err := ParseSeed(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestTraceEndpoint(t *testing.T) {
	c := Common{OTLPEndpoint: "collector:4317"}
	if got := c.TraceEndpoint(); got != "collector:4317" {
		t.Errorf("expected collector endpoint, got %q", got)
	}
	c.OTelDisabled = true
	if got := c.TraceEndpoint(); got != "" {
		t.Errorf("expected export disabled, got %q", got)
	}
}

func TestRetryPolicy(t *testing.T) {
	p := Retry{MaxAttempts: 7, InitialInterval: time.Millisecond, MaxInterval: time.Second}.Policy()
	if p.MaxAttempts != 7 || p.InitialInterval != time.Millisecond || p.MaxInterval != time.Second {
		t.Errorf("unexpected policy %+v", p)
	}
}
