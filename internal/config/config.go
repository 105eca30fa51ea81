package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/retry"
)

const (
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerMemory   = "memory"
)

type Common struct {
	Env          string `env:"ENV" env-default:"local"`
	LogLevel     string `env:"LOG_LEVEL" env-default:"info"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTelDisabled bool   `env:"OTEL_SDK_DISABLED" env-default:"false"`
}

// TraceEndpoint is the OTLP endpoint, or "" when span export is disabled.
func (c Common) TraceEndpoint() string {
	if c.OTelDisabled {
		return ""
	}
	return c.OTLPEndpoint
}

type HTTP struct {
	Port            string        `env:"PORT"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" env-default:"10s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type Retry struct {
	MaxAttempts     int           `env:"RETRY_MAX_ATTEMPTS" env-default:"5"`
	InitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" env-default:"10ms"`
	MaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" env-default:"250ms"`
}

type Ledger struct {
	Backend   string        `env:"LEDGER_BACKEND" env-default:"postgres"`
	RedisAddr string        `env:"REDIS_ADDR" env-default:"localhost:6379"`
	LockWait  time.Duration `env:"STOCK_LOCK_WAIT" env-default:"250ms"`
	// Seed populates the memory backend, e.g. "ITEM-001=100,ITEM-002=5".
	Seed string `env:"INVENTORY_SEED"`
}

type Orders struct {
	Common
	HTTP
	Retry
	Ledger
	PostgresURL       string        `env:"POSTGRES_URL" env-required:"true"`
	KafkaBrokers      []string      `env:"KAFKA_BROKERS" env-separator:","`
	EventsTopic       string        `env:"EVENTS_TOPIC" env-default:"order.events"`
	DispatchQueueSize int           `env:"DISPATCH_QUEUE_SIZE" env-default:"1024"`
	DispatchWorkers   int           `env:"DISPATCH_WORKERS" env-default:"4"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" env-default:"5s"`
}

type Inventory struct {
	Common
	HTTP
	Retry
	Ledger
	PostgresURL string `env:"POSTGRES_URL"`
}

type Worker struct {
	Common
	KafkaBrokers    []string      `env:"KAFKA_BROKERS" env-separator:"," env-required:"true"`
	EventsTopic     string        `env:"EVENTS_TOPIC" env-default:"order.events"`
	GroupID         string        `env:"CONSUMER_GROUP" env-default:"notification-worker"`
	EmailServiceURL string        `env:"EMAIL_SERVICE_URL" env-required:"true"`
	EmailTimeout    time.Duration `env:"EMAIL_TIMEOUT" env-default:"10s"`
}

type Migrate struct {
	LogLevel       string `env:"LOG_LEVEL" env-default:"info"`
	PostgresURL    string `env:"POSTGRES_URL" env-required:"true"`
	MigrationsPath string `env:"MIGRATIONS_PATH" env-default:"file://migrations"`
}

func LoadOrders() (*Orders, error) {
	var cfg Orders
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read orders config: %w", err)
	}
	if cfg.PostgresURL == "" {
		return nil, fmt.Errorf("POSTGRES_URL is required")
	}
	if cfg.Port == "" {
		cfg.Port = "8081"
	}
	if err := cfg.Ledger.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Retry.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadInventory() (*Inventory, error) {
	var cfg Inventory
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read inventory config: %w", err)
	}
	if cfg.Port == "" {
		cfg.Port = "8082"
	}
	if err := cfg.Ledger.validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == LedgerPostgres && cfg.PostgresURL == "" {
		return nil, fmt.Errorf("POSTGRES_URL is required for the %s ledger", LedgerPostgres)
	}
	if err := cfg.Retry.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadWorker() (*Worker, error) {
	var cfg Worker
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read worker config: %w", err)
	}
	if len(cfg.KafkaBrokers) == 0 || cfg.EmailServiceURL == "" {
		return nil, fmt.Errorf("KAFKA_BROKERS and EMAIL_SERVICE_URL are required")
	}
	return &cfg, nil
}

func LoadMigrate() (*Migrate, error) {
	var cfg Migrate
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read migrate config: %w", err)
	}
	return &cfg, nil
}

func (l Ledger) validate() error {
	switch l.Backend {
	case LedgerPostgres, LedgerRedis, LedgerMemory:
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", l.Backend)
	}
	if l.Backend == LedgerMemory {
		if _, err := ParseSeed(l.Seed); err != nil {
			return err
		}
	}
	return nil
}

func (r Retry) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
	}
}

func (r Retry) validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", r.MaxAttempts)
	}
	return nil
}

// ParseSeed parses "ID=QTY,ID=QTY" into a stock map.
func ParseSeed(seed string) (map[string]int, error) {
	out := make(map[string]int)
	if strings.TrimSpace(seed) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(seed, ",") {
		id, qty, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid INVENTORY_SEED entry %q", pair)
		}
		n, err := strconv.Atoi(qty)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid quantity in INVENTORY_SEED entry %q", pair)
		}
		out[id] = n
	}
	return out, nil
}
