package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/config"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/retry"
)

// Open builds the ledger backend selected by cfg and registers the seed
// products it names. db is only used by the postgres backend. The returned
// close function releases backend connections.
func Open(ctx context.Context, cfg config.Ledger, db *sql.DB, policy retry.Policy, logger *zap.Logger) (Ledger, func() error, error) {
	seed, err := config.ParseSeed(cfg.Seed)
	if err != nil {
		return nil, nil, err
	}
	noop := func() error { return nil }
	logger = logger.With(zap.String("ledger", cfg.Backend))

	switch cfg.Backend {
	case config.LedgerPostgres:
		if db == nil {
			return nil, nil, fmt.Errorf("%s ledger needs a database", cfg.Backend)
		}
		repo := NewStockRepository(db)
		for id, qty := range seed {
			if err := ignoreExisting(repo.CreateItem(ctx, id, qty)); err != nil {
				return nil, nil, fmt.Errorf("seed %s: %w", id, err)
			}
		}
		return NewOptimisticLedger(repo, policy, logger), noop, nil

	case config.LedgerRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		ledger := NewRedisLedger(client, logger)
		for id, qty := range seed {
			if err := ignoreExisting(ledger.AddProduct(ctx, id, qty)); err != nil {
				_ = client.Close()
				return nil, nil, fmt.Errorf("seed %s: %w", id, err)
			}
		}
		return ledger, client.Close, nil

	case config.LedgerMemory:
		ledger := NewLockingLedger(cfg.LockWait, logger)
		for id, qty := range seed {
			if err := ledger.AddProduct(id, qty); err != nil {
				return nil, nil, fmt.Errorf("seed %s: %w", id, err)
			}
		}
		return ledger, noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func ignoreExisting(err error) error {
	if errors.Is(err, ErrProductExists) {
		return nil
	}
	return err
}
