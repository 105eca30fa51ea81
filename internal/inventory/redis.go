package inventory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
)

const stockKeyPrefix = "stock:"

// Script results: {status, available}. status 1 = applied, 0 = rejected by
// the stock rule, -1 = unknown product, -2 = release exceeds reserved.
const (
	scriptApplied  = 1
	scriptRejected = 0
	scriptNotFound = -1
	scriptOverflow = -2
)

var reserveScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return {-1, 0}
end

local available = tonumber(redis.call('HGET', key, 'available'))
if available < quantity then
	return {0, available}
end

redis.call('HINCRBY', key, 'available', -quantity)
redis.call('HINCRBY', key, 'reserved', quantity)
redis.call('HINCRBY', key, 'version', 1)
redis.call('HSET', key, 'updated_at', ARGV[2])
return {1, available - quantity}
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return {-1, 0}
end

local available = tonumber(redis.call('HGET', key, 'available'))
local reserved = tonumber(redis.call('HGET', key, 'reserved'))
if reserved < quantity then
	return {-2, available}
end

redis.call('HINCRBY', key, 'available', quantity)
redis.call('HINCRBY', key, 'reserved', -quantity)
redis.call('HINCRBY', key, 'version', 1)
redis.call('HSET', key, 'updated_at', ARGV[2])
return {1, available + quantity}
`)

var adjustScript = redis.NewScript(`
local key = KEYS[1]
local delta = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return {-1, 0}
end

local available = tonumber(redis.call('HGET', key, 'available'))
if available + delta < 0 then
	return {0, available}
end

redis.call('HINCRBY', key, 'available', delta)
redis.call('HINCRBY', key, 'version', 1)
redis.call('HSET', key, 'updated_at', ARGV[2])
return {1, available + delta}
`)

var addProductScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 1 then
	return 0
end
redis.call('HSET', key, 'available', ARGV[1], 'reserved', 0, 'version', 1, 'updated_at', ARGV[2])
return 1
`)

// RedisLedger keeps stock in Redis hashes; every operation is one Lua script,
// which Redis runs atomically per key.
type RedisLedger struct {
	client  *redis.Client
	logger  *zap.Logger
	metrics *ledgerMetrics
	now     func() time.Time
}

func NewRedisLedger(client *redis.Client, logger *zap.Logger) *RedisLedger {
	return &RedisLedger{
		client:  client,
		logger:  logger,
		metrics: newLedgerMetrics("redis"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *RedisLedger) Reserve(ctx context.Context, productID string, quantity int) error {
	if err := checkQuantity(quantity); err != nil {
		return err
	}
	return r.run(ctx, "reserve", reserveScript, productID, quantity)
}

func (r *RedisLedger) Release(ctx context.Context, productID string, quantity int) error {
	if err := checkQuantity(quantity); err != nil {
		return err
	}
	return r.run(ctx, "release", releaseScript, productID, quantity)
}

func (r *RedisLedger) Adjust(ctx context.Context, productID string, delta int) error {
	return r.run(ctx, "adjust", adjustScript, productID, delta)
}

func (r *RedisLedger) run(ctx context.Context, op string, script *redis.Script, productID string, amount int) (err error) {
	ctx, span := tracer.Start(ctx, "ledger."+op, trace.WithAttributes(
		attribute.String("ledger.backend", "redis"),
		attribute.String("product.id", productID),
	))
	defer func() {
		r.metrics.record(ctx, op, err)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	res, err := script.Run(ctx, r.client, []string{stockKeyPrefix + productID}, amount, r.now().UnixMilli()).Int64Slice()
	if err != nil {
		return fmt.Errorf("%s stock: %w", op, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("%s stock: unexpected script result %v", op, res)
	}

	status, available := res[0], int(res[1])
	switch status {
	case scriptApplied:
		return nil
	case scriptNotFound:
		return fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	case scriptOverflow:
		return domain.ErrOverRelease
	case scriptRejected:
		if op == "adjust" {
			return &domain.NegativeStockError{ProductID: productID, Current: available, Delta: amount}
		}
		return &domain.InsufficientStockError{ProductID: productID, Requested: amount, Available: available}
	default:
		return fmt.Errorf("%s stock: unexpected script status %d", op, status)
	}
}

// AddProduct registers a product with its initial stock. Registering an
// existing product fails with ErrProductExists.
func (r *RedisLedger) AddProduct(ctx context.Context, productID string, quantity int) error {
	if quantity < 0 {
		return &domain.NegativeStockError{ProductID: productID, Delta: quantity}
	}
	created, err := addProductScript.Run(ctx, r.client, []string{stockKeyPrefix + productID}, quantity, r.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("add product: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", ErrProductExists, productID)
	}
	return nil
}

func (r *RedisLedger) Stock(ctx context.Context, productID string) (*domain.StockLevel, error) {
	fields, err := r.client.HGetAll(ctx, stockKeyPrefix+productID).Result()
	if err != nil {
		return nil, fmt.Errorf("read stock: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return parseStockHash(productID, fields)
}

func (r *RedisLedger) List(ctx context.Context) ([]domain.StockLevel, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, stockKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), stockKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan stock keys: %w", err)
	}
	sort.Strings(ids)

	levels := make([]domain.StockLevel, 0, len(ids))
	for _, id := range ids {
		level, err := r.Stock(ctx, id)
		if err != nil {
			return nil, err
		}
		levels = append(levels, *level)
	}
	return levels, nil
}

func parseStockHash(productID string, fields map[string]string) (*domain.StockLevel, error) {
	level := &domain.StockLevel{ItemID: productID}
	var err error
	if level.Available, err = strconv.Atoi(fields["available"]); err != nil {
		return nil, fmt.Errorf("parse available for %s: %w", productID, err)
	}
	if level.Reserved, err = strconv.Atoi(fields["reserved"]); err != nil {
		return nil, fmt.Errorf("parse reserved for %s: %w", productID, err)
	}
	if level.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse version for %s: %w", productID, err)
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		level.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return level, nil
}
