package messaging

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/retry"
)

const sendTimeout = 10 * time.Second

// Sender delivers one event to the outside world.
type Sender interface {
	Send(ctx context.Context, event domain.OrderEvent) error
}

// Dispatcher queues events in memory and delivers them from a fixed set of
// workers. Publish never blocks: when the queue is full the event is dropped
// and counted.
type Dispatcher struct {
	sender Sender
	policy retry.Policy
	logger *zap.Logger
	queue  chan domain.OrderEvent
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	events metric.Int64Counter
}

func NewDispatcher(sender Sender, queueSize, workers int, policy retry.Policy, logger *zap.Logger) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}

	d := &Dispatcher{
		sender: sender,
		policy: policy,
		logger: logger,
		queue:  make(chan domain.OrderEvent, queueSize),
	}
	d.events, _ = otel.Meter("messaging/dispatcher").Int64Counter("orders.events",
		metric.WithDescription("Order events by delivery result"))

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d
}

func (d *Dispatcher) Publish(event domain.OrderEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(event, "closed")
		return
	}

	select {
	case d.queue <- event:
	default:
		d.drop(event, "queue full")
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher closed with undelivered events", zap.Int("queued", len(d.queue)))
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event domain.OrderEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	err := retry.Do(ctx, d.policy, func() error {
		return d.sender.Send(ctx, event)
	})
	if err != nil {
		d.count(ctx, event, "failed")
		d.logger.Error("failed to deliver order event",
			zap.String("kind", string(event.Kind)),
			zap.String("order_id", event.OrderID),
			zap.Error(err),
		)
		return
	}
	d.count(ctx, event, "sent")
}

func (d *Dispatcher) drop(event domain.OrderEvent, reason string) {
	d.count(context.Background(), event, "dropped")
	d.logger.Warn("order event dropped",
		zap.String("kind", string(event.Kind)),
		zap.String("order_id", event.OrderID),
		zap.String("reason", reason),
	)
}

func (d *Dispatcher) count(ctx context.Context, event domain.OrderEvent, result string) {
	d.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(event.Kind)),
		attribute.String("result", result),
	))
}

// LogSender writes events to the log instead of a broker.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, event domain.OrderEvent) error {
	s.logger.Info("order event",
		zap.String("kind", string(event.Kind)),
		zap.String("order_id", event.OrderID),
		zap.String("status", string(event.Status)),
		zap.String("prev_status", string(event.PrevStatus)),
	)
	return nil
}
