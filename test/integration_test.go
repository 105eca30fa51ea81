//go:build integration

package test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/inventory"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/messaging"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/orders"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/retry"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/worker"
)

func contentionPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 200, InitialInterval: time.Millisecond, MaxInterval: 20 * time.Millisecond}
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (l *eventLog) Publish(event domain.OrderEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) kinds() []domain.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func TestOrderLifecycle_Postgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	db := orderflowDB(ctx, t)

	logger := zap.NewNop()
	ledger := inventory.NewOptimisticLedger(inventory.NewStockRepository(db), contentionPolicy(), logger)
	repo := orders.NewOrderRepository(db)
	events := &eventLog{}
	reconciler := orders.NewReconciler(ledger, logger)
	orchestrator := orders.NewOrchestrator(ledger, repo, events, reconciler, retry.DefaultPolicy(), logger)

	order, err := orchestrator.CreateOrder(ctx, orders.CreateOrderRequest{
		CustomerID: "cust-123",
		Items: []domain.OrderItem{
			{ProductID: "ITEM-001", Quantity: 5, UnitPrice: decimal.RequireFromString("10.00")},
			{ProductID: "ITEM-002", Quantity: 1, UnitPrice: decimal.RequireFromString("0.10")},
		},
		ShippingCost: decimal.RequireFromString("4.99"),
		TaxAmount:    decimal.RequireFromString("0.20"),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Version != 1 {
		t.Fatalf("expected version 1 after insert, got %d", order.Version)
	}

	stored, err := repo.GetByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if want := decimal.RequireFromString("55.29"); !stored.TotalAmount.Equal(want) {
		t.Fatalf("expected total %s, got %s", want, stored.TotalAmount)
	}
	if len(stored.Items) != 2 || stored.Items[0].ProductID != "ITEM-001" || stored.Items[1].ProductID != "ITEM-002" {
		t.Fatalf("items not stored in order: %+v", stored.Items)
	}

	stock, err := ledger.Stock(ctx, "ITEM-001")
	if err != nil {
		t.Fatalf("read stock: %v", err)
	}
	if stock.Available != 95 || stock.Reserved != 5 {
		t.Fatalf("expected 95 available / 5 reserved, got %d / %d", stock.Available, stock.Reserved)
	}

	if _, err := orchestrator.UpdateStatus(ctx, order.ID, domain.OrderStatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	cancelled, err := orchestrator.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.Version != 3 {
		t.Fatalf("expected CANCELLED at version 3, got %s at %d", cancelled.Status, cancelled.Version)
	}

	stock, err = ledger.Stock(ctx, "ITEM-001")
	if err != nil {
		t.Fatalf("read stock: %v", err)
	}
	if stock.Available != 100 || stock.Reserved != 0 {
		t.Fatalf("expected stock restored to 100 / 0, got %d / %d", stock.Available, stock.Reserved)
	}

	want := []domain.EventKind{
		domain.EventOrderCreated,
		domain.EventOrderStatusChanged,
		domain.EventOrderStatusChanged,
		domain.EventOrderCancelled,
	}
	got := events.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}

	list, err := orchestrator.ListOrders(ctx)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(list) != 1 || list[0].ID != order.ID || len(list[0].Items) != 2 {
		t.Fatalf("unexpected order list: %+v", list)
	}
}

func TestOrderLifecycle_PostgresRollsBackOnInsufficientStock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	db := orderflowDB(ctx, t)

	logger := zap.NewNop()
	ledger := inventory.NewOptimisticLedger(inventory.NewStockRepository(db), contentionPolicy(), logger)
	orchestrator := orders.NewOrchestrator(ledger, orders.NewOrderRepository(db), &eventLog{},
		orders.NewReconciler(ledger, logger), retry.DefaultPolicy(), logger)

	_, err := orchestrator.CreateOrder(ctx, orders.CreateOrderRequest{
		CustomerID: "cust-1",
		Items: []domain.OrderItem{
			{ProductID: "ITEM-003", Quantity: 10, UnitPrice: decimal.RequireFromString("1")},
			{ProductID: "ITEM-004", Quantity: 101, UnitPrice: decimal.RequireFromString("1")},
		},
	})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	for _, id := range []string{"ITEM-003", "ITEM-004"} {
		stock, err := ledger.Stock(ctx, id)
		if err != nil {
			t.Fatalf("read stock: %v", err)
		}
		if stock.Available != 100 || stock.Reserved != 0 {
			t.Fatalf("%s: expected untouched stock, got %d / %d", id, stock.Available, stock.Reserved)
		}
	}

	list, err := orchestrator.ListOrders(ctx)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no persisted orders, got %d", len(list))
	}
}

func TestOrderRepository_RejectsStaleVersion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	db := orderflowDB(ctx, t)

	repo := orders.NewOrderRepository(db)
	order := domain.NewOrder("cust-1", []domain.OrderItem{
		{ProductID: "ITEM-001", Quantity: 1, UnitPrice: decimal.RequireFromString("1")},
	}, decimal.Zero, decimal.Zero, time.Now().UTC())

	saved, err := repo.Save(ctx, order)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, _, err := domain.Transition(saved, domain.OrderStatusConfirmed, time.Now().UTC())
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := repo.Save(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	second, _, err := domain.Transition(saved, domain.OrderStatusCancelled, time.Now().UTC())
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := repo.Save(ctx, second); !errors.Is(err, domain.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}

	if _, err := repo.GetByID(ctx, "not-a-uuid"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOptimisticLedger_PostgresNoOversell(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	db := orderflowDB(ctx, t)

	repo := inventory.NewStockRepository(db)
	if err := repo.CreateItem(ctx, "HOT-ITEM", 10); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if err := repo.CreateItem(ctx, "HOT-ITEM", 10); !errors.Is(err, inventory.ErrProductExists) {
		t.Fatalf("expected ErrProductExists, got %v", err)
	}

	ledger := inventory.NewOptimisticLedger(repo, contentionPolicy(), zap.NewNop())
	assertNoOversell(ctx, t, ledger, "HOT-ITEM", 10, 30)
}

func TestRedisLedger(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client := redisClient(ctx, t)

	ledger := inventory.NewRedisLedger(client, zap.NewNop())
	if err := ledger.AddProduct(ctx, "SKU-1", 10); err != nil {
		t.Fatalf("add product: %v", err)
	}
	if err := ledger.AddProduct(ctx, "SKU-1", 10); !errors.Is(err, inventory.ErrProductExists) {
		t.Fatalf("expected ErrProductExists, got %v", err)
	}

	if err := ledger.Reserve(ctx, "SKU-1", 4); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := ledger.Release(ctx, "SKU-1", 5); !errors.Is(err, domain.ErrOverRelease) {
		t.Fatalf("expected ErrOverRelease, got %v", err)
	}
	if err := ledger.Release(ctx, "SKU-1", 4); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ledger.Reserve(ctx, "MISSING", 1); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
	if err := ledger.Adjust(ctx, "SKU-1", -11); !errors.Is(err, domain.ErrNegativeStock) {
		t.Fatalf("expected ErrNegativeStock, got %v", err)
	}

	stock, err := ledger.Stock(ctx, "SKU-1")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if stock.Available != 10 || stock.Reserved != 0 || stock.Version != 3 {
		t.Fatalf("expected 10 / 0 at version 3, got %+v", stock)
	}

	if err := ledger.AddProduct(ctx, "SKU-2", 5); err != nil {
		t.Fatalf("add product: %v", err)
	}
	assertNoOversell(ctx, t, ledger, "SKU-2", 5, 40)

	levels, err := ledger.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(levels) != 2 || levels[0].ItemID != "SKU-1" || levels[1].ItemID != "SKU-2" {
		t.Fatalf("unexpected list: %+v", levels)
	}
}

func assertNoOversell(ctx context.Context, t *testing.T, ledger inventory.Ledger, productID string, stock, buyers int) {
	t.Helper()

	var succeeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ledger.Reserve(ctx, productID, 1)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
			default:
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := int(succeeded.Load()); got != stock {
		t.Fatalf("expected %d successful reservations, got %d", stock, got)
	}
	level, err := ledger.Stock(ctx, productID)
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if level.Available != 0 || level.Reserved != stock {
		t.Fatalf("expected 0 / %d, got %d / %d", stock, level.Available, level.Reserved)
	}
}

type emailCapture struct {
	mu       sync.Mutex
	subjects []string
}

func (e *emailCapture) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	e.subjects = append(e.subjects, req.Subject)
	e.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func TestOrderEvents_KafkaToNotification(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	brokers := kafkaBrokers(ctx, t)

	const topic = "order.events"
	logger := zap.NewNop()

	producer := messaging.NewProducer(brokers, topic)
	defer func() { _ = producer.Close() }()

	dispatcher := messaging.NewDispatcher(producer, 16, 1,
		retry.Policy{MaxAttempts: 20, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second}, logger)

	order := domain.NewOrder("cust-9", []domain.OrderItem{
		{ProductID: "ITEM-001", Quantity: 1, UnitPrice: decimal.RequireFromString("3.50")},
	}, decimal.Zero, decimal.Zero, time.Now().UTC())
	dispatcher.Publish(domain.NewOrderEvent(domain.EventOrderCreated, order, ""))
	dispatcher.Publish(domain.NewOrderEvent(domain.EventOrderStatusChanged, order, domain.OrderStatusCreated))
	if err := dispatcher.Close(ctx); err != nil {
		t.Fatalf("drain dispatcher: %v", err)
	}

	capture := &emailCapture{}
	emailServer := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer emailServer.Close()
	notifications := worker.NewNotificationHandler(emailServer.URL, emailServer.Client(), logger)

	consumer := messaging.NewConsumer(brokers, topic, "integration-test", logger,
		messaging.WithStartOffset(kafka.FirstOffset),
	)
	defer func() { _ = consumer.Close() }()

	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()

	var mu sync.Mutex
	var seen []domain.EventKind
	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(consumeCtx, func(ctx context.Context, event domain.OrderEvent) error {
			if err := notifications.Handle(ctx, event); err != nil {
				return err
			}
			mu.Lock()
			seen = append(seen, event.Kind)
			if len(seen) == 2 {
				stop()
			}
			mu.Unlock()
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for order events")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != domain.EventOrderCreated || seen[1] != domain.EventOrderStatusChanged {
		t.Fatalf("expected created then status_changed, got %v", seen)
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.subjects) != 1 || capture.subjects[0] != "Order received: "+order.OrderNumber {
		t.Fatalf("expected one order-received email, got %v", capture.subjects)
	}
}
