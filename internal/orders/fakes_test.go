package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/inventory"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/retry"
)

type memStore struct {
	mu      sync.Mutex
	orders  map[string]*domain.Order
	saveErr error
	// stale rejects the next n updates with ErrStaleVersion.
	stale int
	// flaky fails the next n updates with errStoreFlaky. If lost is set the
	// write is applied before the error is returned.
	flaky int
	lost  bool
	// beforeUpdate runs under the lock before the version check.
	beforeUpdate func(stored *domain.Order)
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]*domain.Order)}
}

func (s *memStore) Save(_ context.Context, order *domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return nil, s.saveErr
	}

	saved := order.Clone()
	if order.Version == 0 {
		saved.Version = 1
		s.orders[saved.ID] = saved.Clone()
		return saved, nil
	}

	stored, ok := s.orders[order.ID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if s.beforeUpdate != nil {
		hook := s.beforeUpdate
		s.beforeUpdate = nil
		hook(stored)
	}
	if s.stale > 0 {
		s.stale--
		return nil, domain.ErrStaleVersion
	}
	if stored.Version != order.Version {
		return nil, domain.ErrStaleVersion
	}
	saved.Version++
	if s.flaky > 0 {
		s.flaky--
		if s.lost {
			s.orders[saved.ID] = saved.Clone()
		}
		return nil, errStoreFlaky
	}
	s.orders[saved.ID] = saved.Clone()
	return saved, nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return order.Clone(), nil
}

func (s *memStore) List(_ context.Context) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (p *recordingPublisher) Publish(e domain.OrderEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) kinds() []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

// flakyLedger fails releases for the listed products until cleared.
type flakyLedger struct {
	*inventory.LockingLedger
	mu          sync.Mutex
	failRelease map[string]error
}

func (l *flakyLedger) Release(ctx context.Context, productID string, quantity int) error {
	l.mu.Lock()
	err := l.failRelease[productID]
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.LockingLedger.Release(ctx, productID, quantity)
}

func (l *flakyLedger) heal() {
	l.mu.Lock()
	l.failRelease = nil
	l.mu.Unlock()
}

var (
	errLedgerDown = errors.New("ledger unavailable")
	errStoreFlaky = errors.New("connection reset")
)

var testPolicy = retry.Policy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

type fixture struct {
	ledger     *flakyLedger
	store      *memStore
	events     *recordingPublisher
	reconciler *Reconciler
	orch       *Orchestrator
}

func newFixture(t *testing.T, stock map[string]int) *fixture {
	t.Helper()
	locking := inventory.NewLockingLedger(time.Second, zap.NewNop())
	for id, qty := range stock {
		if err := locking.AddProduct(id, qty); err != nil {
			t.Fatal(err)
		}
	}
	f := &fixture{
		ledger: &flakyLedger{LockingLedger: locking},
		store:  newMemStore(),
		events: &recordingPublisher{},
	}
	f.reconciler = NewReconciler(f.ledger, zap.NewNop())
	f.orch = NewOrchestrator(f.ledger, f.store, f.events, f.reconciler, testPolicy, zap.NewNop())
	return f
}

func (f *fixture) available(t *testing.T, id string) int {
	t.Helper()
	return f.level(t, id).Available
}

func (f *fixture) reserved(t *testing.T, id string) int {
	t.Helper()
	return f.level(t, id).Reserved
}

func (f *fixture) level(t *testing.T, id string) *domain.StockLevel {
	t.Helper()
	level, err := f.ledger.Stock(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return level
}

func (f *fixture) count(kind domain.EventKind) int {
	n := 0
	for _, k := range f.events.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// advance walks an order through the given statuses.
func (f *fixture) advance(t *testing.T, id string, statuses ...domain.OrderStatus) *domain.Order {
	t.Helper()
	var order *domain.Order
	for _, s := range statuses {
		var err error
		order, err = f.orch.UpdateStatus(context.Background(), id, s)
		if err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	return order
}
