package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
)

func newLockingLedger(t *testing.T, stock map[string]int) *LockingLedger {
	t.Helper()
	l := NewLockingLedger(5*time.Second, zap.NewNop())
	for id, qty := range stock {
		if err := l.AddProduct(id, qty); err != nil {
			t.Fatalf("add product %s: %v", id, err)
		}
	}
	return l
}

func availableOf(t *testing.T, l Ledger, id string) int {
	t.Helper()
	level, err := l.Stock(context.Background(), id)
	if err != nil {
		t.Fatalf("stock %s: %v", id, err)
	}
	return level.Available
}

func TestLockingLedger_ReserveRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip restores stock", func(t *testing.T) {
		l := newLockingLedger(t, map[string]int{"X": 10})

		if err := l.Reserve(ctx, "X", 4); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		level, _ := l.Stock(ctx, "X")
		if level.Available != 6 || level.Reserved != 4 {
			t.Fatalf("after reserve: available=%d reserved=%d", level.Available, level.Reserved)
		}

		if err := l.Release(ctx, "X", 4); err != nil {
			t.Fatalf("release: %v", err)
		}
		level, _ = l.Stock(ctx, "X")
		if level.Available != 10 || level.Reserved != 0 {
			t.Fatalf("after release: available=%d reserved=%d", level.Available, level.Reserved)
		}
		if level.Version != 3 {
			t.Errorf("expected version 3 after two mutations, got %d", level.Version)
		}
	})

	t.Run("insufficient stock leaves level untouched", func(t *testing.T) {
		l := newLockingLedger(t, map[string]int{"X": 3})

		err := l.Reserve(ctx, "X", 5)
		var ise *domain.InsufficientStockError
		if !errors.As(err, &ise) {
			t.Fatalf("expected InsufficientStockError, got %v", err)
		}
		if ise.Requested != 5 || ise.Available != 3 {
			t.Errorf("unexpected error fields: %+v", ise)
		}
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Error("error does not match ErrInsufficientStock")
		}
		if got := availableOf(t, l, "X"); got != 3 {
			t.Errorf("expected 3 available, got %d", got)
		}
	})

	t.Run("release beyond reserved fails", func(t *testing.T) {
		l := newLockingLedger(t, map[string]int{"X": 10})
		_ = l.Reserve(ctx, "X", 2)

		if err := l.Release(ctx, "X", 3); !errors.Is(err, domain.ErrOverRelease) {
			t.Fatalf("expected ErrOverRelease, got %v", err)
		}
		if got := availableOf(t, l, "X"); got != 8 {
			t.Errorf("expected 8 available, got %d", got)
		}
	})

	t.Run("non positive quantity", func(t *testing.T) {
		l := newLockingLedger(t, map[string]int{"X": 10})
		for _, q := range []int{0, -1} {
			if err := l.Reserve(ctx, "X", q); !errors.Is(err, domain.ErrInvalidQuantity) {
				t.Errorf("reserve %d: expected ErrInvalidQuantity, got %v", q, err)
			}
			if err := l.Release(ctx, "X", q); !errors.Is(err, domain.ErrInvalidQuantity) {
				t.Errorf("release %d: expected ErrInvalidQuantity, got %v", q, err)
			}
		}
	})

	t.Run("unknown product", func(t *testing.T) {
		l := newLockingLedger(t, nil)
		if err := l.Reserve(ctx, "missing", 1); !errors.Is(err, domain.ErrProductNotFound) {
			t.Fatalf("expected ErrProductNotFound, got %v", err)
		}
		if _, err := l.Stock(ctx, "missing"); !errors.Is(err, domain.ErrProductNotFound) {
			t.Fatalf("expected ErrProductNotFound, got %v", err)
		}
	})
}

func TestLockingLedger_Adjust(t *testing.T) {
	ctx := context.Background()
	l := newLockingLedger(t, map[string]int{"X": 5})

	if err := l.Adjust(ctx, "X", 7); err != nil {
		t.Fatalf("restock: %v", err)
	}
	if err := l.Adjust(ctx, "X", -2); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if got := availableOf(t, l, "X"); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}

	err := l.Adjust(ctx, "X", -11)
	var nse *domain.NegativeStockError
	if !errors.As(err, &nse) || nse.Current != 10 || nse.Delta != -11 {
		t.Fatalf("expected NegativeStockError{10,-11}, got %v", err)
	}
	if got := availableOf(t, l, "X"); got != 10 {
		t.Errorf("failed adjust changed stock to %d", got)
	}
}

func TestLockingLedger_AddProductTwice(t *testing.T) {
	l := newLockingLedger(t, map[string]int{"X": 1})
	if err := l.AddProduct("X", 5); !errors.Is(err, ErrProductExists) {
		t.Fatalf("expected ErrProductExists, got %v", err)
	}
}

func TestLockingLedger_NoOversell(t *testing.T) {
	const stock, buyers = 20, 100
	l := newLockingLedger(t, map[string]int{"HOT": stock, "COLD": stock})

	var wg sync.WaitGroup
	var hot, cold atomic.Int64
	for i := 0; i < buyers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := l.Reserve(context.Background(), "HOT", 1); err == nil {
				hot.Add(1)
			} else if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := l.Reserve(context.Background(), "COLD", 1); err == nil {
				cold.Add(1)
			}
		}()
	}
	wg.Wait()

	if hot.Load() != stock || cold.Load() != stock {
		t.Fatalf("expected %d successes per product, got hot=%d cold=%d", stock, hot.Load(), cold.Load())
	}
	level, _ := l.Stock(context.Background(), "HOT")
	if level.Available != 0 || level.Reserved != stock {
		t.Fatalf("expected 0 available / %d reserved, got %d / %d", stock, level.Available, level.Reserved)
	}
}

func TestLockingLedger_LockTimeout(t *testing.T) {
	l := NewLockingLedger(20*time.Millisecond, zap.NewNop())
	if err := l.AddProduct("X", 10); err != nil {
		t.Fatal(err)
	}

	cell, _ := l.cell("X")
	cell.sem <- struct{}{}

	err := l.Reserve(context.Background(), "X", 1)
	if !errors.Is(err, domain.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Error("lock timeout must be a concurrency conflict")
	}

	t.Run("other products are not blocked", func(t *testing.T) {
		if err := l.AddProduct("Y", 1); err != nil {
			t.Fatal(err)
		}
		if err := l.Reserve(context.Background(), "Y", 1); err != nil {
			t.Fatalf("reserve Y: %v", err)
		}
	})

	<-cell.sem
	if err := l.Reserve(context.Background(), "X", 1); err != nil {
		t.Fatalf("reserve after unlock: %v", err)
	}
}

func TestLockingLedger_List(t *testing.T) {
	l := newLockingLedger(t, map[string]int{"B": 2, "A": 1, "C": 3})
	levels, err := l.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 3 || levels[0].ItemID != "A" || levels[2].ItemID != "C" {
		t.Fatalf("expected sorted A..C, got %+v", levels)
	}
}
