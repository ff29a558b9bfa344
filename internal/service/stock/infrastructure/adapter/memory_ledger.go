package adapter

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"stocksync/internal/service/stock/domain"
)

// MemoryLedger 是进程内的库存账本，用于单实例部署和测试。
type MemoryLedger struct {
	mu    sync.RWMutex
	stock map[string]int
}

func NewMemoryLedger(initial map[string]int) *MemoryLedger {
	l := &MemoryLedger{stock: make(map[string]int, len(initial))}
	for id, n := range initial {
		l.stock[id] = n
	}
	return l
}

func (l *MemoryLedger) ReadStock(_ context.Context, productID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.stock[productID]
	if !ok {
		return 0, errors.Wrap(domain.ErrProductNotFound, productID)
	}
	return n, nil
}

func (l *MemoryLedger) CompareAndSetStock(_ context.Context, productID string, expected, newStock int) error {
	if newStock < 0 {
		return errors.Wrapf(domain.ErrNegativeStock, "%s: %d", productID, newStock)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.stock[productID]
	if !ok {
		return errors.Wrap(domain.ErrProductNotFound, productID)
	}
	if current != expected {
		return errors.Wrapf(domain.ErrStockConflict, "%s: expected %d, found %d", productID, expected, current)
	}
	l.stock[productID] = newStock
	return nil
}

func (l *MemoryLedger) SetStock(_ context.Context, productID string, stock int) error {
	if stock < 0 {
		return errors.Wrapf(domain.ErrNegativeStock, "%s: %d", productID, stock)
	}
	l.mu.Lock()
	l.stock[productID] = stock
	l.mu.Unlock()
	return nil
}

// Snapshot 返回当前全部库存的副本
func (l *MemoryLedger) Snapshot() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int, len(l.stock))
	for id, n := range l.stock {
		out[id] = n
	}
	return out
}
