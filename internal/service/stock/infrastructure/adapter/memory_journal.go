package adapter

import (
	"context"
	"sync"
)

// MemoryJournal 在进程内记录已处理的支付引用，重启后丢失。
type MemoryJournal struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{seen: make(map[string]struct{})}
}

func (j *MemoryJournal) Claim(_ context.Context, paymentRef string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.seen[paymentRef]; ok {
		return false, nil
	}
	j.seen[paymentRef] = struct{}{}
	return true, nil
}

func (j *MemoryJournal) Release(_ context.Context, paymentRef string) error {
	j.mu.Lock()
	delete(j.seen, paymentRef)
	j.mu.Unlock()
	return nil
}

// Processed 报告一个支付引用是否已被占用
func (j *MemoryJournal) Processed(paymentRef string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.seen[paymentRef]
	return ok
}
