package application

import (
	"context"
	"sync"
)

// compensationFunc 撤销一次已经成功的账本写入
type compensationFunc func(ctx context.Context) error

type compensation struct {
	name string // 商品 ID
	fn   compensationFunc
}

// compensations 是一次对账中登记的补偿栈，后进先出。
type compensations struct {
	mu    sync.Mutex
	items []compensation
}

func (c *compensations) add(name string, fn compensationFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]compensation{{name: name, fn: fn}}, c.items...)
}

// trigger 依次执行全部补偿，单个补偿失败不会中断其他补偿。
// 返回失败的补偿，按名字索引。
func (c *compensations) trigger(ctx context.Context) map[string]error {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := make(map[string]error)
	for _, item := range c.items {
		if err := item.fn(ctx); err != nil {
			failed[item.name] = err
		}
	}
	c.items = nil
	return failed
}

func (c *compensations) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
