package adapter

import (
	"context"

	"stocksync/internal/service/stock/domain/port"
)

// ObservedLedger 包装一个账本，每次写入成功后把新值交给发布者。
// 回滚写入同样会发布，订阅者看到的永远是账本的最新值。
type ObservedLedger struct {
	port.StockLedger
	publisher port.StockPublisher
}

func NewObservedLedger(inner port.StockLedger, publisher port.StockPublisher) *ObservedLedger {
	return &ObservedLedger{StockLedger: inner, publisher: publisher}
}

func (l *ObservedLedger) CompareAndSetStock(ctx context.Context, productID string, expected, newStock int) error {
	if err := l.StockLedger.CompareAndSetStock(ctx, productID, expected, newStock); err != nil {
		return err
	}
	l.publisher.Publish(productID, newStock)
	return nil
}

func (l *ObservedLedger) SetStock(ctx context.Context, productID string, stock int) error {
	if err := l.StockLedger.SetStock(ctx, productID, stock); err != nil {
		return err
	}
	l.publisher.Publish(productID, stock)
	return nil
}
