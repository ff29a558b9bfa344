package port

import (
	"context"
)

// StockLedger 是库存账本的出站端口，账本是每个商品剩余库存的权威记录。
type StockLedger interface {
	// ReadStock 读取当前库存。商品不存在时返回 domain.ErrProductNotFound。
	ReadStock(ctx context.Context, productID string) (int, error)

	// CompareAndSetStock 仅当当前值等于 expected 时写入 newStock。
	// 值不一致时返回 domain.ErrStockConflict。
	CompareAndSetStock(ctx context.Context, productID string, expected, newStock int) error

	// SetStock 无条件写入，用于目录同步和初始化。
	SetStock(ctx context.Context, productID string, stock int) error
}

// StockPublisher 接收账本每一次成功写入后的变更信号。
type StockPublisher interface {
	Publish(productID string, stock int)
}
