package port

import "context"

// PaymentJournal 记录已经处理过的支付引用，保证同一笔支付只对账一次。
type PaymentJournal interface {
	// Claim 占用一个支付引用。返回 false 表示之前已经处理过。
	Claim(ctx context.Context, paymentRef string) (bool, error)

	// Release 撤销占用，使重投的事件可以再次处理。
	Release(ctx context.Context, paymentRef string) error
}
