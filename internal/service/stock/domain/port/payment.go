package port

import "context"

// RefundRequest 是对支付方发起的补偿退款
type RefundRequest struct {
	PaymentRef string
	OrderID    string
	Reason     string
	// IdempotencyKey 让支付方对同一笔退款去重
	IdempotencyKey string
}

// PaymentGateway 是支付服务的出站端口。
type PaymentGateway interface {
	// Refund 发起整单退款，只等待支付方受理，不等待资金到账。
	Refund(ctx context.Context, req RefundRequest) error
}
