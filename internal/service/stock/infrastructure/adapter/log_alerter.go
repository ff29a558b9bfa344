package adapter

import (
	"context"

	"stocksync/internal/pkg/logger"
	"stocksync/internal/service/stock/domain/port"
)

// LogAlerter 在没有配置告警 topic 时使用，只写一条 error 日志。
type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, alert port.Alert) error {
	logger.Ctx(ctx).Error().
		Str("alert_kind", string(alert.Kind)).
		Str("payment_ref", alert.PaymentRef).
		Str("order_id", alert.OrderID).
		Str("product_id", alert.ProductID).
		Interface("requested", alert.Requested).
		Interface("available", alert.Available).
		Str("cause", alert.Error).
		Bool("critical", true).
		Msg("operator attention required")
	return nil
}
