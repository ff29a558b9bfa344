package port

import (
	"context"
	"time"
)

// AlertKind 区分需要人工介入的故障
type AlertKind string

const (
	AlertRefundFailed   AlertKind = "refund_failed"
	AlertRollbackFailed AlertKind = "rollback_failed"
)

// Alert 带上人工对账所需的全部上下文
type Alert struct {
	Kind       AlertKind      `json:"kind"`
	PaymentRef string         `json:"paymentRef"`
	OrderID    string         `json:"orderId,omitempty"`
	ProductID  string         `json:"productId,omitempty"`
	Requested  map[string]int `json:"requested,omitempty"`
	Available  map[string]int `json:"available,omitempty"`
	Error      string         `json:"error"`
	At         time.Time      `json:"at"`
}

// OperatorAlerter 把系统故障交给外部重试/告警渠道。
type OperatorAlerter interface {
	Alert(ctx context.Context, alert Alert) error
}
