// internal/service/stock/domain/outcome.go
package domain

// OutcomeKind 是单个行项目的对账结果
type OutcomeKind string

const (
	OutcomeDecremented OutcomeKind = "decremented"
	OutcomeRefunded    OutcomeKind = "refunded"
	OutcomeSkipped     OutcomeKind = "skipped"
	OutcomeRolledBack  OutcomeKind = "rolled_back"
)

// Status 是整单对账的最终状态
type Status string

const (
	StatusApplied          Status = "applied"
	StatusRefunded         Status = "refunded"
	StatusAlreadyProcessed Status = "already_processed"
	StatusIgnored          Status = "ignored"
	StatusFailed           Status = "failed"
	StatusRefundFailed     Status = "refund_failed"
	StatusRollbackFailed   Status = "rollback_failed" // 补偿没有全部成功，账本等待人工修正
)

// 退款原因码
const (
	RefundReasonOversold = "oversold"
)

// 跳过原因
const (
	SkipReasonOrderVoided = "order_voided"
	SkipReasonNotReached  = "not_reached"
	SkipReasonWriteFailed = "write_failed"
)

// LineOutcome 记录一个行项目 (按商品汇总) 的处理结果
type LineOutcome struct {
	ProductID string      `json:"productId"`
	Quantity  int         `json:"quantity"`
	Kind      OutcomeKind `json:"kind"`
	Stock     int         `json:"stock"`
	NewStock  *int        `json:"newStock,omitempty"` // 只有扣减过的行才有，售罄时为 0
	Reason    string      `json:"reason,omitempty"`
}

// ReconciliationOutcome 只用于日志与响应，不做持久化
type ReconciliationOutcome struct {
	PaymentRef string        `json:"paymentRef"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Lines      []LineOutcome `json:"lines,omitempty"`
}

// Accepted 表示支付方应当收到确认 (不需要重投)。
// 只有账本故障 (可以安全重试) 才返回 false。
func (o *ReconciliationOutcome) Accepted() bool {
	return o.Status != StatusFailed
}
