// internal/service/stock/domain/errors.go
package domain

import "errors"

var (
	// ErrMalformedEvent 事件缺少必填字段，重投也不会变得合法
	ErrMalformedEvent = errors.New("malformed purchase event")
	// ErrProductNotFound 库存账本中不存在该商品
	ErrProductNotFound = errors.New("product not found in stock ledger")
	// ErrStockConflict 条件写入时账本中的值已被他人修改
	ErrStockConflict = errors.New("stock changed concurrently")
	// ErrNegativeStock 试图写入负库存
	ErrNegativeStock = errors.New("stock must not be negative")
	// ErrLedgerUnavailable 账本读写失败，整单可以安全重试
	ErrLedgerUnavailable = errors.New("stock ledger unavailable")
	// ErrRefundFailed 退款请求没有被支付方确认：已扣款、未减库存、未退款
	ErrRefundFailed = errors.New("refund request failed")
	// ErrRollbackFailed 中途写入失败后补偿也失败，账本需要人工修正
	ErrRollbackFailed = errors.New("stock rollback failed")
	// ErrLockTimeout 获取全局对账锁超时
	ErrLockTimeout = errors.New("timed out acquiring reconciliation lock")
)
