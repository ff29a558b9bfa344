// internal/service/stock/domain/event.go
package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// EventTypeOrderCompleted 是唯一会触发对账的支付事件类型
const EventTypeOrderCompleted = "checkout.session.completed"

// PaymentNotification 是支付方推送过来的事件信封。
// 签名校验在进入领域层之前完成。
type PaymentNotification struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Created int64         `json:"created"`
	Data    PurchaseEvent `json:"data"`
}

// LineItem 是订单中的一个购买行
type LineItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// PurchaseEvent 对应一次支付完成通知，只在内存中流转，不做持久化。
type PurchaseEvent struct {
	PaymentRef string     `json:"paymentRef"`
	OrderID    string     `json:"orderId,omitempty"`
	Items      []LineItem `json:"items"`
}

// Validate 检查必填字段。返回的错误总是包装了 ErrMalformedEvent。
func (e *PurchaseEvent) Validate() error {
	if strings.TrimSpace(e.PaymentRef) == "" {
		return errors.Wrap(ErrMalformedEvent, "payment reference is required")
	}
	if len(e.Items) == 0 {
		return errors.Wrap(ErrMalformedEvent, "at least one line item is required")
	}
	for i, item := range e.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return errors.Wrapf(ErrMalformedEvent, "line item %d has no product id", i)
		}
		if item.Quantity <= 0 {
			return errors.Wrapf(ErrMalformedEvent, "line item %d has non-positive quantity %d", i, item.Quantity)
		}
	}
	return nil
}

// Demand 汇总每个商品的购买总量，同一商品出现在多行时数量相加。
// 返回的 order 保留商品第一次出现的顺序。
func (e *PurchaseEvent) Demand() (demand map[string]int, order []string) {
	demand = make(map[string]int, len(e.Items))
	for _, item := range e.Items {
		if _, seen := demand[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		demand[item.ProductID] += item.Quantity
	}
	return demand, order
}

func (e *PurchaseEvent) String() string {
	return fmt.Sprintf("PurchaseEvent{ref=%s items=%d}", e.PaymentRef, len(e.Items))
}

// StockChange 是一次成功写库存后的广播通知，也是推送给客户端的消息体。
type StockChange struct {
	ProductID string `json:"productId"`
	Stock     int    `json:"stock"`
}
