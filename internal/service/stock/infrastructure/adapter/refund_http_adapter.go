package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stocksync/internal/pkg/httpclient"
	"stocksync/internal/service/stock/domain/port"
)

const refundPath = "/v1/refunds"

// RefundHTTPAdapter 实现了 port.PaymentGateway，调用支付方的退款接口。
type RefundHTTPAdapter struct {
	client    *httpclient.Client
	apiBase   string
	secretKey string
	timeout   time.Duration
}

// NewRefundHTTPAdapter 创建退款适配器。timeout 约束单次退款请求。
func NewRefundHTTPAdapter(client *httpclient.Client, apiBase, secretKey string, timeout time.Duration) *RefundHTTPAdapter {
	return &RefundHTTPAdapter{
		client:    client,
		apiBase:   strings.TrimRight(apiBase, "/"),
		secretKey: secretKey,
		timeout:   timeout,
	}
}

// Refund 发起整单退款。支付方返回 2xx 即视为受理。
func (a *RefundHTTPAdapter) Refund(ctx context.Context, req port.RefundRequest) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	form := url.Values{}
	form.Set("payment_intent", req.PaymentRef)
	form.Set("reason", "requested_by_customer")
	form.Set("metadata[reason]", req.Reason)
	if req.OrderID != "" {
		form.Set("metadata[order_id]", req.OrderID)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.secretKey)
	if req.IdempotencyKey != "" {
		header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	if _, err := a.client.PostForm(ctx, a.apiBase+refundPath, form, header); err != nil {
		return fmt.Errorf("refund payment %s: %w", req.PaymentRef, err)
	}
	return nil
}
