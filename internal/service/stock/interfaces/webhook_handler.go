package interfaces

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"stocksync/internal/pkg/logger"
	"stocksync/internal/service/stock/domain"
)

const maxWebhookBody = 1 << 20

// PaymentReconciler 是驱动适配器依赖的应用服务接口
type PaymentReconciler interface {
	HandleNotification(ctx context.Context, n *domain.PaymentNotification) (*domain.ReconciliationOutcome, error)
}

// WebhookHandler 接收支付方推送的事件。
// 只有账本故障返回 5xx 让支付方重投，其余结果一律 2xx 确认。
type WebhookHandler struct {
	reconciler PaymentReconciler
	tracer     trace.Tracer
	secret     string
	tolerance  time.Duration
	now        func() time.Time
}

func NewWebhookHandler(reconciler PaymentReconciler, tracer trace.Tracer, secret string, tolerance time.Duration) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		tracer:     tracer,
		secret:     secret,
		tolerance:  tolerance,
		now:        time.Now,
	}
}

// RegisterRoutes 在 ServeMux 上注册 webhook 路由
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /stripe/webhook", h.handleWebhook)
}

func (h *WebhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "http.PaymentWebhook", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	log := logger.Ctx(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	if h.secret != "" {
		if err := VerifySignature(body, r.Header.Get(SignatureHeader), h.secret, h.tolerance, h.now()); err != nil {
			log.Warn().Err(err).Msg("rejecting webhook with invalid signature")
			span.SetAttributes(attribute.Bool("webhook.signature_valid", false))
			writeJSONError(w, http.StatusBadRequest, "invalid signature")
			return
		}
	}

	var notification domain.PaymentNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		log.Warn().Err(err).Msg("rejecting webhook with malformed body")
		writeJSONError(w, http.StatusBadRequest, "malformed event payload")
		return
	}
	span.SetAttributes(
		attribute.String("webhook.event_id", notification.ID),
		attribute.String("webhook.event_type", notification.Type),
	)

	outcome, err := h.reconciler.HandleNotification(ctx, &notification)
	switch {
	case errors.Is(err, domain.ErrLockTimeout):
		writeJSON(w, http.StatusServiceUnavailable, outcome)
	case outcome != nil && !outcome.Accepted():
		writeJSON(w, http.StatusInternalServerError, outcome)
	case outcome == nil:
		writeJSONError(w, http.StatusInternalServerError, "reconciliation produced no outcome")
	default:
		writeJSON(w, http.StatusOK, outcome)
	}
}
