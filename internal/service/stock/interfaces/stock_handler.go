package interfaces

import (
	"net/http"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"stocksync/internal/pkg/logger"
	"stocksync/internal/service/stock/domain"
	"stocksync/internal/service/stock/domain/port"
)

// StockHandler 提供库存查询和健康检查
type StockHandler struct {
	ledger port.StockLedger
	tracer trace.Tracer
}

func NewStockHandler(ledger port.StockLedger, tracer trace.Tracer) *StockHandler {
	return &StockHandler{ledger: ledger, tracer: tracer}
}

// RegisterRoutes 在 ServeMux 上注册查询路由
func (h *StockHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stock/{productId}", h.getStock)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
}

func (h *StockHandler) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "http.GetStock", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	productID := r.PathValue("productId")
	span.SetAttributes(attribute.String("product.id", productID))

	stock, err := h.ledger.ReadStock(ctx, productID)
	if errors.Is(err, domain.ErrProductNotFound) {
		writeJSONError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Ctx(ctx).Error().Err(err).Str("product_id", productID).Msg("stock lookup failed")
		writeJSONError(w, http.StatusInternalServerError, "stock ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, domain.StockChange{ProductID: productID, Stock: stock})
}
