// internal/service/stock/application/reconciler.go
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stocksync/internal/pkg/logger"
	"stocksync/internal/pkg/metrics"
	"stocksync/internal/service/stock/domain"
	"stocksync/internal/service/stock/domain/port"
)

const (
	defaultLockTimeout       = 10 * time.Second
	defaultProcessingTimeout = 30 * time.Second
)

// InventoryReconciler 把一次支付完成事件变成对库存账本的串行化扣减。
// 全系统同一时刻只有一个对账在运行 (全局锁)，超卖时整单退款且不触碰库存。
type InventoryReconciler struct {
	ledger  port.StockLedger
	gateway port.PaymentGateway
	journal port.PaymentJournal
	lock    port.ReconcileLock
	alerter port.OperatorAlerter
	tracer  trace.Tracer

	lockTimeout       time.Duration
	processingTimeout time.Duration
}

// Option 调整对账器的可选参数
type Option func(*InventoryReconciler)

// WithLockTimeout 设置获取全局锁的最长等待时间
func WithLockTimeout(d time.Duration) Option {
	return func(r *InventoryReconciler) {
		if d > 0 {
			r.lockTimeout = d
		}
	}
}

// WithProcessingTimeout 设置持锁后单次对账的超时上限
func WithProcessingTimeout(d time.Duration) Option {
	return func(r *InventoryReconciler) {
		if d > 0 {
			r.processingTimeout = d
		}
	}
}

func NewInventoryReconciler(
	ledger port.StockLedger,
	gateway port.PaymentGateway,
	journal port.PaymentJournal,
	lock port.ReconcileLock,
	alerter port.OperatorAlerter,
	tracer trace.Tracer,
	opts ...Option,
) *InventoryReconciler {
	r := &InventoryReconciler{
		ledger:            ledger,
		gateway:           gateway,
		journal:           journal,
		lock:              lock,
		alerter:           alerter,
		tracer:            tracer,
		lockTimeout:       defaultLockTimeout,
		processingTimeout: defaultProcessingTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleNotification 是驱动适配器 (webhook / Kafka consumer) 的入口。
// 只有 "order completed" 类型会触发对账，其余类型直接确认并忽略。
func (r *InventoryReconciler) HandleNotification(ctx context.Context, n *domain.PaymentNotification) (*domain.ReconciliationOutcome, error) {
	if n.Type != domain.EventTypeOrderCompleted {
		logger.Ctx(ctx).Debug().Str("event_id", n.ID).Str("type", n.Type).Msg("ignoring payment event type")
		metrics.ReconciliationsTotal.WithLabelValues(string(domain.StatusIgnored)).Inc()
		return &domain.ReconciliationOutcome{
			PaymentRef: n.Data.PaymentRef,
			Status:     domain.StatusIgnored,
			Reason:     "unhandled event type " + n.Type,
		}, nil
	}
	return r.Reconcile(ctx, &n.Data)
}

// Reconcile 对一次支付完成事件执行对账。
//
// 返回的 error 只用于区分故障类型：
//   - 账本故障 (domain.ErrLedgerUnavailable / domain.ErrStockConflict / domain.ErrLockTimeout) 可以整单重试；
//   - domain.ErrRefundFailed 表示已扣款但未退款，需要人工介入；
//   - domain.ErrRollbackFailed 表示部分扣减没能还原，账本需要人工修正。
//
// 畸形事件、重复事件、超卖退款都是正常的业务结果，error 为 nil。
func (r *InventoryReconciler) Reconcile(ctx context.Context, event *domain.PurchaseEvent) (outcome *domain.ReconciliationOutcome, err error) {
	ctx, span := r.tracer.Start(ctx, "app.Reconcile", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(
		attribute.String("payment.ref", event.PaymentRef),
		attribute.Int("order.line_items", len(event.Items)),
	)
	log := logger.Ctx(ctx).With().Str("payment_ref", event.PaymentRef).Str("order_id", event.OrderID).Logger()

	defer func() {
		metrics.ReconciliationsTotal.WithLabelValues(string(outcome.Status)).Inc()
		for _, line := range outcome.Lines {
			metrics.LineOutcomesTotal.WithLabelValues(string(line.Kind)).Inc()
		}
		span.SetAttributes(attribute.String("reconcile.status", string(outcome.Status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(outcome.Status))
		}
	}()

	if vErr := event.Validate(); vErr != nil {
		// 畸形事件重投也不会变合法，记录警告后按已处理确认
		log.Warn().Err(vErr).Msg("ignoring malformed purchase event")
		return &domain.ReconciliationOutcome{
			PaymentRef: event.PaymentRef,
			Status:     domain.StatusIgnored,
			Reason:     vErr.Error(),
		}, nil
	}

	// 1. 获取全局锁。等待时间受 lockTimeout 约束，不阻塞任何订阅者的推送。
	lockCtx, cancelLock := context.WithTimeout(ctx, r.lockTimeout)
	waitStart := time.Now()
	lockErr := r.lock.Lock(lockCtx)
	cancelLock()
	metrics.LockWaitSeconds.Observe(time.Since(waitStart).Seconds())
	if lockErr != nil {
		log.Error().Err(lockErr).Msg("could not acquire reconciliation lock")
		return &domain.ReconciliationOutcome{PaymentRef: event.PaymentRef, Status: domain.StatusFailed},
			errors.Wrap(domain.ErrLockTimeout, lockErr.Error())
	}
	span.AddEvent("reconciliation lock acquired")
	defer func() {
		if uErr := r.lock.Unlock(); uErr != nil {
			log.Error().Err(uErr).Msg("failed to release reconciliation lock")
		}
	}()

	// 持锁期间不再受调用方取消的影响 (例如 webhook 客户端断开)，
	// 否则写到一半被取消会留下需要回滚的中间状态。
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.processingTimeout)
	defer cancel()

	return r.reconcileLocked(work, event, &log)
}

func (r *InventoryReconciler) reconcileLocked(ctx context.Context, event *domain.PurchaseEvent, log *zerolog.Logger) (*domain.ReconciliationOutcome, error) {
	outcome := &domain.ReconciliationOutcome{PaymentRef: event.PaymentRef}

	// 2. 幂等检查：同一支付引用只处理一次
	claimed, err := r.journal.Claim(ctx, event.PaymentRef)
	if err != nil {
		log.Error().Err(err).Msg("payment journal unavailable")
		outcome.Status = domain.StatusFailed
		return outcome, errors.Wrap(domain.ErrLedgerUnavailable, err.Error())
	}
	if !claimed {
		log.Info().Msg("payment reference already processed, skipping")
		outcome.Status = domain.StatusAlreadyProcessed
		return outcome, nil
	}

	demand, order := event.Demand()

	// 3. 第一阶段：读取全部商品库存，确认整单都能满足后才开始写
	available := make(map[string]int, len(order))
	shortProduct, shortReason := "", ""
	for _, productID := range order {
		stock, readErr := r.readStock(ctx, productID)
		if errors.Is(readErr, domain.ErrProductNotFound) {
			shortProduct, shortReason = productID, "unknown_product"
			break
		}
		if readErr != nil {
			log.Error().Err(readErr).Str("product_id", productID).Msg("stock ledger read failed")
			r.release(ctx, event.PaymentRef, log)
			outcome.Status = domain.StatusFailed
			return outcome, readErr
		}
		available[productID] = stock
		if stock < demand[productID] {
			shortProduct, shortReason = productID, domain.RefundReasonOversold
			break
		}
	}

	if shortProduct != "" {
		return r.refund(ctx, event, demand, order, available, shortProduct, shortReason, log)
	}

	// 4. 第二阶段：逐个条件写入。每次成功写入都登记一个补偿。
	comps := &compensations{}
	for i, productID := range order {
		prev := available[productID]
		next := prev - demand[productID]

		if wErr := r.writeStock(ctx, productID, prev, next); wErr != nil {
			log.Error().Err(wErr).
				Str("product_id", productID).
				Int("expected", prev).
				Int("new_stock", next).
				Msg("stock ledger write failed, rolling back order")

			for j, rest := range order[i:] {
				reason := domain.SkipReasonNotReached
				if j == 0 {
					reason = domain.SkipReasonWriteFailed
				}
				outcome.Lines = append(outcome.Lines, domain.LineOutcome{
					ProductID: rest, Quantity: demand[rest], Stock: available[rest],
					Kind: domain.OutcomeSkipped, Reason: reason,
				})
			}
			if !r.rollback(ctx, event, comps, outcome, log) {
				// 保留占用：重投会在没有还原的库存上再扣一次
				outcome.Status = domain.StatusRollbackFailed
				return outcome, errors.Wrap(domain.ErrRollbackFailed, wErr.Error())
			}
			r.release(ctx, event.PaymentRef, log)
			outcome.Status = domain.StatusFailed
			return outcome, wErr
		}

		productID := productID
		comps.add(productID, func(ctx context.Context) error {
			return r.writeStock(ctx, productID, next, prev)
		})
		outcome.Lines = append(outcome.Lines, domain.LineOutcome{
			ProductID: productID,
			Quantity:  demand[productID],
			Stock:     prev,
			NewStock:  &next,
			Kind:      domain.OutcomeDecremented,
		})
		log.Info().
			Str("product_id", productID).
			Int("quantity", demand[productID]).
			Int("new_stock", next).
			Msg("stock decremented")
	}

	outcome.Status = domain.StatusApplied
	return outcome, nil
}

// refund 超卖或商品不存在：整单退款，库存保持不变。
func (r *InventoryReconciler) refund(
	ctx context.Context,
	event *domain.PurchaseEvent,
	demand map[string]int,
	order []string,
	available map[string]int,
	shortProduct, reason string,
	log *zerolog.Logger,
) (*domain.ReconciliationOutcome, error) {
	outcome := &domain.ReconciliationOutcome{PaymentRef: event.PaymentRef, Reason: reason}
	for _, productID := range order {
		line := domain.LineOutcome{ProductID: productID, Quantity: demand[productID], Stock: available[productID]}
		if productID == shortProduct {
			line.Kind, line.Reason = domain.OutcomeRefunded, reason
		} else {
			line.Kind, line.Reason = domain.OutcomeSkipped, domain.SkipReasonOrderVoided
		}
		outcome.Lines = append(outcome.Lines, line)
	}

	log.Warn().
		Str("product_id", shortProduct).
		Int("requested", demand[shortProduct]).
		Int("available", available[shortProduct]).
		Str("reason", reason).
		Msg("order cannot be fulfilled, issuing compensating refund")

	// 退款不能沿用可能已经超时的对账 ctx
	refundCtx, cancel := r.detached(ctx)
	defer cancel()
	ctx, span := r.tracer.Start(refundCtx, "app.CompensatingRefund")
	defer span.End()

	err := r.gateway.Refund(ctx, port.RefundRequest{
		PaymentRef:     event.PaymentRef,
		OrderID:        event.OrderID,
		Reason:         reason,
		IdempotencyKey: "refund-" + event.PaymentRef,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
		metrics.RefundFailuresTotal.Inc()

		// 已扣款、未减库存、未退款：必须高于普通对账失败的级别
		log.Error().Err(err).
			Bool("critical", true).
			Str("product_id", shortProduct).
			Interface("requested", demand).
			Interface("available", available).
			Msg("🚨 CRITICAL: compensating refund failed, order is charged but neither fulfilled nor refunded")

		r.alert(ctx, port.Alert{
			Kind:       port.AlertRefundFailed,
			PaymentRef: event.PaymentRef,
			OrderID:    event.OrderID,
			ProductID:  shortProduct,
			Requested:  demand,
			Available:  available,
			Error:      err.Error(),
		}, log)
		// 本单没有动过库存，释放占用后人工重放同一事件会再次尝试退款。
		// 这个结果会被确认，支付方不会自动重投。
		r.release(ctx, event.PaymentRef, log)

		outcome.Status = domain.StatusRefundFailed
		return outcome, errors.Wrap(domain.ErrRefundFailed, err.Error())
	}

	span.AddEvent("refund accepted")
	outcome.Status = domain.StatusRefunded
	return outcome, nil
}

// rollback 按后进先出执行补偿。补偿成功的行标记为 rolled_back，失败的行保持 decremented。
// 返回 false 表示账本里仍留有本单的扣减。
func (r *InventoryReconciler) rollback(ctx context.Context, event *domain.PurchaseEvent, comps *compensations, outcome *domain.ReconciliationOutcome, log *zerolog.Logger) bool {
	if comps.len() == 0 {
		return true
	}
	log.Warn().Int("compensations", comps.len()).Msg("executing stock compensations")

	// 触发回滚的往往就是已经超时的 ctx，补偿换用新的上下文
	compCtx, cancel := r.detached(ctx)
	defer cancel()

	failed := comps.trigger(compCtx)
	for i := range outcome.Lines {
		line := &outcome.Lines[i]
		if line.Kind != domain.OutcomeDecremented {
			continue
		}
		if _, bad := failed[line.ProductID]; !bad {
			line.Kind = domain.OutcomeRolledBack
		}
	}
	for productID, err := range failed {
		log.Error().Err(err).
			Bool("critical", true).
			Str("product_id", productID).
			Msg("🚨 CRITICAL: stock compensation failed, ledger needs manual correction")
		r.alert(compCtx, port.Alert{
			Kind:       port.AlertRollbackFailed,
			PaymentRef: event.PaymentRef,
			OrderID:    event.OrderID,
			ProductID:  productID,
			Error:      err.Error(),
		}, log)
	}
	return len(failed) == 0
}

func (r *InventoryReconciler) readStock(ctx context.Context, productID string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "ledger.ReadStock", trace.WithAttributes(attribute.String("product.id", productID)))
	defer span.End()

	stock, err := r.ledger.ReadStock(ctx, productID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrProductNotFound) {
			return 0, err
		}
		return 0, errors.Wrap(domain.ErrLedgerUnavailable, err.Error())
	}
	return stock, nil
}

func (r *InventoryReconciler) writeStock(ctx context.Context, productID string, expected, next int) error {
	ctx, span := r.tracer.Start(ctx, "ledger.CompareAndSetStock", trace.WithAttributes(
		attribute.String("product.id", productID),
		attribute.Int("stock.expected", expected),
		attribute.Int("stock.new", next),
	))
	defer span.End()

	if err := r.ledger.CompareAndSetStock(ctx, productID, expected, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrStockConflict) {
			return err
		}
		return errors.Wrap(domain.ErrLedgerUnavailable, fmt.Sprintf("write %s: %v", productID, err))
	}
	return nil
}

func (r *InventoryReconciler) release(ctx context.Context, paymentRef string, log *zerolog.Logger) {
	ctx, cancel := r.detached(ctx)
	defer cancel()
	if err := r.journal.Release(ctx, paymentRef); err != nil {
		// 释放失败意味着重投会被当作重复事件跳过
		log.Error().Err(err).Bool("critical", true).Msg("failed to release payment journal claim")
	}
}

// detached 返回不受调用方取消和超时影响的上下文，保留 trace 等值
func (r *InventoryReconciler) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.processingTimeout)
}

func (r *InventoryReconciler) alert(ctx context.Context, a port.Alert, log *zerolog.Logger) {
	if r.alerter == nil {
		return
	}
	a.At = time.Now().UTC()
	if err := r.alerter.Alert(ctx, a); err != nil {
		log.Error().Err(err).Str("alert_kind", string(a.Kind)).Msg("failed to publish operator alert")
	}
}
