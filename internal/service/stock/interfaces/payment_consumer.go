package interfaces

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stocksync/internal/pkg/logger"
	"stocksync/internal/pkg/mq"
	"stocksync/internal/service/stock/domain"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 500 * time.Millisecond
)

// PaymentConsumerAdapter 从 Kafka 消费支付事件并驱动对账。
// 可重试的失败在本地重试，用尽后连同原因转发到 DLT。
type PaymentConsumerAdapter struct {
	reader     mq.MessageReader
	topic      string
	reconciler PaymentReconciler
	failure    *mq.FailureHandler
	tracer     trace.Tracer

	maxAttempts  int
	retryBackoff time.Duration
}

func NewPaymentConsumerAdapter(reader mq.MessageReader, topic string, reconciler PaymentReconciler, failure *mq.FailureHandler, tracer trace.Tracer) *PaymentConsumerAdapter {
	return &PaymentConsumerAdapter{
		reader:       reader,
		topic:        topic,
		reconciler:   reconciler,
		failure:      failure,
		tracer:       tracer,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
	}
}

func (a *PaymentConsumerAdapter) Name() string {
	return "payment-consumer:" + a.topic
}

// Start 阻塞消费直到 ctx 结束或 reader 被关闭
func (a *PaymentConsumerAdapter) Start(ctx context.Context) error {
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ Payment Consumer Adapter started.")
	for {
		// 使用 FetchMessage 而不是 ReadMessage，处理完成后再手动提交
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("🛑 Payment Consumer Adapter shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not fetch message, retrying")
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		a.processMessage(ctx, msg)

		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
		}
	}
}

// Stop 关闭 reader，Start 中阻塞的 FetchMessage 会立即返回
func (a *PaymentConsumerAdapter) Stop(ctx context.Context) error {
	err := a.reader.Close()
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ Payment Consumer Adapter stopped.")
	return err
}

func (a *PaymentConsumerAdapter) processMessage(parentCtx context.Context, msg kafka.Message) {
	ctx := mq.ExtractTraceContext(parentCtx, msg.Headers)
	ctx, span := a.tracer.Start(ctx, "kafka.ConsumePaymentEvent", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	var notification domain.PaymentNotification
	if err := json.Unmarshal(msg.Value, &notification); err != nil {
		span.RecordError(err)
		a.failure.Handle(ctx, msg, errors.Wrap(err, "unmarshal payment event"))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		outcome, err := a.reconciler.HandleNotification(ctx, &notification)
		if outcome != nil && outcome.Accepted() {
			// refund_failed 也在这里：告警已经发出，重投不会带来新的信息
			return
		}
		lastErr = err
		if lastErr == nil {
			lastErr = errors.New("reconciliation not accepted")
		}
		logger.Ctx(ctx).Warn().Err(lastErr).
			Int("attempt", attempt).
			Str("payment_ref", notification.Data.PaymentRef).
			Msg("reconciliation failed, will retry")
		if attempt < a.maxAttempts && !sleepCtx(ctx, a.retryBackoff*time.Duration(attempt)) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "reconciliation failed")
	a.failure.Handle(ctx, msg, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
