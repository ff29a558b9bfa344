package interfaces

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"stocksync/internal/pkg/logger"
	"stocksync/internal/pkg/metrics"
	"stocksync/internal/pkg/mq"
	"stocksync/internal/service/stock/domain/port"
)

const productContentType = "product"

// CatalogPublished 是内容目录发布商品时发出的信号
type CatalogPublished struct {
	ContentType string                     `json:"contentType"`
	Key         string                     `json:"key"`
	Properties  map[string]json.RawMessage `json:"properties"`
}

// StockQuantity 取出 stockQuantity 属性，不存在或不是整数时返回 false
func (c *CatalogPublished) StockQuantity() (int, bool) {
	raw, ok := c.Properties["stockQuantity"]
	if !ok {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// CatalogConsumerAdapter 处理目录系统对库存的直接修改。
// 默认只转发给 Hub；配置了 ledger 时先写入账本，由账本自身的变更信号通知订阅者。
type CatalogConsumerAdapter struct {
	reader    mq.MessageReader
	topic     string
	publisher port.StockPublisher
	ledger    port.StockLedger
}

// CatalogOption 调整目录消费者的行为
type CatalogOption func(*CatalogConsumerAdapter)

// WithLedgerWriteThrough 让目录库存同步写入账本。
// 账本不是目录自己的存储 (memory / redis) 时使用，ledger 应当是 ObservedLedger。
func WithLedgerWriteThrough(ledger port.StockLedger) CatalogOption {
	return func(a *CatalogConsumerAdapter) {
		a.ledger = ledger
	}
}

func NewCatalogConsumerAdapter(reader mq.MessageReader, topic string, publisher port.StockPublisher, opts ...CatalogOption) *CatalogConsumerAdapter {
	a := &CatalogConsumerAdapter{reader: reader, topic: topic, publisher: publisher}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *CatalogConsumerAdapter) Name() string {
	return "catalog-consumer:" + a.topic
}

func (a *CatalogConsumerAdapter) Start(ctx context.Context) error {
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ Catalog Consumer Adapter started.")
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("🛑 Catalog Consumer Adapter shutting down.")
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

func (a *CatalogConsumerAdapter) Stop(ctx context.Context) error {
	err := a.reader.Close()
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ Catalog Consumer Adapter stopped.")
	return err
}

func (a *CatalogConsumerAdapter) processMessage(parentCtx context.Context, msg kafka.Message) {
	ctx := mq.ExtractTraceContext(parentCtx, msg.Headers)

	var event CatalogPublished
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		metrics.CatalogUpdatesTotal.WithLabelValues("malformed").Inc()
		logger.Ctx(ctx).Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping malformed catalog message")
		return
	}
	if event.ContentType != productContentType || event.Key == "" {
		metrics.CatalogUpdatesTotal.WithLabelValues("ignored").Inc()
		return
	}
	stock, ok := event.StockQuantity()
	if !ok {
		metrics.CatalogUpdatesTotal.WithLabelValues("ignored").Inc()
		return
	}

	if a.ledger != nil {
		// 与对账并发时对账的条件写入会冲突失败，由重投重新对账
		if err := a.ledger.SetStock(ctx, event.Key, stock); err != nil {
			metrics.CatalogUpdatesTotal.WithLabelValues("failed").Inc()
			logger.Ctx(ctx).Error().Err(err).Str("product_id", event.Key).Int("stock", stock).Msg("failed to write catalog stock to ledger")
			return
		}
		metrics.CatalogUpdatesTotal.WithLabelValues("stored").Inc()
		logger.Ctx(ctx).Debug().Str("product_id", event.Key).Int("stock", stock).Msg("catalog stock change stored")
		return
	}

	a.publisher.Publish(event.Key, stock)
	metrics.CatalogUpdatesTotal.WithLabelValues("forwarded").Inc()
	logger.Ctx(ctx).Debug().Str("product_id", event.Key).Int("stock", stock).Msg("catalog stock change forwarded")
}
