package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"stocksync/internal/pkg/logger"
	"stocksync/internal/pkg/mq"
)

// DltConsumerAdapter 监听支付事件的死信队列并以 critical 级别记录，供人工回放。
type DltConsumerAdapter struct {
	reader mq.MessageReader
	topic  string
}

func NewDltConsumerAdapter(reader mq.MessageReader, topic string) *DltConsumerAdapter {
	return &DltConsumerAdapter{reader: reader, topic: topic}
}

func (a *DltConsumerAdapter) Name() string {
	return "dlt-consumer:" + a.topic
}

func (a *DltConsumerAdapter) Start(ctx context.Context) error {
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT Consumer Adapter started.")
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("🛑 DLT Consumer Adapter shutting down.")
				return nil
			}
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		logDeadLetter(mq.ExtractTraceContext(ctx, msg.Headers), msg)

		// DLT 中的消息记录之后直接提交
		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit dead letter")
		}
	}
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) error {
	err := a.reader.Close()
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT Consumer Adapter stopped.")
	return err
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	logger.Ctx(ctx).Error().
		Bool("critical", true).
		Str("reason", "dead_letter_message_received").
		Str("original_topic", headers[mq.HeaderOriginalTopic]).
		Str("original_partition", headers[mq.HeaderOriginalPartition]).
		Str("original_offset", headers[mq.HeaderOriginalOffset]).
		Str("exception_fqcn", headers[mq.HeaderExceptionFqcn]).
		Str("exception_message", headers[mq.HeaderExceptionMessage]).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: payment event dead-lettered, manual replay required")
}
