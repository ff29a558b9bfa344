// internal/pkg/mq/failure.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"stocksync/internal/pkg/logger"
)

// 死信消息头，记录原始位置和失败原因
const (
	HeaderOriginalTopic     = "dlt-original-topic"
	HeaderOriginalPartition = "dlt-original-partition"
	HeaderOriginalOffset    = "dlt-original-offset"
	HeaderExceptionFqcn     = "dlt-exception-fqcn"
	HeaderExceptionMessage  = "dlt-exception-message"
)

// FailureHandler 将处理失败的消息转发到死信队列 (DLT)。
// writer 为 nil 时只记录日志。
type FailureHandler struct {
	dlt *kafka.Writer
}

func NewFailureHandler(dlt *kafka.Writer) *FailureHandler {
	return &FailureHandler{dlt: dlt}
}

// Handle 把失败的消息连同错误信息写入 DLT。写 DLT 失败只能记录日志。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) {
	log := logger.Ctx(ctx)
	if h == nil || h.dlt == nil {
		log.Error().Err(cause).
			Str("topic", msg.Topic).
			Int64("offset", msg.Offset).
			Msg("message processing failed, no DLT configured")
		return
	}

	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", cause))},
		kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
	)

	if err := h.dlt.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}); err != nil {
		log.Error().Err(err).
			Str("original_topic", msg.Topic).
			Int64("original_offset", msg.Offset).
			Msg("🚨 failed to forward message to DLT")
		return
	}
	log.Warn().Err(cause).
		Str("original_topic", msg.Topic).
		Str("dlt_topic", h.dlt.Topic).
		Msg("message moved to DLT")
}
