package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"stocksync/internal/pkg/mq"
	"stocksync/internal/service/stock/domain/port"
)

// AlertKafkaAdapter 把需要人工介入的故障发到告警 topic，由外部的重试/工单系统消费。
type AlertKafkaAdapter struct {
	writer *kafka.Writer
}

func NewAlertKafkaAdapter(writer *kafka.Writer) *AlertKafkaAdapter {
	return &AlertKafkaAdapter{writer: writer}
}

func (a *AlertKafkaAdapter) Alert(ctx context.Context, alert port.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal operator alert: %w", err)
	}
	// 以支付引用为 key，同一笔支付的告警进入同一分区
	return mq.ProduceMessage(ctx, a.writer, []byte(alert.PaymentRef), payload,
		kafka.Header{Key: "alert-kind", Value: []byte(alert.Kind)})
}

// Close 关闭底层的Kafka writer。
func (a *AlertKafkaAdapter) Close() error {
	return a.writer.Close()
}
