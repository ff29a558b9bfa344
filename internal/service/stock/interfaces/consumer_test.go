package interfaces

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"stocksync/internal/service/stock/domain"
	"stocksync/internal/service/stock/infrastructure/adapter"
)

// fakeReader 依次返回预置的消息，之后阻塞直到 ctx 结束或被关闭
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	for i := range msgs {
		msgs[i].Offset = int64(i)
	}
	return &fakeReader{msgs: msgs, closed: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case <-r.closed:
		return kafka.Message{}, io.EOF
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []domain.StockChange
}

func (p *recordingPublisher) Publish(productID string, stock int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, domain.StockChange{ProductID: productID, Stock: stock})
}

func jsonMessage(t *testing.T, v interface{}) kafka.Message {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return kafka.Message{Topic: "test", Value: b}
}

func TestPaymentConsumerCommitsEveryMessage(t *testing.T) {
	stub := &stubReconciler{outcome: &domain.ReconciliationOutcome{Status: domain.StatusApplied}}
	reader := newFakeReader(
		jsonMessage(t, domain.PaymentNotification{Type: domain.EventTypeOrderCompleted,
			Data: domain.PurchaseEvent{PaymentRef: "pi_1", Items: []domain.LineItem{{ProductID: "A", Quantity: 1}}}}),
		kafka.Message{Topic: "test", Value: []byte("not json")},
	)
	consumer := NewPaymentConsumerAdapter(reader, "payment-events", stub, nil, noop.NewTracerProvider().Tracer("test"))

	done := make(chan error, 1)
	go func() { done <- consumer.Start(context.Background()) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, consumer.Stop(context.Background()))
	require.NoError(t, <-done)

	assert.Equal(t, 1, stub.calls, "malformed messages go to the DLT without reconciling")
	assert.Equal(t, []int64{0, 1}, reader.commits())
}

func TestPaymentConsumerRetriesLedgerFailures(t *testing.T) {
	stub := &stubReconciler{
		outcome: &domain.ReconciliationOutcome{Status: domain.StatusFailed},
		err:     errors.Wrap(domain.ErrLedgerUnavailable, "redis down"),
	}
	consumer := NewPaymentConsumerAdapter(newFakeReader(), "payment-events", stub, nil, noop.NewTracerProvider().Tracer("test"))
	consumer.retryBackoff = time.Millisecond

	consumer.processMessage(context.Background(), jsonMessage(t, domain.PaymentNotification{Type: domain.EventTypeOrderCompleted}))
	assert.Equal(t, defaultMaxAttempts, stub.calls)
}

func TestPaymentConsumerDoesNotRetryRefundFailure(t *testing.T) {
	stub := &stubReconciler{
		outcome: &domain.ReconciliationOutcome{Status: domain.StatusRefundFailed},
		err:     errors.Wrap(domain.ErrRefundFailed, "503"),
	}
	consumer := NewPaymentConsumerAdapter(newFakeReader(), "payment-events", stub, nil, noop.NewTracerProvider().Tracer("test"))

	consumer.processMessage(context.Background(), jsonMessage(t, domain.PaymentNotification{Type: domain.EventTypeOrderCompleted}))
	assert.Equal(t, 1, stub.calls)
}

func TestCatalogConsumerForwardsStockChanges(t *testing.T) {
	pub := &recordingPublisher{}
	reader := newFakeReader(
		kafka.Message{Value: []byte(`{"contentType":"product","key":"A","properties":{"stockQuantity":12}}`)},
		kafka.Message{Value: []byte(`{"contentType":"page","key":"home","properties":{"stockQuantity":1}}`)},
		kafka.Message{Value: []byte(`{"contentType":"product","key":"B","properties":{"title":"x"}}`)},
		kafka.Message{Value: []byte(`{"contentType":"product","key":"C","properties":{"stockQuantity":"lots"}}`)},
		kafka.Message{Value: []byte(`garbage`)},
		kafka.Message{Value: []byte(`{"contentType":"product","key":"D","properties":{"stockQuantity":0}}`)},
	)
	consumer := NewCatalogConsumerAdapter(reader, "catalog-published", pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 6 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []domain.StockChange{{ProductID: "A", Stock: 12}, {ProductID: "D", Stock: 0}}, pub.changes)
}

func TestCatalogConsumerWritesThroughLedger(t *testing.T) {
	pub := &recordingPublisher{}
	ledger := adapter.NewMemoryLedger(map[string]int{"A": 3})
	reader := newFakeReader(
		kafka.Message{Value: []byte(`{"contentType":"product","key":"A","properties":{"stockQuantity":12}}`)},
		kafka.Message{Value: []byte(`{"contentType":"product","key":"N","properties":{"stockQuantity":4}}`)},
	)
	// 订阅者只通过账本的变更信号收到通知，不会重复
	consumer := NewCatalogConsumerAdapter(reader, "catalog-published", pub,
		WithLedgerWriteThrough(adapter.NewObservedLedger(ledger, pub)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, map[string]int{"A": 12, "N": 4}, ledger.Snapshot(), "reads and reconciliation see the catalog value")
	assert.Equal(t, []domain.StockChange{{ProductID: "A", Stock: 12}, {ProductID: "N", Stock: 4}}, pub.changes)
}

func TestDltConsumerCommitsDeadLetters(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Key: []byte("pi_1"), Value: []byte(`{}`), Headers: []kafka.Header{
			{Key: "dlt-original-topic", Value: []byte("payment-events")},
			{Key: "dlt-exception-message", Value: []byte("stock ledger unavailable")},
		}},
	)
	consumer := NewDltConsumerAdapter(reader, "payment-events-dlt")

	done := make(chan error, 1)
	go func() { done <- consumer.Start(context.Background()) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, consumer.Stop(context.Background()))
	require.NoError(t, <-done)
}
