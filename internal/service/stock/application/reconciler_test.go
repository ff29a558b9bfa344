package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"stocksync/internal/service/stock/domain"
	"stocksync/internal/service/stock/domain/port"
	"stocksync/internal/service/stock/infrastructure/adapter"
)

// --- 测试替身 ---

type fakeGateway struct {
	mu       sync.Mutex
	requests []port.RefundRequest
	err      error
}

func (g *fakeGateway) Refund(_ context.Context, req port.RefundRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.err
}

func (g *fakeGateway) calls() []port.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]port.RefundRequest(nil), g.requests...)
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []port.Alert
}

func (a *fakeAlerter) Alert(_ context.Context, alert port.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

// faultyLedger 和真实后端一样遵守 ctx：ctx 结束后的写入一律失败。
// faults 指定某个商品第几次条件写入返回错误；blockOn 的第一次写入阻塞到 ctx 结束。
type faultyLedger struct {
	*adapter.MemoryLedger
	faults  map[string][]int
	blockOn string

	mu     sync.Mutex
	writes map[string]int
}

func newFaultyLedger(inner *adapter.MemoryLedger) *faultyLedger {
	return &faultyLedger{MemoryLedger: inner, faults: map[string][]int{}, writes: map[string]int{}}
}

func (l *faultyLedger) CompareAndSetStock(ctx context.Context, productID string, expected, newStock int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.writes[productID]++
	n := l.writes[productID]
	l.mu.Unlock()

	if productID == l.blockOn && n == 1 {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, f := range l.faults[productID] {
		if f == n {
			return errors.New("connection reset by peer")
		}
	}
	return l.MemoryLedger.CompareAndSetStock(ctx, productID, expected, newStock)
}

type fixture struct {
	ledger     *adapter.MemoryLedger
	journal    *adapter.MemoryJournal
	gateway    *fakeGateway
	alerter    *fakeAlerter
	reconciler *InventoryReconciler
}

func newFixture(stock map[string]int) *fixture {
	f := &fixture{
		ledger:  adapter.NewMemoryLedger(stock),
		journal: adapter.NewMemoryJournal(),
		gateway: &fakeGateway{},
		alerter: &fakeAlerter{},
	}
	f.reconciler = f.build(f.ledger)
	return f
}

func (f *fixture) build(ledger port.StockLedger) *InventoryReconciler {
	return NewInventoryReconciler(ledger, f.gateway, f.journal, adapter.NewLocalLock(), f.alerter,
		noop.NewTracerProvider().Tracer("test"), WithLockTimeout(time.Second))
}

func purchase(ref string, items ...domain.LineItem) *domain.PurchaseEvent {
	return &domain.PurchaseEvent{PaymentRef: ref, OrderID: "order-" + ref, Items: items}
}

func item(id string, qty int) domain.LineItem {
	return domain.LineItem{ProductID: id, Quantity: qty}
}

func intPtr(n int) *int { return &n }

func stockOf(t *testing.T, l *adapter.MemoryLedger, id string) int {
	t.Helper()
	n, err := l.ReadStock(context.Background(), id)
	require.NoError(t, err)
	return n
}

// --- 用例 ---

func TestReconcile_DecrementsStock(t *testing.T) {
	f := newFixture(map[string]int{"A": 10, "B": 3})

	out, err := f.reconciler.Reconcile(context.Background(), purchase("pi_1", item("A", 3), item("B", 1)))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusApplied, out.Status)
	assert.Equal(t, 7, stockOf(t, f.ledger, "A"))
	assert.Equal(t, 2, stockOf(t, f.ledger, "B"))
	require.Len(t, out.Lines, 2)
	assert.Equal(t, domain.LineOutcome{ProductID: "A", Quantity: 3, Kind: domain.OutcomeDecremented, Stock: 10, NewStock: intPtr(7)}, out.Lines[0])
	assert.Empty(t, f.gateway.calls())
	assert.True(t, f.journal.Processed("pi_1"))
}

func TestReconcile_ExactStockReachesZero(t *testing.T) {
	f := newFixture(map[string]int{"A": 5})

	out, err := f.reconciler.Reconcile(context.Background(), purchase("pi_1", item("A", 5)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApplied, out.Status)
	assert.Equal(t, 0, stockOf(t, f.ledger, "A"))

	require.Len(t, out.Lines, 1)
	require.NotNil(t, out.Lines[0].NewStock, "sold out to zero is still a decrement")
	assert.Equal(t, 0, *out.Lines[0].NewStock)

	body, err := json.Marshal(out.Lines[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), `"newStock":0`)
}

func TestReconcile_DuplicateIsSkipped(t *testing.T) {
	f := newFixture(map[string]int{"A": 10})
	ctx := context.Background()

	_, err := f.reconciler.Reconcile(ctx, purchase("pi_1", item("A", 3)))
	require.NoError(t, err)

	out, err := f.reconciler.Reconcile(ctx, purchase("pi_1", item("A", 3)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAlreadyProcessed, out.Status)
	assert.Equal(t, 7, stockOf(t, f.ledger, "A"), "duplicate must not decrement twice")
}

func TestReconcile_OversoldIssuesRefund(t *testing.T) {
	f := newFixture(map[string]int{"A": 0})

	out, err := f.reconciler.Reconcile(context.Background(), purchase("pi_1", item("A", 1)))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRefunded, out.Status)
	assert.Equal(t, 0, stockOf(t, f.ledger, "A"))
	require.Len(t, out.Lines, 1)
	assert.Equal(t, domain.OutcomeRefunded, out.Lines[0].Kind)

	calls := f.gateway.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pi_1", calls[0].PaymentRef)
	assert.Equal(t, domain.RefundReasonOversold, calls[0].Reason)
	assert.Equal(t, "refund-pi_1", calls[0].IdempotencyKey)
}

func TestReconcile_MultiItemOversellTouchesNoStock(t *testing.T) {
	f := newFixture(map[string]int{"A": 10, "B": 1})

	out, err := f.reconciler.Reconcile(context.Background(), purchase("pi_1", item("A", 2), item("B", 2)))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRefunded, out.Status)
	assert.Equal(t, 10, stockOf(t, f.ledger, "A"))
	assert.Equal(t, 1, stockOf(t, f.ledger, "B"))
	require.Len(t, out.Lines, 2)
	assert.Equal(t, domain.OutcomeSkipped, out.Lines[0].Kind)
	assert.Equal(t, domain.SkipReasonOrderVoided, out.Lines[0].Reason)
	assert.Equal(t, domain.OutcomeRefunded, out.Lines[1].Kind)
	assert.Len(t, f.gateway.calls(), 1, "one refund per order")
}

func TestReconcile_RepeatedProductDemandIsSummed(t *testing.T) {
	f := newFixture(map[string]int{"A": 5})

	out, err := f.reconciler.Reconcile(context.Background(), purchase("pi_1", item("A", 3), item("A", 3)))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRefunded, out.Status, "3+3 exceeds 5 even though each line fits")
	assert.Equal(t, 5, stockOf(t, f.ledger, "A"))
}

func TestReconcile_UnknownProductIsRefunded(t *testing.T) {
	f := newFixture(map[string]int{"A": 5})

	out, err := f.reconciler.Reconcile(context.Background(), purchase("pi_1", item("ghost", 1)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, out.Status)
	assert.Equal(t, "unknown_product", out.Reason)
}

func TestReconcile_RefundFailureReleasesClaimAndAlerts(t *testing.T) {
	f := newFixture(map[string]int{"A": 0})
	f.gateway.err = errors.New("provider returned 503")

	out, err := f.reconciler.Reconcile(context.Background(), purchase("pi_1", item("A", 2)))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRefundFailed)
	assert.Equal(t, domain.StatusRefundFailed, out.Status)
	assert.True(t, out.Accepted(), "refund failure is acknowledged and escalated, not retried by the provider")

	assert.False(t, f.journal.Processed("pi_1"))
	require.Len(t, f.alerter.alerts, 1)
	alert := f.alerter.alerts[0]
	assert.Equal(t, port.AlertRefundFailed, alert.Kind)
	assert.Equal(t, map[string]int{"A": 2}, alert.Requested)
	assert.Equal(t, map[string]int{"A": 0}, alert.Available)

	// 修复后重放可以成功退款
	f.gateway.err = nil
	out, err = f.reconciler.Reconcile(context.Background(), purchase("pi_1", item("A", 2)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, out.Status)
}

func TestReconcile_WriteFailureRollsBack(t *testing.T) {
	f := newFixture(map[string]int{"A": 10, "B": 10, "C": 10})
	flaky := newFaultyLedger(f.ledger)
	flaky.faults["C"] = []int{1}
	r := f.build(flaky)

	out, err := r.Reconcile(context.Background(), purchase("pi_1", item("A", 1), item("B", 2), item("C", 3)))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.False(t, out.Accepted())

	assert.Equal(t, map[string]int{"A": 10, "B": 10, "C": 10}, f.ledger.Snapshot())
	assert.False(t, f.journal.Processed("pi_1"), "failed order must be retryable")
	assert.Empty(t, f.gateway.calls())
	assert.Empty(t, f.alerter.alerts)

	lines := linesByProduct(out)
	assert.Equal(t, domain.OutcomeRolledBack, lines["A"].Kind)
	assert.Equal(t, domain.OutcomeRolledBack, lines["B"].Kind)
	assert.Equal(t, domain.OutcomeSkipped, lines["C"].Kind)
	assert.Equal(t, domain.SkipReasonWriteFailed, lines["C"].Reason)

	// 重投后正常扣减
	out, err = r.Reconcile(context.Background(), purchase("pi_1", item("A", 1), item("B", 2), item("C", 3)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApplied, out.Status)
	assert.Equal(t, map[string]int{"A": 9, "B": 8, "C": 7}, f.ledger.Snapshot())
}

func linesByProduct(out *domain.ReconciliationOutcome) map[string]domain.LineOutcome {
	lines := make(map[string]domain.LineOutcome, len(out.Lines))
	for _, l := range out.Lines {
		lines[l.ProductID] = l
	}
	return lines
}

func TestReconcile_RollbackSurvivesProcessingTimeout(t *testing.T) {
	f := newFixture(map[string]int{"A": 10, "B": 10})
	slow := newFaultyLedger(f.ledger)
	slow.blockOn = "B"
	r := NewInventoryReconciler(slow, f.gateway, f.journal, adapter.NewLocalLock(), f.alerter,
		noop.NewTracerProvider().Tracer("test"), WithLockTimeout(time.Second), WithProcessingTimeout(50*time.Millisecond))

	out, err := r.Reconcile(context.Background(), purchase("pi_1", item("A", 1), item("B", 1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, map[string]int{"A": 10, "B": 10}, f.ledger.Snapshot(), "decrement of A must be undone after the timeout")
	assert.False(t, f.journal.Processed("pi_1"))
	assert.Empty(t, f.alerter.alerts)

	lines := linesByProduct(out)
	assert.Equal(t, domain.OutcomeRolledBack, lines["A"].Kind)
	assert.Equal(t, domain.SkipReasonWriteFailed, lines["B"].Reason)

	// 重投只扣一次
	out, err = r.Reconcile(context.Background(), purchase("pi_1", item("A", 1), item("B", 1)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApplied, out.Status)
	assert.Equal(t, map[string]int{"A": 9, "B": 9}, f.ledger.Snapshot())
}

func TestReconcile_FailedRollbackKeepsClaim(t *testing.T) {
	f := newFixture(map[string]int{"A": 10, "B": 10})
	faulty := newFaultyLedger(f.ledger)
	faulty.faults["B"] = []int{1} // 扣减 B 失败
	faulty.faults["A"] = []int{2} // 还原 A 也失败
	r := f.build(faulty)

	out, err := r.Reconcile(context.Background(), purchase("pi_1", item("A", 1), item("B", 1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRollbackFailed)
	assert.Equal(t, domain.StatusRollbackFailed, out.Status)
	assert.True(t, out.Accepted(), "redelivery cannot repair the ledger")

	assert.Equal(t, map[string]int{"A": 9, "B": 10}, f.ledger.Snapshot())
	assert.True(t, f.journal.Processed("pi_1"), "claim must be kept while A is still decremented")

	lines := linesByProduct(out)
	assert.Equal(t, domain.OutcomeDecremented, lines["A"].Kind, "a line whose compensation failed is still decremented")
	assert.Equal(t, domain.OutcomeSkipped, lines["B"].Kind)
	assert.Equal(t, domain.SkipReasonWriteFailed, lines["B"].Reason)

	require.Len(t, f.alerter.alerts, 1)
	assert.Equal(t, port.AlertRollbackFailed, f.alerter.alerts[0].Kind)
	assert.Equal(t, "A", f.alerter.alerts[0].ProductID)

	out, err = r.Reconcile(context.Background(), purchase("pi_1", item("A", 1), item("B", 1)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAlreadyProcessed, out.Status)
	assert.Equal(t, 9, stockOf(t, f.ledger, "A"), "A must be decremented exactly once for pi_1")
}

func TestReconcile_MalformedEventIsIgnored(t *testing.T) {
	f := newFixture(map[string]int{"A": 10})

	cases := map[string]*domain.PurchaseEvent{
		"missing payment ref": purchase("", item("A", 1)),
		"no items":            purchase("pi_1"),
		"zero quantity":       purchase("pi_2", item("A", 0)),
		"empty product id":    purchase("pi_3", item("", 1)),
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := f.reconciler.Reconcile(context.Background(), ev)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusIgnored, out.Status)
			assert.NotEmpty(t, out.Reason)
		})
	}
	assert.Equal(t, 10, stockOf(t, f.ledger, "A"))
	assert.Empty(t, f.gateway.calls())
}

func TestReconcile_LockTimeout(t *testing.T) {
	f := newFixture(map[string]int{"A": 10})
	lock := adapter.NewLocalLock()
	require.NoError(t, lock.Lock(context.Background()))
	r := NewInventoryReconciler(f.ledger, f.gateway, f.journal, lock, f.alerter,
		noop.NewTracerProvider().Tracer("test"), WithLockTimeout(20*time.Millisecond))

	out, err := r.Reconcile(context.Background(), purchase("pi_1", item("A", 1)))
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.False(t, f.journal.Processed("pi_1"))
}

func TestReconcile_ConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(map[string]int{"A": 10})

	var wg sync.WaitGroup
	results := make([]*domain.ReconciliationOutcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.reconciler.Reconcile(context.Background(), purchase(fmt.Sprintf("pi_%d", i), item("A", 6)))
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	statuses := []domain.Status{results[0].Status, results[1].Status}
	assert.ElementsMatch(t, []domain.Status{domain.StatusApplied, domain.StatusRefunded}, statuses)
	assert.Equal(t, 4, stockOf(t, f.ledger, "A"))
	assert.Len(t, f.gateway.calls(), 1)
}

func TestReconcile_ManyConcurrentOrders(t *testing.T) {
	const initial, orders = 25, 60
	f := newFixture(map[string]int{"A": initial})

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.reconciler.Reconcile(context.Background(), purchase(fmt.Sprintf("pi_%d", i), item("A", 1)))
			if assert.NoError(t, err) && out.Status == domain.StatusApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, initial, applied)
	assert.Equal(t, 0, stockOf(t, f.ledger, "A"))
	assert.Len(t, f.gateway.calls(), orders-initial)
}

func TestHandleNotification(t *testing.T) {
	f := newFixture(map[string]int{"A": 10})

	t.Run("other event types are ignored", func(t *testing.T) {
		out, err := f.reconciler.HandleNotification(context.Background(), &domain.PaymentNotification{
			ID: "evt_1", Type: "payment_intent.created",
			Data: *purchase("pi_1", item("A", 1)),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusIgnored, out.Status)
		assert.Equal(t, 10, stockOf(t, f.ledger, "A"))
	})

	t.Run("completed order is reconciled", func(t *testing.T) {
		out, err := f.reconciler.HandleNotification(context.Background(), &domain.PaymentNotification{
			ID: "evt_2", Type: domain.EventTypeOrderCompleted,
			Data: *purchase("pi_2", item("A", 4)),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusApplied, out.Status)
		assert.Equal(t, 6, stockOf(t, f.ledger, "A"))
	})
}
