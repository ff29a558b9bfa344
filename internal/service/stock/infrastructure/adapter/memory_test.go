package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/service/stock/domain"
)

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(map[string]int{"sku-1": 10})

	t.Run("read known and unknown products", func(t *testing.T) {
		n, err := ledger.ReadStock(ctx, "sku-1")
		require.NoError(t, err)
		assert.Equal(t, 10, n)

		_, err = ledger.ReadStock(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrProductNotFound)
	})

	t.Run("compare and set only applies on expected value", func(t *testing.T) {
		require.NoError(t, ledger.CompareAndSetStock(ctx, "sku-1", 10, 7))

		err := ledger.CompareAndSetStock(ctx, "sku-1", 10, 3)
		assert.ErrorIs(t, err, domain.ErrStockConflict)

		n, _ := ledger.ReadStock(ctx, "sku-1")
		assert.Equal(t, 7, n)
	})

	t.Run("rejects negative stock", func(t *testing.T) {
		assert.ErrorIs(t, ledger.CompareAndSetStock(ctx, "sku-1", 7, -1), domain.ErrNegativeStock)
		assert.ErrorIs(t, ledger.SetStock(ctx, "sku-1", -5), domain.ErrNegativeStock)
	})

	t.Run("compare and set on unknown product", func(t *testing.T) {
		assert.ErrorIs(t, ledger.CompareAndSetStock(ctx, "missing", 0, 1), domain.ErrProductNotFound)
	})

	t.Run("set stock creates product", func(t *testing.T) {
		require.NoError(t, ledger.SetStock(ctx, "sku-2", 4))
		assert.Equal(t, map[string]int{"sku-1": 7, "sku-2": 4}, ledger.Snapshot())
	})
}

func TestMemoryJournal(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryJournal()

	ok, err := journal.Claim(ctx, "pi_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = journal.Claim(ctx, "pi_1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim of the same reference must fail")

	require.NoError(t, journal.Release(ctx, "pi_1"))
	assert.False(t, journal.Processed("pi_1"))

	ok, _ = journal.Claim(ctx, "pi_1")
	assert.True(t, ok, "released reference can be claimed again")
}

func TestLocalLock(t *testing.T) {
	lock := NewLocalLock()
	require.NoError(t, lock.Lock(context.Background()))

	t.Run("second locker times out", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := lock.Lock(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("waiter acquires after unlock", func(t *testing.T) {
		acquired := make(chan struct{})
		go func() {
			_ = lock.Lock(context.Background())
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("lock acquired while still held")
		case <-time.After(20 * time.Millisecond):
		}

		require.NoError(t, lock.Unlock())
		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("waiter did not acquire lock")
		}
		require.NoError(t, lock.Unlock())
	})

	t.Run("unlock without holder", func(t *testing.T) {
		assert.Error(t, lock.Unlock())
	})
}

type recordingPublisher struct {
	changes []domain.StockChange
}

func (p *recordingPublisher) Publish(productID string, stock int) {
	p.changes = append(p.changes, domain.StockChange{ProductID: productID, Stock: stock})
}

func TestObservedLedgerPublishesSuccessfulWrites(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	ledger := NewObservedLedger(NewMemoryLedger(map[string]int{"sku-1": 5}), pub)

	require.NoError(t, ledger.CompareAndSetStock(ctx, "sku-1", 5, 3))
	assert.Error(t, ledger.CompareAndSetStock(ctx, "sku-1", 5, 1))
	require.NoError(t, ledger.SetStock(ctx, "sku-9", 12))

	n, err := ledger.ReadStock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, []domain.StockChange{
		{ProductID: "sku-1", Stock: 3},
		{ProductID: "sku-9", Stock: 12},
	}, pub.changes)
}
