package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/service/stock/domain"
)

func TestCompileFilter(t *testing.T) {
	f, err := CompileFilter(`stock < 5 && productId.startsWith("sku-")`)
	require.NoError(t, err)

	assert.True(t, f.Match(domain.StockChange{ProductID: "sku-1", Stock: 2}))
	assert.False(t, f.Match(domain.StockChange{ProductID: "sku-1", Stock: 9}))
	assert.False(t, f.Match(domain.StockChange{ProductID: "other", Stock: 0}))
	assert.Equal(t, `stock < 5 && productId.startsWith("sku-")`, f.String())
}

func TestCompileFilterRejectsInvalid(t *testing.T) {
	for _, expr := range []string{
		`stock <`,
		`price > 3`,
		`stock + 1`,
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := CompileFilter(expr)
			assert.Error(t, err)
		})
	}
}

func TestHubWithFilter(t *testing.T) {
	f, err := CompileFilter(`stock == 0`)
	require.NoError(t, err)

	hub := NewHub()
	sub, err := hub.Subscribe(WithFilter(f))
	require.NoError(t, err)

	hub.Publish("A", 3)
	hub.Publish("B", 0)

	assert.Equal(t, domain.StockChange{ProductID: "B", Stock: 0}, receive(t, sub))
	assertNothing(t, sub)
}
