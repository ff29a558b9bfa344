package application

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompensationsRunInReverseOrder(t *testing.T) {
	c := &compensations{}
	var order []string
	for _, name := range []string{"A", "B", "C"} {
		name := name
		c.add(name, func(context.Context) error {
			order = append(order, name)
			if name == "B" {
				return errors.New("boom")
			}
			return nil
		})
	}

	failed := c.trigger(context.Background())
	assert.Equal(t, []string{"C", "B", "A"}, order, "a failing compensation must not stop the others")
	require.Len(t, failed, 1)
	assert.EqualError(t, failed["B"], "boom")
	assert.Equal(t, 0, c.len())
}

func TestCompensationsEmpty(t *testing.T) {
	c := &compensations{}
	assert.Empty(t, c.trigger(context.Background()))
}
