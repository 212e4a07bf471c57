package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

func TestStock_SetAndGet(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("stock", "set", "SKU-1", "10")
	require.NoError(t, err)
	assert.Equal(t, "SKU-1 total=10 reserved=0 fulfilled=0 available=10\n", out)

	_, err = env.ledger.Reserve(context.Background(), "SKU-1", 3, "s-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	out, err = env.run("--format", "json", "stock", "get", "SKU-1")
	require.NoError(t, err)

	view := decodeJSON[StockView](t, out)
	assert.Equal(t, "SKU-1", view.SKU)
	assert.Equal(t, int64(10), view.Total)
	assert.Equal(t, int64(3), view.Reserved)
	assert.Equal(t, int64(7), view.Available)
}

func TestStock_SetRejectsInvalidTotal(t *testing.T) {
	env := newTestEnv(t)

	for _, total := range []string{"abc", "-1"} {
		_, err := env.run("stock", "set", "SKU-1", total)
		require.Error(t, err, total)
		assert.Equal(t, ExitCommandError, ExitCode(err))
	}
}

func TestStock_SetBelowReservedFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.SetStock(ctx, "SKU-1", 5)
	require.NoError(t, err)
	_, err = env.ledger.Reserve(ctx, "SKU-1", 3, "s-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = env.run("stock", "set", "SKU-1", "1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.ErrorIs(t, err, domain.ErrStockInvalid)
}

func TestStock_GetRequiresSKU(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("stock", "get")
	require.Error(t, err)
}
