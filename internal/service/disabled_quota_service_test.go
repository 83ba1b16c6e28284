package service

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledAccountant(t *testing.T) {
	ctx := context.Background()
	var acct Accountant = DisabledAccountant{}

	first, err := acct.Reserve(ctx, "u1", math.MaxInt64, "k", 0)
	require.NoError(t, err)
	second, err := acct.Reserve(ctx, "u1", 1, "k", 0)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.NoError(t, acct.Commit(ctx, "u1", first, 100))
	assert.NoError(t, acct.Release(ctx, "u1", second))
	assert.NoError(t, acct.Debit(ctx, "u1", 100))

	info, err := acct.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.UsedBytes)
	assert.Equal(t, int64(0), info.ReservedBytes)
	assert.Equal(t, int64(math.MaxInt64), info.LimitBytes)
	assert.Equal(t, int64(0), info.Percent)
}
