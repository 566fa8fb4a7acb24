package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/dynamig/migration"
)

func TestLockIsExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _, c := bootstrapped(t)

	first, err := l.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Owner())
	assert.Equal(t, c.Now().Add(time.Minute), first.ExpiresAt())

	_, err = l.Acquire(ctx, time.Minute)
	assert.ErrorIs(t, err, migration.ErrLedgerLocked)

	require.NoError(t, first.Release(ctx))

	second, err := l.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.Owner(), second.Owner())

	assert.ErrorIs(t, first.Release(ctx), migration.ErrLedgerLocked, "a stale handle cannot release")
	require.NoError(t, second.Release(ctx))
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _, c := bootstrapped(t)

	crashed, err := l.Acquire(ctx, time.Minute)
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	_, err = l.Acquire(ctx, time.Minute)
	assert.ErrorIs(t, err, migration.ErrLedgerLocked)

	c.Advance(time.Minute)
	taken, err := l.Acquire(ctx, time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, crashed.Release(ctx), migration.ErrLedgerLocked)
	require.NoError(t, taken.Release(ctx))
}
