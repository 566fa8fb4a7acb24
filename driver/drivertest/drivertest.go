// Package drivertest holds the behaviour every driver.Driver must share.
package drivertest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/dynamig/driver"
)

var tableCounter int64 // nolint:gochecknoglobals

// NewTable returns a unique table description so that tests can share one store.
func NewTable() driver.Table {
	n := atomic.AddInt64(&tableCounter, 1)
	return driver.Table{
		Name:         fmt.Sprintf("drivertest_%d_%d", time.Now().UnixNano(), n),
		PartitionKey: "kind",
		SortKey:      "name",
	}
}

// CreateActiveTable creates a table and waits until the driver reports it active.
func CreateActiveTable(ctx context.Context, t *testing.T, drv driver.Driver) driver.Table {
	t.Helper()

	table := NewTable()
	require.NoError(t, drv.CreateTable(ctx, table, driver.Capacity{ReadUnits: 1, WriteUnits: 1}))

	deadline := time.Now().Add(30 * time.Second)
	for {
		status, err := drv.DescribeTable(ctx, table.Name)
		require.NoError(t, err)

		if status == driver.TableActive {
			return table
		}

		if time.Now().After(deadline) {
			t.Fatalf("table %s did not become active, last status %s", table.Name, status)
		}

		time.Sleep(50 * time.Millisecond)
	}
}

func item(partition, sort string, attrs map[string]string) driver.Item {
	return driver.Item{Key: driver.Key{Partition: partition, Sort: sort}, Attributes: attrs}
}

// Run executes the conformance suite against the driver returned by newDriver.
func Run(t *testing.T, newDriver func(t *testing.T) driver.Driver) { // nolint:funlen
	t.Helper()

	ctx := context.Background()

	t.Run("missing table", func(t *testing.T) {
		drv := newDriver(t)
		table := NewTable()

		_, err := drv.DescribeTable(ctx, table.Name)
		assert.ErrorIs(t, err, driver.ErrTableNotFound)

		_, err = drv.GetItem(ctx, table, driver.Key{Partition: "migration", Sort: "001"})
		assert.ErrorIs(t, err, driver.ErrTableNotFound)

		_, err = drv.Query(ctx, table, "migration", driver.QueryOptions{})
		assert.ErrorIs(t, err, driver.ErrTableNotFound)

		err = drv.PutItem(ctx, table, item("migration", "001", nil), driver.Condition{})
		assert.ErrorIs(t, err, driver.ErrTableNotFound)
	})

	t.Run("create table twice", func(t *testing.T) {
		drv := newDriver(t)
		table := CreateActiveTable(ctx, t, drv)

		err := drv.CreateTable(ctx, table, driver.Capacity{ReadUnits: 1, WriteUnits: 1})
		assert.ErrorIs(t, err, driver.ErrTableExists)
	})

	t.Run("put get delete", func(t *testing.T) {
		drv := newDriver(t)
		table := CreateActiveTable(ctx, t, drv)
		key := driver.Key{Partition: "migration", Sort: "001-create-table"}

		got, err := drv.GetItem(ctx, table, key)
		require.NoError(t, err)
		assert.Nil(t, got)

		attrs := map[string]string{"name": "001-create-table", "appliedAt": "2026-10-15T07:56:00Z"}
		require.NoError(t, drv.PutItem(ctx, table, driver.Item{Key: key, Attributes: attrs}, driver.Condition{}))

		got, err = drv.GetItem(ctx, table, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, key, got.Key)
		assert.Equal(t, attrs, got.Attributes)

		overwrite := map[string]string{"name": "001-create-table", "appliedAt": "2026-10-16T00:00:00Z"}
		require.NoError(t, drv.PutItem(ctx, table, driver.Item{Key: key, Attributes: overwrite}, driver.Condition{}))

		got, err = drv.GetItem(ctx, table, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, overwrite, got.Attributes)

		require.NoError(t, drv.DeleteItem(ctx, table, key, driver.Condition{}))
		require.NoError(t, drv.DeleteItem(ctx, table, key, driver.Condition{}), "deleting an absent item is not an error")

		got, err = drv.GetItem(ctx, table, key)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("conditional writes", func(t *testing.T) {
		drv := newDriver(t)
		table := CreateActiveTable(ctx, t, drv)
		lock := item("lock", "ledger", map[string]string{"owner": "a"})

		require.NoError(t, drv.PutItem(ctx, table, lock, driver.Condition{MustNotExist: true}))

		err := drv.PutItem(ctx, table, item("lock", "ledger", map[string]string{"owner": "b"}), driver.Condition{MustNotExist: true})
		assert.ErrorIs(t, err, driver.ErrConditionFailed)

		err = drv.PutItem(ctx, table, item("lock", "ledger", map[string]string{"owner": "b"}), driver.Condition{MustMatch: map[string]string{"owner": "c"}})
		assert.ErrorIs(t, err, driver.ErrConditionFailed)

		require.NoError(t, drv.PutItem(ctx, table, item("lock", "ledger", map[string]string{"owner": "b"}), driver.Condition{MustMatch: map[string]string{"owner": "a"}}))

		err = drv.DeleteItem(ctx, table, lock.Key, driver.Condition{MustMatch: map[string]string{"owner": "a"}})
		assert.ErrorIs(t, err, driver.ErrConditionFailed)

		require.NoError(t, drv.DeleteItem(ctx, table, lock.Key, driver.Condition{MustMatch: map[string]string{"owner": "b"}}))

		got, err := drv.GetItem(ctx, table, lock.Key)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("query order and limit", func(t *testing.T) {
		drv := newDriver(t)
		table := CreateActiveTable(ctx, t, drv)

		for _, name := range []string{"002-add-row", "001-create-table", "003-add-index"} {
			require.NoError(t, drv.PutItem(ctx, table, item("migration", name, map[string]string{"name": name}), driver.Condition{}))
		}
		require.NoError(t, drv.PutItem(ctx, table, item("lock", "ledger", map[string]string{"owner": "x"}), driver.Condition{}))

		names := func(items []driver.Item) []string {
			out := make([]string, 0, len(items))
			for _, i := range items {
				out = append(out, i.Sort)
			}
			return out
		}

		items, err := drv.Query(ctx, table, "migration", driver.QueryOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"001-create-table", "002-add-row", "003-add-index"}, names(items))

		items, err = drv.Query(ctx, table, "migration", driver.QueryOptions{Descending: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"003-add-index", "002-add-row", "001-create-table"}, names(items))

		items, err = drv.Query(ctx, table, "migration", driver.QueryOptions{Descending: true, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"003-add-index"}, names(items))
		assert.Equal(t, map[string]string{"name": "003-add-index"}, items[0].Attributes)

		items, err = drv.Query(ctx, table, "nothing-here", driver.QueryOptions{})
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}
