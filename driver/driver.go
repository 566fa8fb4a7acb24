package driver

import (
	"context"
	"errors"
)

// Driver is the store adapter the ledger is built on. It has no knowledge of migrations.
type Driver interface {
	DescribeTable(ctx context.Context, name string) (TableStatus, error)
	CreateTable(ctx context.Context, table Table, capacity Capacity) error
	GetItem(ctx context.Context, table Table, key Key) (*Item, error)
	PutItem(ctx context.Context, table Table, item Item, cond Condition) error
	DeleteItem(ctx context.Context, table Table, key Key, cond Condition) error
	Query(ctx context.Context, table Table, partition string, opts QueryOptions) ([]Item, error)
}

var (
	ErrTableNotFound   = errors.New("table does not exist")
	ErrTableExists     = errors.New("table already exists")
	ErrConditionFailed = errors.New("conditional write failed")
)

// ---

// Table names a table and its composite key attributes.
type Table struct {
	Name         string
	PartitionKey string
	SortKey      string
}

// Capacity is the throughput profile of a new table. The zero value means on-demand.
type Capacity struct {
	ReadUnits  int64
	WriteUnits int64
}

func (c Capacity) OnDemand() bool {
	return c.ReadUnits == 0 && c.WriteUnits == 0
}

type TableStatus uint

const (
	TableUnknown TableStatus = iota
	TableCreating
	TableActive
	TableUpdating
	TableDeleting
)

func (s TableStatus) String() string {
	switch s {
	case TableCreating:
		return "creating"
	case TableActive:
		return "active"
	case TableUpdating:
		return "updating"
	case TableDeleting:
		return "deleting"
	default:
		return "unknown"
	}
}

// ---

type Key struct {
	Partition string
	Sort      string
}

// Item is a stored row. Attributes never contain the key attributes.
type Item struct {
	Key
	Attributes map[string]string
}

// Condition guards a write. The zero value writes unconditionally.
type Condition struct {
	// MustNotExist fails the write if an item with the same key exists.
	MustNotExist bool
	// MustMatch fails the write unless the existing item has all these attribute values.
	MustMatch map[string]string
}

func (c Condition) IsZero() bool {
	return !c.MustNotExist && len(c.MustMatch) == 0
}

// Matches reports whether an existing item (nil if absent) satisfies the condition.
func (c Condition) Matches(existing *Item) bool {
	if c.MustNotExist && existing != nil {
		return false
	}

	if len(c.MustMatch) == 0 {
		return true
	}

	if existing == nil {
		return false
	}

	for name, value := range c.MustMatch {
		if actual, ok := existing.Attributes[name]; !ok || actual != value {
			return false
		}
	}

	return true
}

type QueryOptions struct {
	// Descending sorts by sort key, highest first.
	Descending bool
	// Limit caps the number of items; zero means no limit.
	Limit int
}
