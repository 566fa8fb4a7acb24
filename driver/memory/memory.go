package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/root-talis/dynamig/driver"
)

type table struct {
	schema        driver.Table
	pendingPolls  int
	partitions    map[string]map[string]map[string]string
	describeCalls int
}

// Driver is a thread-safe in-process store, useful for tests and dry runs.
type Driver struct {
	mu              sync.RWMutex
	tables          map[string]*table
	activationDelay int
}

type Option func(*Driver)

// WithActivationDelay keeps newly created tables in the creating state for n describe calls.
func WithActivationDelay(n int) Option {
	return func(d *Driver) {
		d.activationDelay = n
	}
}

func NewDriver(opts ...Option) *Driver {
	drv := &Driver{tables: make(map[string]*table)}
	for _, opt := range opts {
		opt(drv)
	}
	return drv
}

var _ driver.Driver = (*Driver)(nil)

func (d *Driver) DescribeTable(_ context.Context, name string) (driver.TableStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tbl, ok := d.tables[name]
	if !ok {
		return driver.TableUnknown, fmt.Errorf("memory: describe %s: %w", name, driver.ErrTableNotFound)
	}

	tbl.describeCalls++
	if tbl.pendingPolls > 0 {
		tbl.pendingPolls--
		return driver.TableCreating, nil
	}

	return driver.TableActive, nil
}

func (d *Driver) CreateTable(_ context.Context, schema driver.Table, _ driver.Capacity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.tables[schema.Name]; ok {
		return fmt.Errorf("memory: create %s: %w", schema.Name, driver.ErrTableExists)
	}

	d.tables[schema.Name] = &table{
		schema:       schema,
		pendingPolls: d.activationDelay,
		partitions:   make(map[string]map[string]map[string]string),
	}

	return nil
}

// DescribeCalls returns how many times a table has been described since it was created.
func (d *Driver) DescribeCalls(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if tbl, ok := d.tables[name]; ok {
		return tbl.describeCalls
	}
	return 0
}

func (d *Driver) GetItem(_ context.Context, schema driver.Table, key driver.Key) (*driver.Item, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tbl, err := d.lookup(schema.Name)
	if err != nil {
		return nil, err
	}

	return tbl.get(key), nil
}

func (d *Driver) PutItem(_ context.Context, schema driver.Table, item driver.Item, cond driver.Condition) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tbl, err := d.lookup(schema.Name)
	if err != nil {
		return err
	}

	if !cond.Matches(tbl.get(item.Key)) {
		return fmt.Errorf("memory: put %s/%s: %w", item.Partition, item.Sort, driver.ErrConditionFailed)
	}

	partition, ok := tbl.partitions[item.Partition]
	if !ok {
		partition = make(map[string]map[string]string)
		tbl.partitions[item.Partition] = partition
	}
	partition[item.Sort] = copyAttributes(item.Attributes)

	return nil
}

func (d *Driver) DeleteItem(_ context.Context, schema driver.Table, key driver.Key, cond driver.Condition) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tbl, err := d.lookup(schema.Name)
	if err != nil {
		return err
	}

	existing := tbl.get(key)
	if !cond.Matches(existing) {
		return fmt.Errorf("memory: delete %s/%s: %w", key.Partition, key.Sort, driver.ErrConditionFailed)
	}

	if existing != nil {
		delete(tbl.partitions[key.Partition], key.Sort)
	}

	return nil
}

func (d *Driver) Query(_ context.Context, schema driver.Table, partition string, opts driver.QueryOptions) ([]driver.Item, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tbl, err := d.lookup(schema.Name)
	if err != nil {
		return nil, err
	}

	rows := tbl.partitions[partition]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}

	if opts.Descending {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	} else {
		sort.Strings(keys)
	}

	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	result := make([]driver.Item, 0, len(keys))
	for _, k := range keys {
		result = append(result, driver.Item{
			Key:        driver.Key{Partition: partition, Sort: k},
			Attributes: copyAttributes(rows[k]),
		})
	}

	return result, nil
}

func (d *Driver) lookup(name string) (*table, error) {
	tbl, ok := d.tables[name]
	if !ok {
		return nil, fmt.Errorf("memory: table %s: %w", name, driver.ErrTableNotFound)
	}
	return tbl, nil
}

func (t *table) get(key driver.Key) *driver.Item {
	attrs, ok := t.partitions[key.Partition][key.Sort]
	if !ok {
		return nil
	}

	return &driver.Item{Key: key, Attributes: copyAttributes(attrs)}
}

func copyAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
