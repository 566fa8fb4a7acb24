package dynamig_test

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/root-talis/dynamig"
	"github.com/root-talis/dynamig/driver"
	"github.com/root-talis/dynamig/driver/memory"
	"github.com/root-talis/dynamig/ledger"
	"github.com/root-talis/dynamig/migration"
	"github.com/root-talis/dynamig/source/files"
	"github.com/root-talis/dynamig/source/registry"
)

var errAny = errors.New("test error")

// -- testing doubles ----------

// calls counts action invocations per unit and direction.
type calls struct {
	mu    sync.Mutex
	count map[string]int
}

func newCalls() *calls {
	return &calls{count: map[string]int{}}
}

func (c *calls) action(name string, dir migration.Direction, fail *bool) migration.Action {
	return func(_ context.Context, done migration.Done) {
		c.mu.Lock()
		c.count[name+"/"+dir.String()]++
		c.mu.Unlock()

		if fail != nil && *fail {
			done(errAny)
			return
		}
		done(nil)
	}
}

func (c *calls) of(name string, dir migration.Direction) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[name+"/"+dir.String()]
}

type outcomes struct {
	mu   sync.Mutex
	list []dynamig.Outcome
}

func (o *outcomes) Report(outcome dynamig.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, outcome)
}

func (o *outcomes) names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	result := make([]string, 0, len(o.list))
	for _, outcome := range o.list {
		result = append(result, outcome.Name+" "+outcome.Direction.String())
	}
	return result
}

type faultyDriver struct {
	driver.Driver
	createErr error
}

func (f *faultyDriver) CreateTable(ctx context.Context, table driver.Table, capacity driver.Capacity) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Driver.CreateTable(ctx, table, capacity)
}

type fixture struct {
	drv      *memory.Driver
	ledger   *ledger.Ledger
	registry *registry.Registry
	calls    *calls
	outcomes *outcomes
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()

	config := ledger.DefaultConfig()
	config.PollInterval = time.Millisecond

	f := &fixture{
		drv:      memory.NewDriver(),
		registry: registry.New(),
		calls:    newCalls(),
		outcomes: &outcomes{},
	}
	f.ledger = ledger.New(f.drv, config, ledger.WithLogger(zaptest.NewLogger(t)))

	for _, name := range names {
		f.registry.MustRegister(name, f.calls.action(name, migration.Up, nil), f.calls.action(name, migration.Down, nil))
	}

	return f
}

func (f *fixture) migrator(t *testing.T, opts ...dynamig.Option) dynamig.Migrator {
	t.Helper()

	opts = append([]dynamig.Option{
		dynamig.WithLogger(zaptest.NewLogger(t)),
		dynamig.WithReporter(f.outcomes),
	}, opts...)

	return dynamig.New(f.registry, f.ledger, opts...)
}

func (f *fixture) applied(t *testing.T) []string {
	t.Helper()

	entries, err := f.ledger.List(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	return names
}

//
// -- Tests for Migrator.Up() and Migrator.Down() ------------
//

func TestCountriesScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	countries := driver.Table{Name: "countries", PartitionKey: "country", SortKey: "region"}

	f.registry.MustRegister("001-create-table",
		func(ctx context.Context, done migration.Done) {
			done(f.drv.CreateTable(ctx, countries, driver.Capacity{}))
		},
		func(_ context.Context, done migration.Done) {
			done(nil)
		},
	)
	f.registry.MustRegister("002-add-row",
		func(ctx context.Context, done migration.Done) {
			go func() {
				done(f.drv.PutItem(ctx, countries, driver.Item{
					Key:        driver.Key{Partition: "Canada", Sort: "NA"},
					Attributes: map[string]string{"capital": "Ottawa"},
				}, driver.Condition{}))
			}()
		},
		func(ctx context.Context, done migration.Done) {
			done(f.drv.DeleteItem(ctx, countries, driver.Key{Partition: "Canada", Sort: "NA"}, driver.Condition{}))
		},
	)

	m := f.migrator(t)

	require.NoError(t, m.Up(ctx, "", true))
	assert.Equal(t, []string{"002-add-row", "001-create-table"}, f.applied(t))
	assert.Equal(t, []string{"001-create-table up", "002-add-row up"}, f.outcomes.names())

	item, err := f.drv.GetItem(ctx, countries, driver.Key{Partition: "Canada", Sort: "NA"})
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "Ottawa", item.Attributes["capital"])

	require.NoError(t, m.Down(ctx, "002-add-row"))
	assert.Equal(t, []string{"001-create-table"}, f.applied(t))

	item, err = f.drv.GetItem(ctx, countries, driver.Key{Partition: "Canada", Sort: "NA"})
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestUpRunsInOrdinalOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "10-ten", "9-nine", "011-eleven")
	m := f.migrator(t)

	require.NoError(t, m.Up(context.Background(), "", true))
	assert.Equal(t, []string{"9-nine up", "10-ten up", "011-eleven up"}, f.outcomes.names())
}

func TestUpResumesAfterFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "001-a", "003-c")

	fail := true
	f.registry.MustRegister("002-b", f.calls.action("002-b", migration.Up, &fail), f.calls.action("002-b", migration.Down, nil))

	m := f.migrator(t)

	err := m.Up(ctx, "", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, migration.ErrActionFailed)
	assert.ErrorIs(t, err, errAny)

	var unitErr *migration.UnitError
	require.ErrorAs(t, err, &unitErr)
	assert.Equal(t, "002-b", unitErr.Name)
	assert.Equal(t, migration.Up, unitErr.Direction)

	assert.Equal(t, []string{"001-a"}, f.applied(t), "partial progress stays recorded")
	assert.Equal(t, 0, f.calls.of("003-c", migration.Up))

	fail = false
	require.NoError(t, m.Up(ctx, "", true))

	assert.Equal(t, []string{"003-c", "002-b", "001-a"}, f.applied(t))
	assert.Equal(t, 1, f.calls.of("001-a", migration.Up))
	assert.Equal(t, 2, f.calls.of("002-b", migration.Up))
	assert.Equal(t, 1, f.calls.of("003-c", migration.Up))

	outcomes := f.outcomes.names()
	assert.Equal(t, []string{"001-a up", "002-b up", "002-b up", "003-c up"}, outcomes)
}

func TestUpResumesFromMostRecentEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "001-a", "002-b", "003-c")

	_, err := f.ledger.EnsureTable(ctx)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Record(ctx, "002-b"))

	require.NoError(t, f.migrator(t).Up(ctx, "", false))

	assert.Equal(t, 0, f.calls.of("001-a", migration.Up), "units before the most recent entry are not revisited")
	assert.Equal(t, 1, f.calls.of("003-c", migration.Up))
}

func TestUpResumesAcrossOrdinalWidths(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "999-a", "1000-b")
	m := f.migrator(t)

	require.NoError(t, m.Up(ctx, "", true))
	require.NoError(t, m.Up(ctx, "", true), "second run is a no-op")

	f.registry.MustRegister("1001-c", f.calls.action("1001-c", migration.Up, nil), f.calls.action("1001-c", migration.Down, nil))
	require.NoError(t, m.Up(ctx, "", true))

	assert.Equal(t, 1, f.calls.of("999-a", migration.Up))
	assert.Equal(t, 1, f.calls.of("1000-b", migration.Up))
	assert.Equal(t, 1, f.calls.of("1001-c", migration.Up))
}

func TestUpIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "001-a", "002-b")
	m := f.migrator(t)

	require.NoError(t, m.Up(ctx, "", true))
	require.NoError(t, m.Up(ctx, "", true))

	assert.Equal(t, 1, f.calls.of("001-a", migration.Up))
	assert.Equal(t, 1, f.calls.of("002-b", migration.Up))
	assert.Equal(t, []string{"002-b", "001-a"}, f.applied(t))
}

var targetedRunTestTable = []struct { // nolint:gochecknoglobals
	name        string
	applied     []string
	up          string
	down        string
	expectError error
	expectCalls int
	expectAfter []string
}{
	/* s0 */ {name: "test s0: up a single pending unit", up: "002-b", expectCalls: 1, expectAfter: []string{"002-b"}},
	/* s1 */ {name: "test s1: down an applied unit", applied: []string{"001-a", "002-b"}, down: "001-a", expectCalls: 1, expectAfter: []string{"002-b"}},

	/* e0 */ {name: "test e0: up an applied unit", applied: []string{"002-b"}, up: "002-b", expectError: migration.ErrAlreadyApplied, expectAfter: []string{"002-b"}},
	/* e1 */ {name: "test e1: down a pending unit", applied: []string{"001-a"}, down: "002-b", expectError: migration.ErrNotApplied, expectAfter: []string{"001-a"}},
	/* e2 */ {name: "test e2: up an unknown unit", up: "009-nope", expectError: migration.ErrNotFound, expectAfter: []string{}},
	/* e3 */ {name: "test e3: down an unknown applied unit", applied: []string{"009-nope"}, down: "009-nope", expectError: migration.ErrNotFound, expectAfter: []string{"009-nope"}},
	/* e4 */ {name: "test e4: down without a target", expectError: migration.ErrTargetRequired, expectAfter: []string{}},
}

func TestTargetedRuns(t *testing.T) {
	t.Parallel()

	for _, test := range targetedRunTestTable {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			f := newFixture(t, "001-a", "002-b")

			_, err := f.ledger.EnsureTable(ctx)
			require.NoError(t, err)

			for _, name := range test.applied {
				require.NoError(t, f.ledger.Record(ctx, name))
			}

			m := f.migrator(t)

			var name string
			var dir migration.Direction
			if test.up != "" {
				name, dir = test.up, migration.Up
				err = m.Up(ctx, test.up, false)
			} else {
				name, dir = test.down, migration.Down
				err = m.Down(ctx, test.down)
			}

			if test.expectError != nil {
				assert.ErrorIs(t, err, test.expectError)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, test.expectCalls, f.calls.of(name, dir))
			assert.ElementsMatch(t, test.expectAfter, f.applied(t))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "001-a")
	m := f.migrator(t)

	require.NoError(t, m.Up(ctx, "001-a", true))
	require.NoError(t, m.Down(ctx, "001-a"))
	assert.Empty(t, f.applied(t))

	require.NoError(t, m.Up(ctx, "001-a", true))
	assert.Equal(t, []string{"001-a"}, f.applied(t))
	assert.Equal(t, 2, f.calls.of("001-a", migration.Up))
	assert.Equal(t, 1, f.calls.of("001-a", migration.Down))
}

func TestFailedDownKeepsEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	fail := true
	f.registry.MustRegister("001-a", f.calls.action("001-a", migration.Up, nil), f.calls.action("001-a", migration.Down, &fail))

	m := f.migrator(t)
	require.NoError(t, m.Up(ctx, "", true))

	err := m.Down(ctx, "001-a")
	assert.ErrorIs(t, err, migration.ErrActionFailed)
	assert.Contains(t, err.Error(), "down: 001-a (down)")
	assert.Equal(t, []string{"001-a"}, f.applied(t))
}

func TestBootstrapFailureRunsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "001-a")

	l := ledger.New(&faultyDriver{Driver: f.drv, createErr: errAny}, ledger.DefaultConfig())
	m := dynamig.New(f.registry, l, dynamig.WithLogger(zaptest.NewLogger(t)))

	err := m.Up(ctx, "", true)
	assert.ErrorIs(t, err, migration.ErrBootstrapFailed)
	assert.Equal(t, 0, f.calls.of("001-a", migration.Up))
}

func TestUpWithoutBootstrapOnMissingTable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "001-a")

	err := f.migrator(t, dynamig.WithLock(0)).Up(context.Background(), "", false)
	assert.ErrorIs(t, err, migration.ErrLedgerUnavailable)
	assert.Equal(t, 0, f.calls.of("001-a", migration.Up))
}

func TestLockedLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "001-a")

	_, err := f.ledger.EnsureTable(ctx)
	require.NoError(t, err)

	other, err := f.ledger.Acquire(ctx, time.Hour)
	require.NoError(t, err)

	err = f.migrator(t).Up(ctx, "", true)
	assert.ErrorIs(t, err, migration.ErrLedgerLocked)
	assert.Equal(t, 0, f.calls.of("001-a", migration.Up))

	require.NoError(t, f.migrator(t, dynamig.WithLock(0)).Up(ctx, "", true), "locking can be disabled")

	require.NoError(t, other.Release(ctx))
	require.NoError(t, f.migrator(t).Down(ctx, "001-a"))

	_, err = f.ledger.Acquire(ctx, time.Minute)
	assert.NoError(t, err, "runs release the lock")
}

func TestLockTakenOverDuringRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "001-a")

	table := driver.Table{Name: f.ledger.TableName(), PartitionKey: ledger.PartitionKey, SortKey: ledger.SortKey}
	takeOver := func(ctx context.Context, done migration.Done) {
		done(f.drv.PutItem(ctx, table, driver.Item{
			Key:        driver.Key{Partition: "lock", Sort: "ledger"},
			Attributes: map[string]string{"owner": "someone-else", "expiresAt": time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)},
		}, driver.Condition{}))
	}
	f.registry.MustRegister("002-slow", takeOver, takeOver)

	require.NoError(t, f.migrator(t).Up(ctx, "", true), "a lost lock does not fail a finished run")
	assert.Equal(t, []string{"002-slow", "001-a"}, f.applied(t))

	_, err := f.ledger.Acquire(ctx, time.Minute)
	assert.ErrorIs(t, err, migration.ErrLedgerLocked, "the new holder keeps its lock")
}

func TestCancelledAction(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registry.MustRegister("001-hangs",
		func(context.Context, migration.Done) {},
		func(_ context.Context, done migration.Done) { done(nil) },
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.migrator(t).Up(ctx, "", true)
	assert.ErrorIs(t, err, migration.ErrActionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.applied(t))

	_, err = f.ledger.Acquire(context.Background(), time.Minute)
	assert.NoError(t, err, "the lock is released even though the run was cancelled")
}

//
// -- Tests for Migrator.List(), Migrator.Status() and Migrator.Create() ------------
//

func TestListOnMissingTable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	entries, err := f.migrator(t).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "001-a", "002-b", "003-c")
	m := f.migrator(t)

	result, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(3), result.PendingCount, "a missing table means everything is pending")

	require.NoError(t, m.Up(ctx, "002-b", true))
	require.NoError(t, f.ledger.Record(ctx, "004-gone"))

	result, err = m.Status(ctx)
	require.NoError(t, err)

	statuses := map[string]migration.Status{}
	names := make([]string, 0, len(result.Units))
	for _, state := range result.Units {
		statuses[state.Name] = state.Status
		names = append(names, state.Name)
	}

	assert.Equal(t, []string{"001-a", "002-b", "003-c", "004-gone"}, names)
	assert.Equal(t, map[string]migration.Status{
		"001-a":    migration.Pending,
		"002-b":    migration.Applied,
		"003-c":    migration.Pending,
		"004-gone": migration.Missing,
	}, statuses)
	assert.Equal(t, uint(1), result.AppliedCount)
	assert.Equal(t, uint(2), result.PendingCount)
	assert.Equal(t, uint(1), result.MissingCount)
	assert.False(t, result.Units[1].AppliedAt.IsZero())
}

func TestCreate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	written := map[string]string{}
	src, err := files.NewFilesSource(fstest.MapFS{
		"migrations":                     {Mode: fs.ModeDir},
		"migrations/001-create-table.go": {},
		"migrations/002-add-row.go":      {},
		"migrations/002-add-row_test.go": {},
		"migrations/README.md":           {},
	}, "migrations", f.registry, files.WithStubWriter(func(name string, content []byte) error {
		written[name] = string(content)
		return nil
	}))
	require.NoError(t, err)

	m := dynamig.New(src, f.ledger, dynamig.WithLogger(zaptest.NewLogger(t)))

	name, err := m.Create("add  country index")
	require.NoError(t, err)
	assert.Equal(t, "003-add-country-index", name)
	assert.Contains(t, written, "migrations/003-add-country-index.go")

	_, err = f.migrator(t).Create("anything")
	assert.ErrorIs(t, err, migration.ErrScaffoldUnsupported)
}
