// Package dynamig applies and reverts ordered change units against a store,
// keeping a ledger of what has been applied in a table of that store.
package dynamig

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/root-talis/dynamig/driver"
	"github.com/root-talis/dynamig/ledger"
	"github.com/root-talis/dynamig/migration"
	"github.com/root-talis/dynamig/source"
)

// ---

type Migrator interface {
	// Up applies target, or every unit after the most recent ledger entry when target is empty.
	Up(ctx context.Context, target string, bootstrap bool) error
	// Down reverts exactly target.
	Down(ctx context.Context, target string) error
	// List returns applied units, most recent first.
	List(ctx context.Context) ([]migration.Entry, error)
	Status(ctx context.Context) (*StatusResult, error)
	// Create scaffolds a new unit and returns its name.
	Create(title string) (string, error)
}

type StatusResult struct {
	Units        []migration.State
	AppliedCount uint
	PendingCount uint
	MissingCount uint
}

// Outcome describes one finished unit run.
type Outcome struct {
	Name      string
	Direction migration.Direction
	Err       error
	Duration  time.Duration
}

type Reporter interface {
	Report(outcome Outcome)
}

type ReporterFunc func(outcome Outcome)

func (f ReporterFunc) Report(outcome Outcome) {
	f(outcome)
}

type Option func(m *migrator)

func WithLogger(log *zap.Logger) Option {
	return func(m *migrator) {
		m.log = log
	}
}

func WithReporter(reporter Reporter) Option {
	return func(m *migrator) {
		m.reporter = reporter
	}
}

// WithLock sets the ledger lock TTL. Zero disables locking.
func WithLock(ttl time.Duration) Option {
	return func(m *migrator) {
		m.lockTTL = ttl
	}
}

// ---

type migrator struct {
	source   source.Source
	ledger   *ledger.Ledger
	log      *zap.Logger
	reporter Reporter
	lockTTL  time.Duration
}

// ---

func New(src source.Source, l *ledger.Ledger, opts ...Option) Migrator {
	m := &migrator{
		source:   src,
		ledger:   l,
		log:      zap.NewNop(),
		reporter: ReporterFunc(func(Outcome) {}),
		lockTTL:  ledger.DefaultLockTTL,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// ---

func (m *migrator) Up(ctx context.Context, target string, bootstrap bool) error {
	if bootstrap {
		result, err := m.ledger.EnsureTable(ctx)
		if err != nil {
			return fmt.Errorf("up: %w", err)
		}
		m.log.Debug("Ledger ready", zap.String("table", m.ledger.TableName()), zap.Stringer("result", result))
	}

	err := m.withLock(ctx, func() error {
		names, err := m.workingSet(ctx, target)
		if err != nil {
			return err
		}

		if len(names) == 0 {
			m.log.Info("Nothing to apply")
			return nil
		}

		m.log.Info("Applying change units", zap.Int("count", len(names)))

		for _, name := range names {
			if err := m.run(ctx, name, migration.Up); err != nil {
				return err
			}
		}

		m.log.Info("Applied change units", zap.Int("count", len(names)))

		return nil
	})
	if err != nil {
		return fmt.Errorf("up: %w", err)
	}

	return nil
}

func (m *migrator) Down(ctx context.Context, target string) error {
	if target == "" {
		return fmt.Errorf("down: %w", migration.ErrTargetRequired)
	}

	err := m.withLock(ctx, func() error {
		if err := m.run(ctx, target, migration.Down); err != nil {
			return err
		}

		m.log.Info("Reverted change unit", zap.String("migration_name", target))

		return nil
	})
	if err != nil {
		return fmt.Errorf("down: %w", err)
	}

	return nil
}

func (m *migrator) List(ctx context.Context) ([]migration.Entry, error) {
	entries, err := m.ledger.List(ctx)

	switch {
	case errors.Is(err, driver.ErrTableNotFound):
		return []migration.Entry{}, nil
	case err != nil:
		return nil, fmt.Errorf("list: %w", err)
	}

	return entries, nil
}

func (m *migrator) Status(ctx context.Context) (*StatusResult, error) {
	available, err := m.source.ListPending(0)
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of available units: %w", err)
	}

	entries, err := m.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of applied units: %w", err)
	}

	applied := make(map[string]migration.Entry, len(entries))
	for _, entry := range entries {
		applied[entry.Name] = entry
	}

	result := StatusResult{
		Units: make([]migration.State, 0, len(available)),
	}

	for _, name := range available {
		state := newState(name)

		if entry, ok := applied[name]; ok {
			state.Status = migration.Applied
			state.AppliedAt = entry.AppliedAt
			result.AppliedCount++
			delete(applied, name)
		} else {
			state.Status = migration.Pending
			result.PendingCount++
		}

		result.Units = append(result.Units, state)
	}

	for _, entry := range applied {
		state := newState(entry.Name)
		state.Status = migration.Missing
		state.AppliedAt = entry.AppliedAt

		result.Units = append(result.Units, state)
		result.MissingCount++
	}

	sort.Slice(result.Units, func(i, j int) bool {
		if result.Units[i].Ordinal != result.Units[j].Ordinal {
			return result.Units[i].Ordinal < result.Units[j].Ordinal
		}
		return result.Units[i].Name < result.Units[j].Name
	})

	return &result, nil
}

func (m *migrator) Create(title string) (string, error) {
	scaffolder, ok := m.source.(source.Scaffolder)
	if !ok {
		return "", fmt.Errorf("create: %w", migration.ErrScaffoldUnsupported)
	}

	next, err := m.source.NextOrdinal()
	if err != nil {
		return "", fmt.Errorf("create: %w", err)
	}

	name := migration.FormatName(next, title)

	if err := scaffolder.WriteStub(name); err != nil {
		return "", fmt.Errorf("create: %w", err)
	}

	m.log.Info("Created change unit", zap.String("migration_name", name))

	return name, nil
}

// ---

func (m *migrator) withLock(ctx context.Context, fn func() error) (err error) {
	if m.lockTTL <= 0 {
		return fn()
	}

	lock, err := m.ledger.Acquire(ctx, m.lockTTL)
	if err != nil {
		return err
	}

	defer func() {
		// a cancelled run still has to free the lock
		releaseErr := lock.Release(context.WithoutCancel(ctx))
		if releaseErr == nil {
			return
		}

		m.log.Warn("Failed to release ledger lock", zap.String("owner", lock.Owner()), zap.Error(releaseErr))

		// a lock taken over after its TTL leaves nothing to clean up, and the units are recorded
		if err == nil && !errors.Is(releaseErr, migration.ErrLedgerLocked) {
			err = releaseErr
		}
	}()

	return fn()
}

func (m *migrator) workingSet(ctx context.Context, target string) ([]string, error) {
	if target != "" {
		return []string{target}, nil
	}

	recent, err := m.ledger.MostRecent(ctx)
	if err != nil {
		return nil, err
	}

	var since migration.Ordinal
	if recent != "" {
		since, _, err = migration.ParseName(recent)
		if err != nil {
			return nil, fmt.Errorf("most recent ledger entry is unusable: %w", err)
		}
	}

	names, err := m.source.ListPending(since)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending units: %w", err)
	}

	return names, nil
}

func (m *migrator) run(ctx context.Context, name string, dir migration.Direction) (err error) {
	log := m.log.With(zap.String("migration_name", name), zap.Stringer("target_state", dir))
	started := time.Now()

	defer func() {
		outcome := Outcome{Name: name, Direction: dir, Err: err, Duration: time.Since(started)}
		m.reporter.Report(outcome)

		if err != nil {
			log.Error("Change unit failed", zap.String("migration_event", "failed"), zap.Error(err))
			err = &migration.UnitError{Name: name, Direction: dir, Err: err}
			return
		}

		log.Debug("Change unit finished", zap.String("migration_event", "done"), zap.Duration("duration", outcome.Duration))
	}()

	has, err := m.ledger.Has(ctx, name)
	if err != nil {
		return err
	}

	switch {
	case dir == migration.Up && has:
		return migration.ErrAlreadyApplied
	case dir == migration.Down && !has:
		return migration.ErrNotApplied
	}

	unit, err := m.source.Materialize(name)
	if err != nil {
		return err
	}

	log.Debug("Change unit started", zap.String("migration_event", "started"))

	if err := migration.Invoke(ctx, unit.Action(dir)); err != nil {
		return fmt.Errorf("%w: %w", migration.ErrActionFailed, err)
	}

	if dir == migration.Up {
		return m.ledger.Record(ctx, name)
	}

	return m.ledger.Erase(ctx, name)
}

func newState(name string) migration.State {
	ordinal, _, _ := migration.ParseName(name)
	return migration.State{Name: name, Ordinal: ordinal}
}
