// Package ledger keeps the record of applied change units in a store table.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/root-talis/dynamig/driver"
	"github.com/root-talis/dynamig/migration"
)

const (
	PartitionKey = "kind"
	SortKey      = "name"

	migrationKind = "migration"

	attrName      = "name"
	attrAppliedAt = "appliedAt"
)

const (
	DefaultTableName    = "migrations"
	DefaultPollInterval = time.Second
	DefaultPollAttempts = 60
)

var errNotActive = errors.New("table is not active yet")

type BootstrapResult uint8

const (
	TableCreated BootstrapResult = iota + 1
	TableAlreadyExists
)

func (r BootstrapResult) String() string {
	switch r {
	case TableCreated:
		return "table created"
	case TableAlreadyExists:
		return "table already exists"
	default:
		return "unknown"
	}
}

type Config struct {
	TableName    string
	Capacity     driver.Capacity
	PollInterval time.Duration
	PollAttempts uint64
}

func DefaultConfig() Config {
	return Config{
		TableName:    DefaultTableName,
		Capacity:     driver.Capacity{ReadUnits: 1, WriteUnits: 1},
		PollInterval: DefaultPollInterval,
		PollAttempts: DefaultPollAttempts,
	}
}

type Option func(l *Ledger)

func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) {
		l.log = log
	}
}

// WithClock replaces time.Now for appliedAt stamps and lock expiry.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

type Ledger struct {
	drv    driver.Driver
	table  driver.Table
	config Config
	log    *zap.Logger
	now    func() time.Time
}

func New(drv driver.Driver, config Config, opts ...Option) *Ledger {
	l := &Ledger{
		drv: drv,
		table: driver.Table{
			Name:         config.TableName,
			PartitionKey: PartitionKey,
			SortKey:      SortKey,
		},
		config: config,
		log:    zap.NewNop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Ledger) TableName() string {
	return l.table.Name
}

// EnsureTable creates the ledger table when it is missing and waits until it is active.
func (l *Ledger) EnsureTable(ctx context.Context) (BootstrapResult, error) {
	result := TableAlreadyExists
	log := l.log.With(zap.String("table", l.table.Name))

	_, err := l.drv.DescribeTable(ctx, l.table.Name)

	switch {
	case errors.Is(err, driver.ErrTableNotFound):
		err = l.drv.CreateTable(ctx, l.table, l.config.Capacity)

		switch {
		case err == nil:
			result = TableCreated
			log.Info("Created ledger table")
		case errors.Is(err, driver.ErrTableExists):
			log.Debug("Ledger table was created concurrently")
		default:
			return 0, fmt.Errorf("%w: failed to create table %s: %w", migration.ErrBootstrapFailed, l.table.Name, err)
		}

	case err != nil:
		return 0, fmt.Errorf("%w: failed to describe table %s: %w", migration.ErrBootstrapFailed, l.table.Name, err)
	}

	if err := l.waitActive(ctx, log); err != nil {
		return 0, fmt.Errorf("%w: %w", migration.ErrBootstrapFailed, err)
	}

	return result, nil
}

func (l *Ledger) waitActive(ctx context.Context, log *zap.Logger) error {
	attempts := l.config.PollAttempts
	if attempts == 0 {
		attempts = 1
	}

	attempt := 0
	operation := func() error {
		attempt++

		status, err := l.drv.DescribeTable(ctx, l.table.Name)

		switch {
		case errors.Is(err, driver.ErrTableNotFound):
			log.Debug("Ledger table not visible yet", zap.Int("attempt", attempt))
			return err
		case err != nil:
			return backoff.Permanent(err)
		case status != driver.TableActive:
			log.Debug("Waiting for ledger table", zap.Int("attempt", attempt), zap.Stringer("status", status))
			return fmt.Errorf("%w: %s", errNotActive, status)
		}

		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.config.PollInterval), attempts-1),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("table %s is not active after %d attempts: %w", l.table.Name, attempt, err)
	}

	return nil
}

// Has reports whether name is recorded as applied.
func (l *Ledger) Has(ctx context.Context, name string) (bool, error) {
	item, err := l.drv.GetItem(ctx, l.table, migrationKey(name))
	if err != nil {
		return false, fmt.Errorf("%w: %w", migration.ErrLedgerUnavailable, err)
	}
	return item != nil, nil
}

// MostRecent returns the recorded name with the highest ordinal, or "" for an empty ledger.
// Names sort as strings in the table, so "999-a" comes after "1000-b" there and the whole
// partition is read to compare ordinals. Entries with unparseable names are skipped.
func (l *Ledger) MostRecent(ctx context.Context) (string, error) {
	items, err := l.drv.Query(ctx, l.table, migrationKind, driver.QueryOptions{Descending: true})
	if err != nil {
		return "", fmt.Errorf("%w: %w", migration.ErrLedgerUnavailable, err)
	}

	var (
		recent  string
		highest migration.Ordinal
	)

	for _, item := range items {
		ordinal, _, err := migration.ParseName(item.Sort)
		if err != nil {
			l.log.Warn("Skipping ledger entry with an invalid name", zap.String("migration_name", item.Sort), zap.Error(err))
			continue
		}

		if ordinal > highest {
			recent, highest = item.Sort, ordinal
		}
	}

	return recent, nil
}

// Record stores name as applied now, overwriting any previous entry.
func (l *Ledger) Record(ctx context.Context, name string) error {
	item := driver.Item{
		Key: migrationKey(name),
		Attributes: map[string]string{
			attrName:      name,
			attrAppliedAt: l.now().UTC().Format(time.RFC3339Nano),
		},
	}

	if err := l.drv.PutItem(ctx, l.table, item, driver.Condition{}); err != nil {
		return fmt.Errorf("%w: failed to record %s: %w", migration.ErrLedgerUnavailable, name, err)
	}

	return nil
}

// Erase removes name from the ledger. A missing entry is not an error.
func (l *Ledger) Erase(ctx context.Context, name string) error {
	if err := l.drv.DeleteItem(ctx, l.table, migrationKey(name), driver.Condition{}); err != nil {
		return fmt.Errorf("%w: failed to erase %s: %w", migration.ErrLedgerUnavailable, name, err)
	}
	return nil
}

// List returns every entry, most recent first.
func (l *Ledger) List(ctx context.Context) ([]migration.Entry, error) {
	items, err := l.drv.Query(ctx, l.table, migrationKind, driver.QueryOptions{Descending: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", migration.ErrLedgerUnavailable, err)
	}

	entries := make([]migration.Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, decodeEntry(item))
	}

	return entries, nil
}

// ---

func migrationKey(name string) driver.Key {
	return driver.Key{Partition: migrationKind, Sort: name}
}

func decodeEntry(item driver.Item) migration.Entry {
	name := item.Attributes[attrName]
	if name == "" {
		name = item.Sort
	}

	return migration.Entry{
		Name:      name,
		AppliedAt: parseTime(item.Attributes[attrAppliedAt]),
	}
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
