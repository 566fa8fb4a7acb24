package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/root-talis/dynamig/driver"
	"github.com/root-talis/dynamig/migration"
)

const (
	lockKind = "lock"
	lockName = "ledger"

	attrOwner      = "owner"
	attrAcquiredAt = "acquiredAt"
	attrExpiresAt  = "expiresAt"
)

// DefaultLockTTL bounds how long a crashed run can block others. The lock is not
// renewed: a run outlasting its TTL can be taken over by another process.
const DefaultLockTTL = 15 * time.Minute

var lockKey = driver.Key{Partition: lockKind, Sort: lockName} // nolint:gochecknoglobals

// Lock is an acquired ledger lock.
type Lock struct {
	ledger    *Ledger
	owner     string
	expiresAt time.Time
}

func (lk *Lock) Owner() string {
	return lk.owner
}

func (lk *Lock) ExpiresAt() time.Time {
	return lk.expiresAt
}

// Acquire takes the ledger lock for ttl. A live lock held by another owner fails
// with migration.ErrLedgerLocked; an expired one is taken over.
func (l *Ledger) Acquire(ctx context.Context, ttl time.Duration) (*Lock, error) {
	now := l.now().UTC()
	lk := &Lock{
		ledger:    l,
		owner:     uuid.NewString(),
		expiresAt: now.Add(ttl),
	}

	item := driver.Item{
		Key: lockKey,
		Attributes: map[string]string{
			attrOwner:      lk.owner,
			attrAcquiredAt: now.Format(time.RFC3339Nano),
			attrExpiresAt:  lk.expiresAt.Format(time.RFC3339Nano),
		},
	}

	err := l.drv.PutItem(ctx, l.table, item, driver.Condition{MustNotExist: true})
	if err == nil {
		l.log.Debug("Acquired ledger lock", zap.String("owner", lk.owner), zap.Time("expires_at", lk.expiresAt))
		return lk, nil
	}

	if !errors.Is(err, driver.ErrConditionFailed) {
		return nil, fmt.Errorf("%w: failed to acquire lock: %w", migration.ErrLedgerUnavailable, err)
	}

	held, err := l.drv.GetItem(ctx, l.table, lockKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read lock: %w", migration.ErrLedgerUnavailable, err)
	}

	cond := driver.Condition{MustNotExist: true}
	if held != nil {
		holder := held.Attributes[attrOwner]
		expiresAt := parseTime(held.Attributes[attrExpiresAt])

		if now.Before(expiresAt) {
			return nil, fmt.Errorf("%w: held by %s until %s", migration.ErrLedgerLocked, holder, expiresAt.Format(time.RFC3339))
		}

		l.log.Warn("Taking over expired ledger lock", zap.String("previous_owner", holder), zap.Time("expired_at", expiresAt))
		cond = driver.Condition{MustMatch: map[string]string{attrOwner: holder}}
	}

	err = l.drv.PutItem(ctx, l.table, item, cond)

	switch {
	case errors.Is(err, driver.ErrConditionFailed):
		return nil, fmt.Errorf("%w: lost the race for the lock", migration.ErrLedgerLocked)
	case err != nil:
		return nil, fmt.Errorf("%w: failed to acquire lock: %w", migration.ErrLedgerUnavailable, err)
	}

	l.log.Debug("Acquired ledger lock", zap.String("owner", lk.owner), zap.Time("expires_at", lk.expiresAt))

	return lk, nil
}

// Release drops the lock if it is still ours.
func (lk *Lock) Release(ctx context.Context) error {
	l := lk.ledger

	err := l.drv.DeleteItem(ctx, l.table, lockKey, driver.Condition{MustMatch: map[string]string{attrOwner: lk.owner}})

	switch {
	case errors.Is(err, driver.ErrConditionFailed):
		return fmt.Errorf("%w: lock of %s was taken over", migration.ErrLedgerLocked, lk.owner)
	case err != nil:
		return fmt.Errorf("%w: failed to release lock: %w", migration.ErrLedgerUnavailable, err)
	}

	l.log.Debug("Released ledger lock", zap.String("owner", lk.owner))

	return nil
}
