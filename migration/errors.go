package migration

import (
	"errors"
	"fmt"
)

var (
	ErrBootstrapFailed   = errors.New("ledger table could not be bootstrapped")
	ErrLedgerUnavailable = errors.New("ledger is unavailable")
	ErrLedgerLocked      = errors.New("ledger is locked by another run")
	ErrAlreadyApplied    = errors.New("already applied")
	ErrNotApplied        = errors.New("not applied")
	ErrActionFailed      = errors.New("action failed")
	ErrNotFound          = errors.New("change unit not found")
	ErrInvalidName       = errors.New("invalid change unit name")
	ErrTargetRequired    = errors.New("a change unit name is required")

	ErrScaffoldUnsupported = errors.New("source cannot scaffold change units")
)

// UnitError reports which change unit a run was processing when it failed.
type UnitError struct {
	Name      string
	Direction Direction
	Err       error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Name, e.Direction, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}
