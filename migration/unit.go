package migration

import (
	"context"
	"fmt"
	"sync"
)

// Done is the completion signal handed to an Action. nil means success.
type Done func(err error)

// Action mutates the target system in one direction and reports through done.
type Action func(ctx context.Context, done Done)

// Unit is a named change with forward and backward actions.
type Unit struct {
	Name    string
	Ordinal Ordinal
	Up      Action
	Down    Action
}

// Action returns the unit's action for the given direction.
func (u Unit) Action(dir Direction) Action {
	switch dir {
	case Up:
		return u.Up
	case Down:
		return u.Down
	default:
		return nil
	}
}

// Invoke runs action and blocks until it signals completion or ctx is done.
// Only the first signal counts; a panic inside the action is reported as an error.
func Invoke(ctx context.Context, action Action) error {
	if action == nil {
		return fmt.Errorf("%w: no action", ErrNotFound)
	}

	result := make(chan error, 1)

	var once sync.Once
	done := func(err error) {
		once.Do(func() {
			result <- err
		})
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done(fmt.Errorf("panic: %v", r))
			}
		}()

		action(ctx, done)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
