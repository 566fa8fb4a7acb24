// Package registry keeps change units compiled into the binary.
//
// Unit files register themselves from init():
//
//	func init() {
//		registry.MustRegister("001-create-users", up, down)
//	}
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/root-talis/dynamig/migration"
	"github.com/root-talis/dynamig/source"
)

var (
	ErrNameDuplicated = errors.New("unit is already registered")
	ErrNoAction       = errors.New("unit must have both up and down actions")
)

// Default is the registry that generated unit files register into.
var Default = New() // nolint:gochecknoglobals

// MustRegister adds a unit to Default and panics on failure.
func MustRegister(name string, up, down migration.Action) {
	Default.MustRegister(name, up, down)
}

type Registry struct {
	mu    sync.RWMutex
	units map[string]migration.Unit
	index source.Index
}

func New() *Registry {
	return &Registry{
		units: make(map[string]migration.Unit),
		index: make(source.Index),
	}
}

func (r *Registry) Register(name string, up, down migration.Action) error {
	ordinal, _, err := migration.ParseName(name)
	if err != nil {
		return fmt.Errorf("failed to register unit: %w", err)
	}

	if up == nil || down == nil {
		return fmt.Errorf("failed to register unit %s: %w", name, ErrNoAction)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[name]; exists {
		return fmt.Errorf("failed to register unit %s: %w", name, ErrNameDuplicated)
	}

	if err := r.index.Add(name); err != nil {
		return fmt.Errorf("failed to register unit: %w", err)
	}

	r.units[name] = migration.Unit{
		Name:    name,
		Ordinal: ordinal,
		Up:      up,
		Down:    down,
	}

	return nil
}

func (r *Registry) MustRegister(name string, up, down migration.Action) {
	if err := r.Register(name, up, down); err != nil {
		panic(err)
	}
}

// Names returns every registered name in run order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.index.Since(0)
}

// ---

func (r *Registry) Resolve(name string) (migration.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	unit, exists := r.units[name]
	if !exists {
		return migration.Unit{}, fmt.Errorf("%w: %s is not registered", migration.ErrNotFound, name)
	}

	return unit, nil
}

func (r *Registry) ListPending(since migration.Ordinal) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.index.Since(since), nil
}

func (r *Registry) NextOrdinal() (migration.Ordinal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.index.Next(), nil
}

func (r *Registry) Materialize(name string) (migration.Unit, error) {
	return r.Resolve(name)
}
