package source

import (
	"errors"
	"fmt"
	"sort"

	"github.com/root-talis/dynamig/migration"
)

// Source lists and loads change units.
type Source interface {
	ListPending(since migration.Ordinal) ([]string, error)
	NextOrdinal() (migration.Ordinal, error)
	Materialize(name string) (migration.Unit, error)
}

// Resolver maps a unit name to its compiled actions.
type Resolver interface {
	Resolve(name string) (migration.Unit, error)
}

// Scaffolder is implemented by sources that can write new unit stubs.
type Scaffolder interface {
	WriteStub(name string) error
}

var (
	ErrOrdinalDuplicated = errors.New("unit ordinal already exists with different name")
)

// Index is a set of valid unit names keyed by ordinal.
type Index map[migration.Ordinal]string

// Add parses name and stores it. A second name for the same ordinal is rejected.
func (idx Index) Add(name string) error {
	ordinal, _, err := migration.ParseName(name)
	if err != nil {
		return err
	}

	if existing, exists := idx[ordinal]; exists && existing != name {
		return fmt.Errorf(
			"%w: unit %d already exists with name \"%s\" (new name \"%s\" is encountered)",
			ErrOrdinalDuplicated,
			ordinal,
			existing,
			name,
		)
	}

	idx[ordinal] = name

	return nil
}

// Since returns the names with an ordinal above since, sorted ascending.
// since == 0 returns everything.
func (idx Index) Since(since migration.Ordinal) []string {
	result := make([]string, 0, len(idx))
	for ordinal, name := range idx {
		if since == 0 || ordinal > since {
			result = append(result, name)
		}
	}

	SortNames(result)

	return result
}

// Next is the maximum ordinal plus one, or 1 for an empty index.
func (idx Index) Next() migration.Ordinal {
	var highest migration.Ordinal
	for ordinal := range idx {
		if ordinal > highest {
			highest = ordinal
		}
	}
	return highest + 1
}

// SortNames orders unit names by ordinal, then by the literal name.
// Names that fail to parse sort last.
func SortNames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		oi, _, erri := migration.ParseName(names[i])
		oj, _, errj := migration.ParseName(names[j])

		switch {
		case erri != nil || errj != nil:
			return errj != nil && erri == nil
		case oi != oj:
			return oi < oj
		default:
			return names[i] < names[j]
		}
	})
}
