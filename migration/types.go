package migration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Direction rune

const (
	Down Direction = 'd'
	Up   Direction = 'u'
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// ---

const OrdinalBits = 64

// Ordinal is the integer prefix of a change unit name. It defines the global apply order.
type Ordinal uint64

// OrdinalWidth is the minimal number of digits a generated name is padded to.
const OrdinalWidth = 3

var namePattern = regexp.MustCompile(`^([0-9]+)(?:-([^/\\]+))?$`)

// ParseName splits a change unit name into its ordinal and optional slug.
func ParseName(name string) (Ordinal, string, error) {
	match := namePattern.FindStringSubmatch(name)
	if match == nil {
		return 0, "", fmt.Errorf("%w: %q does not match <digits>(-<slug>)", ErrInvalidName, name)
	}

	ordinal, err := strconv.ParseUint(match[1], 10, OrdinalBits)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q has an invalid ordinal: %v", ErrInvalidName, name, err)
	}

	if ordinal == 0 {
		return 0, "", fmt.Errorf("%w: %q has a zero ordinal", ErrInvalidName, name)
	}

	return Ordinal(ordinal), match[2], nil
}

// FormatName builds a change unit name from an ordinal and an optional title.
// Whitespace runs in the title become single dashes.
func FormatName(ordinal Ordinal, title string) string {
	name := fmt.Sprintf("%0*d", OrdinalWidth, uint64(ordinal))

	if slug := strings.Join(strings.Fields(title), "-"); slug != "" {
		name += "-" + slug
	}

	return name
}

// ---

type Status uint

const (
	Pending Status = iota
	Applied
	Missing
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Applied:
		return "applied"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// ---

// Entry is a ledger record of an applied change unit.
type Entry struct {
	Name      string
	AppliedAt time.Time
}

type State struct {
	Name      string
	Ordinal   Ordinal
	Status    Status
	AppliedAt time.Time
}
