package source_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/dynamig/migration"
	"github.com/root-talis/dynamig/source"
)

func TestSortNames(t *testing.T) {
	t.Parallel()

	names := []string{"10-ten", "2-two", "002-a", "1", "not-a-unit", "010-padded"}
	source.SortNames(names)

	assert.Equal(t, []string{"1", "002-a", "2-two", "010-padded", "10-ten", "not-a-unit"}, names)
}

var indexTestTable = []struct { // nolint:gochecknoglobals
	name          string
	names         []string
	since         migration.Ordinal
	expectedNames []string
	expectedNext  migration.Ordinal
	expectError   error
}{
	/* s0 */ {
		name:          "test s0: empty index",
		expectedNames: []string{},
		expectedNext:  1,
	},
	/* s1 */ {
		name:          "test s1: since zero returns everything",
		names:         []string{"003-c", "001-a", "002-b"},
		expectedNames: []string{"001-a", "002-b", "003-c"},
		expectedNext:  4,
	},
	/* s2 */ {
		name:          "test s2: since is exclusive",
		names:         []string{"003-c", "001-a", "002-b"},
		since:         2,
		expectedNames: []string{"003-c"},
		expectedNext:  4,
	},
	/* s3 */ {
		name:          "test s3: gaps do not matter",
		names:         []string{"001-a", "007-g"},
		since:         1,
		expectedNames: []string{"007-g"},
		expectedNext:  8,
	},
	/* s4 */ {
		name:          "test s4: the same name twice is fine",
		names:         []string{"001-a", "001-a"},
		expectedNames: []string{"001-a"},
		expectedNext:  2,
	},

	/* e0 */ {
		name:        "test e0: duplicate ordinal",
		names:       []string{"001-a", "1-b"},
		expectError: source.ErrOrdinalDuplicated,
	},
	/* e1 */ {
		name:        "test e1: invalid name",
		names:       []string{"create-users"},
		expectError: migration.ErrInvalidName,
	},
}

func TestIndex(t *testing.T) {
	t.Parallel()

	for _, test := range indexTestTable {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			idx := source.Index{}

			var err error
			for _, name := range test.names {
				if err = idx.Add(name); err != nil {
					break
				}
			}

			if test.expectError != nil {
				assert.ErrorIs(t, err, test.expectError)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.expectedNames, idx.Since(test.since))
			assert.Equal(t, test.expectedNext, idx.Next())
		})
	}
}
