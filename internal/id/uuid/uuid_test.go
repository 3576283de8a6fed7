package uuid

import (
	"sort"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDProducesUniqueV7(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]bool)
	for range 32 {
		id, err := gen.NewID()
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true

		parsed, err := goUUID.Parse(id)
		require.NoError(t, err)
		require.EqualValues(t, 7, parsed.Version())
	}
}

// Run and document IDs are listed in lexical order by the stores; the v7
// time prefix makes that creation order.
func TestNewIDSortsByCreationOrder(t *testing.T) {
	t.Parallel()

	gen := New()
	ids := make([]string, 0, 16)
	for range 16 {
		id, err := gen.NewID()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.True(t, sort.StringsAreSorted(ids), "ids not in creation order: %v", ids)
}
