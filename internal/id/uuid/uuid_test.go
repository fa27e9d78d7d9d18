package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsUniqueV7(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{})
	prev := ""
	for range 100 {
		id, err := gen.NewID()
		require.NoError(t, err)

		parsed, err := goUUID.Parse(id)
		require.NoError(t, err)
		require.Equal(t, goUUID.Version(7), parsed.Version())

		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
		require.Greater(t, id, prev, "v7 ids should sort by creation")
		prev = id
	}
}
