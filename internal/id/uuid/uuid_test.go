package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsRandomUUID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(4), parsed.Version())
}

func TestGeneratorNewSortableID(t *testing.T) {
	t.Parallel()

	id, err := New().NewSortableID()
	require.NoError(t, err)
	parsed, err := goUUID.Parse(id)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}
