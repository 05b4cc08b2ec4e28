package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsOrderedV7(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	require.LessOrEqual(t, id1, id2)
}

func TestSequence(t *testing.T) {
	t.Parallel()

	seq := &Sequence{IDs: []string{"run-1"}}
	id, err := seq.NewID()
	require.NoError(t, err)
	require.Equal(t, "run-1", id)
	_, err = seq.NewID()
	require.Error(t, err)
}
