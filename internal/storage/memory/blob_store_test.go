package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.json", "application/json", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://path/page.json", uri)

	payload[0] = 'C'
	stored, ok := store.Object("path/page.json")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))

	exists, err := store.Exists(context.Background(), "path/page.json")
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = store.Exists(context.Background(), "path/other.json")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = store.PutObject(context.Background(), "", "text/plain", nil)
	require.Error(t, err)
}
