package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "uploads")
	s, err := NewLocalStore(root)
	require.NoError(t, err)

	key := DocumentKey("doc-1")
	require.NoError(t, s.Put(ctx, key, []byte("%PDF-1.4 body")))

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 body", string(data))

	_, err = os.Stat(filepath.Join(root, "documents", "doc-1.pdf"))
	assert.NoError(t, err)

	require.NoError(t, s.Put(ctx, key, []byte("replaced")))
	data, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotExist)

	assert.NoError(t, s.Delete(ctx, key), "deleting a missing blob succeeds")

	entries, err := os.ReadDir(filepath.Join(root, "documents"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files left behind")
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../etc/passwd", "/abs/path", ""} {
		assert.Error(t, s.Put(context.Background(), key, []byte("x")), key)
	}
}

func TestLocalStore_Cancelled(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Put(ctx, "k", []byte("x")), context.Canceled)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
