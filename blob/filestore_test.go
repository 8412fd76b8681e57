package blob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	key, err := fs.Put([]byte("jpeg bytes"))
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	data, err := fs.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")

	require.NoError(t, fs.Delete(key))
	_, err = fs.Get(key)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, fs.Delete(key), "deleting twice is fine")
}

func TestFileStoreRejectsPathKeys(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "..", "../etc/passwd", `a\b`} {
		_, err := fs.Get(key)
		assert.Error(t, err, key)
		assert.NotErrorIs(t, err, ErrNotFound, key)
	}
}

func TestNewFileStoreRequiresDir(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}
