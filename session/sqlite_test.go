package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	for _, r := range []int{1, 5, 3} {
		_, err := store.Save(testCheckpoint("tr-sql", r))
		require.NoError(t, err)
	}
	handle, err := store.Save(testCheckpoint("tr-other", 2))
	require.NoError(t, err)
	assert.Equal(t, "tr-other:2", handle)

	latest, err := store.LoadLatest("tr-sql")
	require.NoError(t, err)
	assert.Equal(t, 5, latest.Round)
	assert.Equal(t, "on it", latest.TextOutput[0])

	cp, err := store.Load("tr-other:2")
	require.NoError(t, err)
	assert.Equal(t, "tr-other", cp.TraceID)

	updated := testCheckpoint("tr-other", 2)
	updated.Model = "claude-opus-4-6"
	_, err = store.Save(updated)
	require.NoError(t, err)
	cp, err = store.Load("tr-other:2")
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-6", cp.Model)

	ids, err := store.TraceIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tr-sql", "tr-other"}, ids)

	n, err := store.Cleanup("tr-sql")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = store.LoadLatest("tr-sql")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Load("no-round")
	assert.Error(t, err)
	_, err = store.Load("tr-x:zz")
	assert.Error(t, err)
}

func TestSQLiteStoreOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "checkpoints.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = store.Save(testCheckpoint("tr-disk", 1))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	cp, err := reopened.LoadLatest("tr-disk")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Round)
}

func TestStoresSatisfyInterface(t *testing.T) {
	var _ Store = (*FileStore)(nil)
	var _ Store = (*SQLiteStore)(nil)
	var _ Store = (*Manager)(nil)
}
