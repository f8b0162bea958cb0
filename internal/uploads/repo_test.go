package uploads

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terabiome/stagehand/pkg/logger"
)

func openRepo(t *testing.T, timeout time.Duration) *Repo {
	t.Helper()
	r, err := Open(t.TempDir(), timeout, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestOpenRecreatesRoot(t *testing.T) {
	base := t.TempDir()
	stale := filepath.Join(base, DirName, "old", "file")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o750))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))

	r, err := Open(base, time.Hour, logger.Discard())
	require.NoError(t, err)
	defer r.Close()

	entries, err := os.ReadDir(r.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPutGet(t *testing.T) {
	r := openRepo(t, time.Hour)

	key, err := r.Put("id_ed25519", strings.NewReader("key material"))
	require.NoError(t, err)
	assert.Len(t, key, 36)

	path, err := r.Get(key)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), key, "id_ed25519"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "key material", string(content))

	dir, err := r.Dir(key)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), key), dir)
}

func TestGetUnknownKey(t *testing.T) {
	r := openRepo(t, time.Hour)

	for _, key := range []string{"", "missing", "..", "../etc"} {
		_, err := r.Get(key)
		assert.ErrorIs(t, err, ErrNotFound, key)
	}
}

func TestPutRejectsPathNames(t *testing.T) {
	r := openRepo(t, time.Hour)

	for _, name := range []string{"", "..", "a/b", `a\b`, "../escape"} {
		_, err := r.Put(name, strings.NewReader("x"))
		assert.True(t, errors.Is(err, ErrInvalidName), name)
	}
}

func TestSweepRemovesExpiredUploads(t *testing.T) {
	r := openRepo(t, time.Hour)

	oldKey, err := r.Put("old.txt", strings.NewReader("old"))
	require.NoError(t, err)
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(r.Root(), oldKey), past, past))

	freshKey, err := r.Put("fresh.txt", strings.NewReader("fresh"))
	require.NoError(t, err)

	r.sweep(time.Hour)

	_, err = r.Get(oldKey)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(freshKey)
	assert.NoError(t, err)
}

func TestSweeperRunsInBackground(t *testing.T) {
	r := openRepo(t, time.Hour)

	key, err := r.Put("file", strings.NewReader("x"))
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(r.Root(), key), past, past))

	require.NoError(t, r.ResetTimeout(20*time.Millisecond))

	assert.Eventually(t, func() bool {
		_, err := r.Get(key)
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResetTimeoutRejectsNonPositive(t *testing.T) {
	r := openRepo(t, time.Hour)
	assert.Error(t, r.ResetTimeout(0))

	_, err := Open(t.TempDir(), 0, logger.Discard())
	assert.Error(t, err)
}

func TestCloseRemovesRoot(t *testing.T) {
	r, err := Open(t.TempDir(), time.Hour, logger.Discard())
	require.NoError(t, err)
	_, err = r.Put("file", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, r.Close())
	_, err = os.Stat(r.Root())
	assert.True(t, os.IsNotExist(err))
}
