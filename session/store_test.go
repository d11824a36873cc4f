package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStore_PersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")

	store, err := OpenTokenStore(path)
	require.NoError(t, err)
	_, ok := store.Get(TokenKey)
	assert.False(t, ok)

	require.NoError(t, store.Set(TokenKey, "abc"))
	require.NoError(t, store.Set("theme", "dark"))

	reopened, err := OpenTokenStore(path)
	require.NoError(t, err)
	v, ok := reopened.Get(TokenKey)
	require.True(t, ok)
	assert.Equal(t, "abc", v)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, reopened.Delete(TokenKey))
	require.NoError(t, reopened.Delete(TokenKey))

	again, err := OpenTokenStore(path)
	require.NoError(t, err)
	_, ok = again.Get(TokenKey)
	assert.False(t, ok)
	theme, _ := again.Get("theme")
	assert.Equal(t, "dark", theme)
}

func TestTokenStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := OpenTokenStore(path)
	assert.Error(t, err)
}

func TestTokenStore_WatchSeesExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	store, err := OpenTokenStore(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 8)
	go store.Watch(ctx, func() { changed <- struct{}{} })
	time.Sleep(100 * time.Millisecond)

	other, err := OpenTokenStore(path)
	require.NoError(t, err)
	require.NoError(t, other.Set(TokenKey, "from-elsewhere"))

	require.Eventually(t, func() bool {
		v, ok := store.Get(TokenKey)
		return ok && v == "from-elsewhere"
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case <-changed:
	default:
		t.Fatal("onChange was not called")
	}
}
