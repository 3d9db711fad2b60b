package conformance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanCorpus(t *testing.T) {
	root := t.TempDir()
	writePack(t, root, "packs/mail", manifestJSON("acme.mail"), nil)
	writePack(t, root, "packs/nested/chat", manifestJSON("acme.chat"), nil)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "packs", "notapack"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "packs", "crm.gtpack"), []byte("zip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "packs", "notes.txt"), []byte("x"), 0o644))

	got, err := ScanCorpus([]string{filepath.Join(root, "packs", "*")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "packs", "crm.gtpack"),
		filepath.Join(root, "packs", "mail"),
	}, got)

	got, err = ScanCorpus([]string{
		filepath.Join(root, "packs", "**"),
		filepath.Join(root, "packs", "mail"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "packs", "crm.gtpack"),
		filepath.Join(root, "packs", "mail"),
		filepath.Join(root, "packs", "nested", "chat"),
	}, got)

	_, err = ScanCorpus([]string{"packs/[a-"})
	assert.Error(t, err)
}

func TestWatchPaths(t *testing.T) {
	root := t.TempDir()
	dir := writePack(t, root, "mail", manifestJSON("acme.mail"), nil)
	archive := filepath.Join(root, "archives", "crm.gtpack")
	require.NoError(t, os.MkdirAll(filepath.Dir(archive), 0o755))
	require.NoError(t, os.WriteFile(archive, []byte("zip"), 0o644))

	got := WatchPaths([]string{dir, archive}, filepath.Join(root, "missing"), dir)
	assert.Equal(t, []string{dir, filepath.Dir(archive)}, got)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, []string{dir}, 20*time.Millisecond, zerolog.Nop(), func(context.Context) {
			runs <- struct{}{}
		})
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pack.json"), []byte("{}"), 0o644))

	select {
	case <-runs:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "watch did not fire")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "watch did not stop")
	}
}
