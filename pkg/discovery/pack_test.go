package discovery

import (
	"archive/zip"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const archiveManifest = `{"id":"acme.mail","version":"2.0.0","flows":[{"id":"setup","entry":"setup"}]}`

func writeArchive(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for n, body := range files {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func TestOpenPackArchive(t *testing.T) {
	p := writeArchive(t, "mail.gtpack", map[string]string{
		"pack.json":            archiveManifest,
		"flows/setup/collect.star": "def main(ctx):\n    return {}\n",
	})

	pack, err := OpenPack(p)
	require.NoError(t, err)
	defer pack.Close()

	assert.Equal(t, "acme.mail", pack.Manifest.Pack.ID)
	assert.Equal(t, p, pack.Manifest.Root)
	assert.Len(t, pack.Manifest.Digest, 64)

	data, err := fs.ReadFile(pack.FS, "flows/setup/collect.star")
	require.NoError(t, err)
	assert.Contains(t, string(data), "def main")

	d, ok := pack.Descriptor()
	require.True(t, ok)
	assert.Equal(t, "setup", d.SetupEntryFlow)
}

func TestOpenPackDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pack.json"), []byte(archiveManifest), 0o644))

	pack, err := OpenPack(dir)
	require.NoError(t, err)
	assert.NoError(t, pack.Close())
	assert.Equal(t, dir, pack.Manifest.Root)

	_, err = fs.Stat(pack.FS, "pack.json")
	assert.NoError(t, err)
}

func TestOpenPackErrors(t *testing.T) {
	_, err := OpenPack(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = OpenPack(writeArchive(t, "empty.gtpack", map[string]string{"README": "x"}))
	assert.ErrorIs(t, err, ErrManifestNotFound)

	plain := filepath.Join(t.TempDir(), "pack.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	_, err = OpenPack(plain)
	assert.ErrorContains(t, err, "neither")

	assert.True(t, IsArchive("a/b/mail.GTPACK"))
	assert.False(t, IsArchive("pack.json"))
}
