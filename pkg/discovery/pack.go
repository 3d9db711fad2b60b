package discovery

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ArchiveExtensions are the file extensions opened as zipped packs.
var ArchiveExtensions = []string{".gtpack", ".zip"}

// Pack is an opened pack: its manifest and a read-only view of its files.
type Pack struct {
	// Manifest is the loaded manifest.
	Manifest *Manifest

	// FS exposes the pack files relative to the pack root.
	FS fs.FS

	closer func() error
}

// Close releases the archive behind the pack, if any.
func (p *Pack) Close() error {
	if p == nil || p.closer == nil {
		return nil
	}
	return p.closer()
}

// Descriptor runs Discover on the pack manifest.
func (p *Pack) Descriptor() (*Descriptor, bool) {
	return Discover(p.Manifest.Pack)
}

// IsArchive reports whether name has a pack archive extension.
func IsArchive(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range ArchiveExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

// OpenPack opens a pack directory or a zipped pack archive.
func OpenPack(p string) (*Pack, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open pack: %w", err)
	}

	if info.IsDir() {
		m, err := LoadManifest(p)
		if err != nil {
			return nil, err
		}
		return &Pack{Manifest: m, FS: os.DirFS(p)}, nil
	}

	if !IsArchive(p) {
		return nil, fmt.Errorf("%s is neither a pack directory nor a pack archive", p)
	}
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open pack archive: %w", err)
	}
	m, err := NewLoader().LoadFS(&zr.Reader, p)
	if err != nil {
		_ = zr.Close()
		return nil, err
	}
	return &Pack{Manifest: m, FS: &zr.Reader, closer: zr.Close}, nil
}

// LoadFS finds and parses the manifest at the root of fsys. origin names the
// pack in Manifest.Root and in errors.
func (l *Loader) LoadFS(fsys fs.FS, origin string) (*Manifest, error) {
	names := l.Names
	if len(names) == 0 {
		names = ManifestFileNames
	}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest file: %w", err)
		}

		pack, err := Parse(data, path.Ext(name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Join(origin, name), err)
		}
		sum := sha256.Sum256(data)
		return &Manifest{
			Pack:   pack,
			Path:   path.Join(origin, name),
			Root:   origin,
			Digest: hex.EncodeToString(sum[:]),
		}, nil
	}
	return nil, fmt.Errorf("%w in %s (looked for %s)", ErrManifestNotFound, origin, strings.Join(names, ", "))
}
