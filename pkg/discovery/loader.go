package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFileNames are the manifest names looked up in a pack directory, in order.
var ManifestFileNames = []string{"pack.json", "manifest.json", "pack.yaml", "pack.yml"}

// ErrManifestNotFound is returned when a pack directory has no manifest file.
var ErrManifestNotFound = errors.New("pack manifest not found")

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

// validatorInstance returns the shared validator used for manifests.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		v.RegisterStructValidation(func(sl validator.StructLevel) {
			f := sl.Current().Interface().(PackFlow)
			if f.FlowID() == "" {
				sl.ReportError(f.ID, "ID", "id", "flow_ref", "")
			}
		}, PackFlow{})
		validateInst = v
	})
	return validateInst
}

// Manifest is a loaded pack manifest and where it came from.
type Manifest struct {
	// Pack is the parsed manifest.
	Pack *PackManifest

	// Path is the manifest file path.
	Path string

	// Root is the pack directory.
	Root string

	// Digest is the sha256 hex digest of the manifest bytes.
	Digest string
}

// Loader reads pack manifests from directories.
type Loader struct {
	// Names overrides ManifestFileNames when set.
	Names []string
}

// NewLoader creates a loader with the default manifest names.
func NewLoader() *Loader {
	return &Loader{Names: ManifestFileNames}
}

// LoadManifest is a convenience wrapper around NewLoader().LoadDir.
func LoadManifest(dir string) (*Manifest, error) {
	return NewLoader().LoadDir(dir)
}

// LoadDir finds and parses the manifest inside dir.
func (l *Loader) LoadDir(dir string) (*Manifest, error) {
	names := l.Names
	if len(names) == 0 {
		names = ManifestFileNames
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w in %s (looked for %s)", ErrManifestNotFound, dir, strings.Join(names, ", "))
}

// LoadFile parses a single manifest file. The format follows the extension.
func (l *Loader) LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	pack, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	return &Manifest{
		Pack:   pack,
		Path:   path,
		Root:   filepath.Dir(path),
		Digest: hex.EncodeToString(sum[:]),
	}, nil
}

// Parse decodes and validates manifest bytes. ext selects the format
// (".json", ".yaml" or ".yml").
func Parse(data []byte, ext string) (*PackManifest, error) {
	var pack PackManifest
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", ext)
	}

	if err := validatorInstance().Struct(&pack); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &pack, nil
}

// VerifyChecksum checks unit bytes against the digest the manifest declares
// for rel. Units without a declared digest pass.
func (d *Descriptor) VerifyChecksum(rel string, unit []byte) error {
	want, ok := d.Checksums[filepath.ToSlash(rel)]
	if !ok {
		return nil
	}
	sum := sha256.Sum256(unit)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("unit %s checksum mismatch: expected %s, got %s", rel, want, got)
	}
	return nil
}
