// Package home manages the wikiseek home directory layout.
//
// Layout:
//
//	<root>/
//	  config.json                      (versioned config envelope)
//	  indexes/
//	    <archive-name>.<uuid>.idx      (one title index per archive)
package home

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// indexNamespace scopes the name-based UUIDs that identify archives.
var indexNamespace = uuid.MustParse("5d0c2f8e-7a51-4c38-9a3e-2b6f0d4e8c11")

// Dir represents a wikiseek home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/wikiseek
//   - macOS:   ~/Library/Application Support/wikiseek
//   - Windows: %APPDATA%/wikiseek
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "wikiseek")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the config JSON file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.json")
}

// IndexDir returns the default directory for title indexes.
func (d Dir) IndexDir() string {
	return filepath.Join(d.root, "indexes")
}

// IndexPath returns where the index for archivePath lives under IndexDir.
func (d Dir) IndexPath(archivePath string) (string, error) {
	name, err := IndexFileName(archivePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.IndexDir(), name), nil
}

// IndexFileName derives a stable index file name from the archive's
// absolute path. Archives with the same base name in different
// directories get different names.
func IndexFileName(archivePath string) (string, error) {
	abs, err := filepath.Abs(archivePath)
	if err != nil {
		return "", fmt.Errorf("resolve archive path: %w", err)
	}
	id := uuid.NewSHA1(indexNamespace, []byte(abs))
	return fmt.Sprintf("%s.%s.idx", filepath.Base(abs), id), nil
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
