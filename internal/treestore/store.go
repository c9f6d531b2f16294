// Package treestore is a directory-shaped key/value store. Keys are
// slash-separated paths relative to the store root ("adopted/fleet-a/X1").
// A key names either a leaf holding bytes or a directory holding other keys.
package treestore

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotExist wraps fs.ErrNotExist so callers can match either.
	ErrNotExist = fmt.Errorf("treestore: %w", fs.ErrNotExist)
	// ErrExist is returned when a rename target is already present.
	ErrExist = fmt.Errorf("treestore: %w", fs.ErrExist)
	// ErrNotEmpty is returned by Remove on a directory with children.
	ErrNotEmpty = errors.New("treestore: directory not empty")
	// ErrBadKey rejects absolute, empty or dot-segment keys.
	ErrBadKey = errors.New("treestore: invalid key")
)

// Entry describes one key.
type Entry struct {
	Name    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

// Store is implemented by Dir and SQLite.
type Store interface {
	// Stat describes key or returns ErrNotExist.
	Stat(key string) (Entry, error)
	// List returns the children of the directory key, sorted by name.
	List(key string) ([]Entry, error)
	ReadFile(key string) ([]byte, error)
	// WriteFile replaces the content of key, creating parent directories.
	WriteFile(key string, data []byte) error
	// Touch sets the modification time of key, creating it empty if absent.
	Touch(key string, t time.Time) error
	// MkdirAll creates key and any missing parents.
	MkdirAll(key string) error
	// Rename moves from (and its subtree) to to. The target must not exist.
	Rename(from, to string) error
	// Remove deletes a leaf or an empty directory.
	Remove(key string) error
	// RemoveAll deletes key and its subtree. Missing keys are not an error.
	RemoveAll(key string) error
	Close() error
}

// Join builds a key from segments.
func Join(elem ...string) string { return path.Join(elem...) }

// cleanKey validates key and returns its canonical form.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrBadKey, key)
		}
	}
	return key, nil
}

// IsNotExist reports whether err means a missing key.
func IsNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }

// IsExist reports whether err means the key is already present.
func IsExist(err error) bool { return errors.Is(err, fs.ErrExist) }

// Open returns the backend named by kind: "dir" (or empty) rooted at root, or
// "sqlite" stored in the database file at dbPath.
func Open(kind, root, dbPath string) (Store, error) {
	switch kind {
	case "", "dir":
		return OpenDir(root)
	case "sqlite":
		return OpenSQLite(dbPath)
	default:
		return nil, fmt.Errorf("treestore: unknown backend %q", kind)
	}
}
