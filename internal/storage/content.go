// Package storage keeps the bytes of a leaf's files.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Backends selectable through configuration.
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendPebble = "pebble"
)

// ErrBadName is returned for file names that are not a single path element.
var ErrBadName = errors.New("bad file name")

// ContentStore is a leaf's local file content. Missing files are reported
// with file.ErrNotFound.
type ContentStore interface {
	// Get returns the content of name.
	Get(name string) ([]byte, error)
	// Put replaces the content of name.
	Put(name string, data []byte) error
	// Append adds data to the end of name, creating it if needed.
	Append(name string, data []byte) error
	// Delete removes name. Deleting an absent file is not an error.
	Delete(name string) error
	// Has reports whether name is stored.
	Has(name string) (bool, error)
	// Close releases the store.
	Close() error
}

// Open returns the content store of leafID for the given backend.
func Open(backend, root, leafID string, logger *zap.Logger) (ContentStore, error) {
	switch backend {
	case BackendFS, "":
		return NewFSStore(afero.NewOsFs(), filepath.Join(root, leafID))
	case BackendMemory:
		return NewFSStore(afero.NewMemMapFs(), leafID)
	case BackendPebble:
		s := NewPebbleStore(filepath.Join(root, leafID+".pebble"), nil, logger)
		if err := s.Init(); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return nil
}
