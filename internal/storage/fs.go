package storage

import (
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/iggydv12/superleaf/internal/file"
)

// FSStore keeps each file as a plain file in one directory per leaf.
type FSStore struct {
	fs afero.Fs
}

// NewFSStore roots a store at dir on fs, creating the directory.
func NewFSStore(fs afero.Fs, dir string) (*FSStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return &FSStore{fs: afero.NewBasePathFs(fs, dir)}, nil
}

func (s *FSStore) Get(name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, name)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", name, file.ErrNotFound)
	}
	return data, err
}

func (s *FSStore) Put(name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, name, data, 0o644)
}

func (s *FSStore) Append(name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	f, err := s.fs.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *FSStore) Delete(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := s.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FSStore) Has(name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	return afero.Exists(s.fs, name)
}

func (s *FSStore) Close() error { return nil }
