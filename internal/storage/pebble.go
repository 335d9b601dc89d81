package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/iggydv12/superleaf/internal/file"
)

const pebbleKeyPrefix = "file/"

// PebbleStore is a Pebble LSM-tree backed ContentStore. Appends use Pebble's
// default merge operator, which concatenates values.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	fs     vfs.FS
	logger *zap.Logger
}

// NewPebbleStore creates a PebbleStore (not yet opened). A nil fs selects the
// operating system's filesystem.
func NewPebbleStore(path string, fs vfs.FS, logger *zap.Logger) *PebbleStore {
	return &PebbleStore{path: path, fs: fs, logger: logger}
}

// Init opens the Pebble database.
func (p *PebbleStore) Init() error {
	opts := &pebble.Options{
		Logger: &pebbleLogger{p.logger},
	}
	if p.fs != nil {
		opts.FS = p.fs
	}
	db, err := pebble.Open(p.path, opts)
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", p.path, err)
	}
	p.db = db
	p.logger.Info("Pebble storage opened", zap.String("path", p.path))
	return nil
}

func (p *PebbleStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func (p *PebbleStore) Get(name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	data, closer, err := p.db.Get(key(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", name, file.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (p *PebbleStore) Put(name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := p.db.Set(key(name), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (p *PebbleStore) Append(name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := p.db.Merge(key(name), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble merge: %w", err)
	}
	return nil
}

func (p *PebbleStore) Delete(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := p.db.Delete(key(name), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

func (p *PebbleStore) Has(name string) (bool, error) {
	if _, err := p.Get(name); err != nil {
		if errors.Is(err, file.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func key(name string) []byte {
	return []byte(pebbleKeyPrefix + name)
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
