// Package snapshot persists calibrated predictors by name.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/myogestic/myogestic/internal/conformal"
)

var (
	// ErrNotFound is returned when no snapshot exists under a name.
	ErrNotFound = errors.New("snapshot not found")
	// ErrInvalidName is returned for names that are not safe as keys or file names.
	ErrInvalidName = errors.New("invalid snapshot name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Store keeps calibrator snapshots keyed by name. Put overwrites: the newest
// calibration under a name wins.
type Store interface {
	Get(ctx context.Context, name string) (*conformal.Calibrator, error)
	Put(ctx context.Context, name string, c *conformal.Calibrator) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// CheckName reports whether name can be used as a snapshot key.
func CheckName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func encode(c *conformal.Calibrator) ([]byte, error) {
	return conformal.EncodeSnapshot(c.Snapshot())
}

func decode(data []byte) (*conformal.Calibrator, error) {
	s, err := conformal.DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return conformal.Restore(s)
}

// FileStore keeps one snapshot file per name under a directory.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

const fileSuffix = ".json"

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name+fileSuffix)
}

func (f *FileStore) Get(ctx context.Context, name string) (*conformal.Calibrator, error) {
	if err := CheckName(name); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	c, err := conformal.Load(f.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c, err
}

func (f *FileStore) Put(ctx context.Context, name string, c *conformal.Calibrator) error {
	if err := CheckName(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return c.Store(f.path(name))
}

func (f *FileStore) Delete(ctx context.Context, name string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

func (f *FileStore) List(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileSuffix))
	}
	sort.Strings(names)
	return names, nil
}

func (f *FileStore) Close() error { return nil }
