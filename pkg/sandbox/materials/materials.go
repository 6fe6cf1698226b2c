// Package materials manages per-job sandbox directories.
//
// A sandbox directory is named by its job key, so there is at most one for
// each job. Acquire and Release can be called any number of times.
package materials

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opst/tuplefab/pkg/domain"
	xe "github.com/opst/tuplefab/pkg/errors"
	"go.uber.org/zap"
)

const (
	DirData   = "data"
	DirOpener = "opener"
	DirModel  = "model"
	DirPred   = "pred"
)

// Dirs lists subdirectories of a sandbox directory.
func Dirs() []string {
	return []string{DirData, DirOpener, DirModel, DirPred}
}

type Manager struct {
	root   string
	logger *zap.Logger

	mu sync.Mutex
}

func New(root string, logger *zap.Logger) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, domain.Filesystem(err)
	}
	// symlinks in root would make the "under root" check of Release unreliable.
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, xe.Wrap(err)
	}
	return &Manager{root: abs, logger: logger}, nil
}

func (m *Manager) Root() string {
	return m.root
}

// Path returns the sandbox directory of key, whether it exists or not.
func (m *Manager) Path(key string) string {
	return filepath.Join(m.root, key)
}

// Acquire creates the sandbox directory for key and returns its path.
//
// When the directory exists already, it is reused.
func (m *Manager) Acquire(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", domain.Validation("sandbox key %q is not usable as a directory name", key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.Path(key)
	for _, d := range Dirs() {
		if err := os.MkdirAll(filepath.Join(path, d), 0o755); err != nil {
			return "", domain.Filesystem(fmt.Errorf("sandbox %s: %w", key, err))
		}
	}
	m.logger.Debug("sandbox is acquired", zap.String("key", key), zap.String("path", path))
	return path, nil
}

// Release removes a sandbox directory.
//
// Removing a directory which does not exist is not an error.
// Paths out of the root are refused.
func (m *Manager) Release(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return xe.Wrap(err)
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return domain.Filesystem(fmt.Errorf("refuse to release %s: not under %s", path, m.root))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.RemoveAll(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// inputs of a finished container can be read-only. make them writable and retry.
		if chmodErr := makeWritable(abs); chmodErr != nil {
			return domain.Filesystem(fmt.Errorf("release %s: %w", path, err))
		}
		if err := os.RemoveAll(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return domain.Filesystem(fmt.Errorf("release %s: %w", path, err))
		}
	}
	m.logger.Debug("sandbox is released", zap.String("path", abs))
	return nil
}

// Orphans returns keys of sandbox directories found on disk.
//
// The caller decides which of them are orphans, by comparing with running jobs.
func (m *Manager) Orphans() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, domain.Filesystem(fmt.Errorf("list %s: %w", m.root, err))
	}
	keys := []string{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}

func makeWritable(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(path, info.Mode().Perm()|0o700)
	})
}
