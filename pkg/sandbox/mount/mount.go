// Package mount exposes input files inside a sandbox directory, read-only.
//
// A Symlink mounter links inputs into the sandbox and asks the runtime to bind
// the link targets at their real path, so links resolve inside the container.
// A Copy mounter copies inputs. It is for filesystems without symlinks.
package mount

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/sandbox/runtime"
	"github.com/opst/tuplefab/pkg/utils/files"
)

type Mounter interface {
	// Mount makes src readable at dest.
	//
	// It returns mounts the container needs in addition to the sandbox
	// directory itself.
	Mount(src, dest string) ([]runtime.Mount, error)

	Name() string
}

type Symlink struct{}

func (Symlink) Name() string { return "symlink" }

func (Symlink) Mount(src, dest string) ([]runtime.Mount, error) {
	real, err := filepath.EvalSymlinks(src)
	if err != nil {
		return nil, domain.Filesystem(fmt.Errorf("mount %s: %w", src, err))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, domain.Filesystem(err)
	}
	if err := os.Symlink(real, dest); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return nil, domain.Filesystem(err)
		}
		if to, rerr := os.Readlink(dest); rerr != nil || to != real {
			return nil, domain.Filesystem(fmt.Errorf("mount %s: %s exists", src, dest))
		}
	}
	return []runtime.Mount{{Source: real, Target: real, ReadOnly: true}}, nil
}

type Copy struct{}

func (Copy) Name() string { return "copy" }

func (Copy) Mount(src, dest string) ([]runtime.Mount, error) {
	if _, err := os.Lstat(dest); err == nil {
		if err := os.RemoveAll(dest); err != nil {
			return nil, domain.Filesystem(err)
		}
	}
	if err := files.Copy(src, dest); err != nil {
		return nil, domain.Filesystem(fmt.Errorf("mount %s: %w", src, err))
	}
	return nil, nil
}

// Detect returns Symlink when symlinks can be made under dir, Copy otherwise.
func Detect(dir string) Mounter {
	probe, err := os.MkdirTemp(dir, ".probe-")
	if err != nil {
		return Copy{}
	}
	defer os.RemoveAll(probe)

	if err := os.Symlink(probe, filepath.Join(probe, "link")); err != nil {
		return Copy{}
	}
	return Symlink{}
}

// ByName returns a mounter by its name. "auto" or "" means Detect(dir).
func ByName(name string, dir string) (Mounter, error) {
	switch name {
	case "", "auto":
		return Detect(dir), nil
	case Symlink{}.Name():
		return Symlink{}, nil
	case Copy{}.Name():
		return Copy{}, nil
	}
	return nil, domain.Validation("unknown mount mode: %s", name)
}
