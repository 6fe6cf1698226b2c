// Package filewatch ties lifetimes of contexts to files.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ErrModified is the cause of contexts cancelled by modification of a watched file.
var ErrModified = errors.New("watched file is modified")

// UntilModified returns a context which is cancelled when one of files is
// written, created, removed or renamed.
//
// Files are watched through their directories, so a file replaced by
// rename (as editors and ConfigMap volumes do) is still noticed.
// context.Cause of the cancelled context wraps ErrModified.
//
// When it fails to start watching, it returns an error and nils.
func UntilModified(ctx context.Context, files ...string) (context.Context, func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	targets := map[string]bool{}
	dirs := map[string]bool{}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			w.Close()
			return nil, nil, err
		}
		targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return nil, nil, err
		}
	}

	cctx, cancel := context.WithCancelCause(ctx)
	go func() {
		defer w.Close()
		for {
			select {
			case <-cctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				cancel(fmt.Errorf("watching files: %w", err))
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !targets[filepath.Clean(event.Name)] || event.Op == fsnotify.Chmod {
					continue
				}
				cancel(fmt.Errorf("%w: %s (%s)", ErrModified, event.Name, event.Op))
				return
			}
		}
	}()
	return cctx, func() { cancel(nil) }, nil
}
