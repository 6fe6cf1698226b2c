// Package digest computes sha256 content keys of files and directories.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

type Writer interface {
	io.Writer

	// Sum returns the hex digest of bytes written so far.
	Sum() string
}

type Reader interface {
	io.Reader

	// Sum returns the hex digest of bytes read so far.
	Sum() string
}

type writer struct {
	dest io.Writer
	h    hash.Hash
}

// NewWriter returns a Writer passing bytes through to dest.
func NewWriter(dest io.Writer) Writer {
	return &writer{dest: dest, h: sha256.New()}
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.dest.Write(p)
	w.h.Write(p[:n])
	return n, err
}

func (w *writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

type reader struct {
	source io.Reader
	h      hash.Hash
}

// NewReader returns a Reader reading from source.
func NewReader(source io.Reader) Reader {
	return &reader{source: source, h: sha256.New()}
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	if 0 < n {
		r.h.Write(p[:n])
	}
	return n, err
}

func (r *reader) Sum() string {
	return hex.EncodeToString(r.h.Sum(nil))
}

// File returns the digest of the content of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r := NewReader(f)
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return r.Sum(), nil
}

// Dir returns the digest of a directory tree.
//
// It hashes "<relative path>\x00<file digest>\n" of each regular file, sorted by path.
// Two trees with the same files have the same digest, wherever they are.
// Symlinks are followed for files, not for directories.
func Dir(root string) (string, error) {
	type entry struct {
		rel    string
		digest string
	}
	var entries []entry

	root, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := File(path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{rel: filepath.ToSlash(rel), digest: sum})
		return nil
	})
	if err != nil {
		return "", err
	}

	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.rel, b.rel) })
	h := sha256.New()
	for _, e := range entries {
		io.WriteString(h, e.rel)
		h.Write([]byte{0})
		io.WriteString(h, e.digest)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Path returns the digest of path, which is either of a file or a directory.
func Path(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return Dir(path)
	}
	return File(path)
}
