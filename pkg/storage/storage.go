// Package storage is the node-local content addressed file store.
//
// Files and directories are stored under their sha256 digest.
// Raw data never leaves the node; models are served to other nodes on demand.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"github.com/opst/tuplefab/pkg/domain"
	xe "github.com/opst/tuplefab/pkg/errors"
	"github.com/opst/tuplefab/pkg/utils/digest"
	"github.com/opst/tuplefab/pkg/utils/files"
	"go.uber.org/zap"
)

type Store struct {
	root    string
	baseURL *url.URL
	client  *http.Client
	logger  *zap.Logger
}

type Option func(*Store)

// WithBaseURL sets the URL other nodes reach Handler at.
func WithBaseURL(u *url.URL) Option {
	return func(s *Store) { s.baseURL = u }
}

// WithHTTPClient sets the client Fetch uses.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

func New(root string, logger *zap.Logger, options ...Option) (*Store, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o755); err != nil {
		return nil, domain.Filesystem(err)
	}
	s := &Store{root: root, client: http.DefaultClient, logger: logger.Named("storage")}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Path is where the content of key is, whether it is stored or not.
func (s *Store) Path(key string) string {
	prefix := key
	if 2 < len(prefix) {
		prefix = prefix[:2]
	}
	return filepath.Join(s.root, prefix, key)
}

func (s *Store) Has(key string) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Address is the URL the content of key can be fetched from, by other nodes.
func (s *Store) Address(key string) string {
	if s.baseURL == nil {
		return "file://" + s.Path(key)
	}
	return s.baseURL.JoinPath("models", key).String()
}

// Put copies a file or a directory at src into the store, and returns its key.
//
// Putting the same content twice is not an error.
func (s *Store) Put(src string) (string, error) {
	key, err := digest.Path(src)
	if err != nil {
		return "", domain.Filesystem(err)
	}
	if s.Has(key) {
		return key, nil
	}

	tmp, err := os.MkdirTemp(filepath.Join(s.root, ".tmp"), "put-")
	if err != nil {
		return "", domain.Filesystem(err)
	}
	defer os.RemoveAll(tmp)

	staged := filepath.Join(tmp, "content")
	if err := files.Copy(src, staged); err != nil {
		return "", domain.Filesystem(err)
	}
	if err := s.commit(staged, key); err != nil {
		return "", err
	}
	return key, nil
}

// Remove deletes the content of key. Missing content is not an error.
func (s *Store) Remove(key string) error {
	if err := os.RemoveAll(s.Path(key)); err != nil {
		return domain.Filesystem(err)
	}
	return nil
}

// Fetch makes the file of key available in the store, downloading it from address if needed.
//
// Downloaded content must have the digest key.
func (s *Store) Fetch(ctx context.Context, key string, address string) (string, error) {
	dest := s.Path(key)
	if s.Has(key) {
		return dest, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return "", domain.Filesystem(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", domain.Filesystem(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", domain.Filesystem(fmt.Errorf("GET %s: %s", address, resp.Status))
	}

	f, err := os.CreateTemp(filepath.Join(s.root, ".tmp"), "fetch-")
	if err != nil {
		return "", domain.Filesystem(err)
	}
	defer os.Remove(f.Name())

	w := digest.NewWriter(f)
	_, err = io.Copy(w, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", domain.Filesystem(err)
	}
	if sum := w.Sum(); sum != key {
		return "", domain.Filesystem(fmt.Errorf("%s: digest mismatch: got %s", address, sum))
	}

	if err := s.commit(f.Name(), key); err != nil {
		return "", err
	}
	s.logger.Info("model is fetched", zap.String("key", key), zap.String("from", address))
	return dest, nil
}

func (s *Store) commit(staged string, key string) error {
	dest := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return domain.Filesystem(err)
	}
	if err := os.Rename(staged, dest); err != nil {
		if s.Has(key) {
			// put concurrently.
			return nil
		}
		return domain.Filesystem(xe.Wrap(err))
	}
	return nil
}

// Handler serves a stored file named by the path parameter param.
//
// It is routed as "GET /models/:key", which Address points at.
func (s *Store) Handler(param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Param(param)
		if key == "" || filepath.Base(key) != key || key == "." || key == ".." {
			return echo.NewHTTPError(http.StatusBadRequest, "bad key")
		}
		info, err := os.Stat(s.Path(key))
		if err != nil || info.IsDir() {
			return echo.NewHTTPError(http.StatusNotFound, "model is not found")
		}
		return c.File(s.Path(key))
	}
}
