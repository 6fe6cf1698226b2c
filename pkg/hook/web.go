package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Web posts the value as JSON to each URL.
//
// The hook proceeds if and only if all of the URLs respond with 2xx.
type Web[T any] struct {
	BeforeURL []*url.URL
	AfterURL  []*url.URL

	// Client sends requests. http.DefaultClient is used when nil.
	Client *http.Client
}

func (w Web[T]) Before(ctx context.Context, value T) error {
	return w.post(ctx, value, w.BeforeURL)
}

func (w Web[T]) After(ctx context.Context, value T) error {
	return w.post(ctx, value, w.AfterURL)
}

func (w Web[T]) post(ctx context.Context, value T, urls []*url.URL) error {
	if len(urls) == 0 {
		return nil
	}
	buf, err := json.Marshal(value)
	if err != nil {
		return err
	}
	for _, u := range urls {
		if err := w.send(ctx, u, buf); err != nil {
			return err
		}
	}
	return nil
}

func (w Web[T]) send(ctx context.Context, u *url.URL, payload []byte) error {
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHookFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHookFailed, err)
	}
	defer resp.Body.Close()

	if 200 <= resp.StatusCode && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf(
		"%w (%s %d, Content-Type: %s): %s",
		ErrHookFailed, u, resp.StatusCode, resp.Header.Get("Content-Type"), string(body),
	)
}
