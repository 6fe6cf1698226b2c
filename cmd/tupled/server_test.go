package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opst/tuplefab/pkg/metrics"
	"github.com/opst/tuplefab/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

func TestBuildServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store, err := storage.New(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	model := filepath.Join(t.TempDir(), "model")
	os.WriteFile(model, []byte("weights"), 0o644)
	key, err := store.Put(model)
	if err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	node := &Node{Registerer: reg, Metrics: metrics.New(reg), Store: store}
	server := httptest.NewServer(BuildServer(node, logger, "debug"))
	defer server.Close()

	get := func(t *testing.T, path string) (int, string) {
		t.Helper()
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode, string(body)
	}

	t.Run("models are served", func(t *testing.T) {
		status, body := get(t, "/models/"+key)
		if status != http.StatusOK || body != "weights" {
			t.Errorf("(status, body) = (%d, %s)", status, body)
		}
	})

	t.Run("unknown models are not found", func(t *testing.T) {
		if status, _ := get(t, "/models/0000"); status != http.StatusNotFound {
			t.Errorf("status: %d", status)
		}
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		status, body := get(t, "/metrics")
		if status != http.StatusOK {
			t.Fatalf("status: %d", status)
		}
		if !strings.Contains(body, "tuplefab_execution_slots_in_use") {
			t.Errorf("no tuplefab metrics:\n%s", body)
		}
	})

	t.Run("other paths are not routed", func(t *testing.T) {
		if status, _ := get(t, "/models"); status != http.StatusNotFound {
			t.Errorf("status: %d", status)
		}
	})
}
