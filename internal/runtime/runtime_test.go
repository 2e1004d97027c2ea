package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translator/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleReadyReportsFailingChecks(t *testing.T) {
	r := New(config.Default(), discardLogger())

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	healthy := false
	r.addCheck("bus", func() bool { return true })
	r.addCheck("worker", func() bool { return healthy })
	r.ready.Store(true)

	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "worker") {
		t.Fatalf("expected worker reported not ready, got %d %q", rec.Code, rec.Body.String())
	}

	healthy = true
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStartWiresComponents(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Port = -1
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Agent.Greeting = ""
	cfg.STT.Enabled = true

	r := New(cfg, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !r.ready.Load() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("runtime did not become ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if failing := r.notReady(); len(failing) != 0 {
		t.Fatalf("components not ready: %v", failing)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
