package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"askanna/internal/store"
)

func TestInitMetrics(t *testing.T) {
	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	if handler == nil {
		t.Fatal("expected handler to be non-nil")
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function to be non-nil")
	}

	// Smoke test: verify handler returns 200 and non-empty body
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if rr.Body.Len() == 0 {
		t.Error("handler returned empty body")
	}
}

type fixedCounter int64

func (c fixedCounter) Count(ctx context.Context) (int64, error) { return int64(c), nil }

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	return rr.Body.String()
}

func TestRunMetrics_AppearInOutput(t *testing.T) {
	ctx := context.Background()

	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	meter := otel.Meter(MeterName)
	m, err := NewRunMetrics(meter)
	if err != nil {
		t.Fatalf("NewRunMetrics failed: %v", err)
	}
	m.RunFinished(ctx, store.RunStatusFailed, 3*time.Second)
	m.RunFinished(ctx, store.RunStatusCompleted, time.Second)

	if err := RegisterTaskDepth(meter, fixedCounter(42)); err != nil {
		t.Fatalf("RegisterTaskDepth failed: %v", err)
	}

	body := scrape(t, handler)
	for _, want := range []string{"askanna_runs_finished", `status="FAILED"`, `status="COMPLETED"`, "askanna_run_duration", "askanna_tasks_depth"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in output, got:\n%s", want, body)
		}
	}
	// Verify the value is present (Prometheus format: metric_name{labels} value)
	if !strings.Contains(body, " 42") {
		t.Errorf("expected depth value 42 in output, got:\n%s", body)
	}
}
