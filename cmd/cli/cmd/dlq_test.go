package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"askanna/pkg/api"

	"github.com/spf13/viper"
)

func TestDLQList_Success(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		if r.URL.Path != "/internal/tasks/dlq" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer ops-secret" {
			t.Errorf("expected internal secret, got: %s", r.Header.Get("Authorization"))
		}
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("expected limit 5, got %s", r.URL.Query().Get("limit"))
		}

		resp := []api.DLQTaskResponse{
			{
				ID:           1,
				TaskID:       41,
				Name:         "start_run",
				Queue:        "runner",
				Kwargs:       json.RawMessage(`{"run_suuid":"run-1"}`),
				ErrorMessage: "image pull failed: manifest unknown for registry.example.com/team/model",
				Attempts:     6,
				FailedAt:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("internal_secret", "ops-secret")

	output := execute(t, "dlq", "list", "--limit", "5", "--offset", "0")
	for _, want := range []string{"start_run", "runner", "run-1", "2024-01-01T12:00:00Z", "..."} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
	if strings.Contains(output, "team/model") {
		t.Errorf("expected long error to be truncated, got: %s", output)
	}
}

func TestDLQList_Empty(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	output := execute(t, "dlq", "list", "--limit", "20", "--offset", "0")
	if !strings.Contains(output, "No tasks found in DLQ.") {
		t.Errorf("expected empty message, got: %s", output)
	}

	output = execute(t, "dlq", "list", "--limit", "20", "--offset", "40")
	if !strings.Contains(output, "No more tasks found in DLQ.") {
		t.Errorf("expected end of pages message, got: %s", output)
	}
}

func TestDLQRetry_Success(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/internal/tasks/dlq/7/retry" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.RetryDLQTaskResponse{TaskID: 99})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("internal_secret", "ops-secret")

	output := execute(t, "dlq", "retry", "7")
	if !strings.Contains(output, "Task 7 requeued") {
		t.Errorf("expected success message, got: %s", output)
	}
	if !strings.Contains(output, "New Task ID: 99") {
		t.Errorf("expected new task id, got: %s", output)
	}
}

func TestClient_RetryDLQTask_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Not found", Details: "dlq entry 7"})
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	c.InternalSecret = "ops-secret"
	_, err := c.RetryDLQTask("7")

	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T (%v)", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "Not found: dlq entry 7" {
		t.Errorf("unexpected message: %q", apiErr.Message)
	}
}

func TestDLQList_Filters(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]api.DLQTaskResponse{
			{ID: 1, Name: "start_run", Queue: "runner", Kwargs: json.RawMessage(`{"run_suuid":"run-1"}`)},
			{ID: 2, Name: "housekeeping_images", Queue: "default", Kwargs: json.RawMessage(`{}`)},
		})
	}))
	defer server.Close()
	t.Cleanup(func() {
		dlqListCmd.Flags().Set("task", "")
		dlqListCmd.Flags().Set("queue", "")
	})

	viper.Set("url", server.URL)

	output := execute(t, "dlq", "list", "--offset", "0", "--task", "housekeeping_images")
	if !strings.Contains(output, "housekeeping_images") || strings.Contains(output, "start_run") {
		t.Errorf("expected only housekeeping_images, got: %s", output)
	}
	if !strings.Contains(output, " -  ") {
		t.Errorf("expected no run for housekeeping task, got: %s", output)
	}

	output = execute(t, "dlq", "list", "--task", "", "--queue", "nightly")
	if !strings.Contains(output, "No matching tasks on this page of the DLQ.") {
		t.Errorf("expected no matches message, got: %s", output)
	}
}
