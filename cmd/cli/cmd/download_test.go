package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"askanna/pkg/api"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

func TestDownloadCommand_Success(t *testing.T) {
	resetViper()
	mem := withMemFs(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/file/file-1/download/" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Write([]byte("archive-bytes"))
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	output := execute(t, "download", "file-1", "/out/code.zip")
	if !strings.Contains(output, "Saved 13 bytes") {
		t.Errorf("expected saved message, got: %s", output)
	}
	b, err := afero.ReadFile(mem, "/out/code.zip")
	if err != nil || string(b) != "archive-bytes" {
		t.Errorf("unexpected file content %q (%v)", b, err)
	}
}

func TestDownloadCommand_NotFound(t *testing.T) {
	resetViper()
	mem := withMemFs(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Not found"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	output := execute(t, "download", "file-1", "/out/code.zip")
	if !strings.Contains(output, "Download failed") {
		t.Errorf("expected failure message, got: %s", output)
	}
	if ok, _ := afero.Exists(mem, "/out/code.zip"); ok {
		t.Error("expected partial file to be removed")
	}
}
