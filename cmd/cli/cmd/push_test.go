package cmd

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"askanna/pkg/api"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// uploadServer accepts one package upload and keeps its parts.
type uploadServer struct {
	t *testing.T

	mu       sync.Mutex
	created  api.CreatePackageRequest
	parts    map[int][]byte
	complete *api.CompleteUploadRequest
	aborted  bool
	failPart int
}

func newUploadServer(t *testing.T) (*uploadServer, *httptest.Server) {
	u := &uploadServer{t: t, parts: map[int][]byte{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/package/", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&u.created)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.FileResponse{SUUID: "file-1", Name: u.created.Name, Owner: "pkg-1"})
	})
	mux.HandleFunc("PUT /v1/file/file-1/part/", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("part_number"))
		body, _ := io.ReadAll(r.Body)
		if n == u.failPart {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Invalid request", Details: "etag mismatch"})
			return
		}
		if got := r.URL.Query().Get("etag"); got != md5Hex(body) {
			t.Errorf("part %d: etag %s does not match body", n, got)
		}
		u.mu.Lock()
		u.parts[n] = body
		u.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1/file/file-1/complete/", func(w http.ResponseWriter, r *http.Request) {
		var req api.CompleteUploadRequest
		json.NewDecoder(r.Body).Decode(&req)
		u.complete = &req
		json.NewEncoder(w).Encode(api.FileResponse{SUUID: "file-1", Owner: "pkg-1", Size: req.Size, ETag: req.ETag})
	})
	mux.HandleFunc("POST /v1/file/file-1/abort/", func(w http.ResponseWriter, r *http.Request) {
		u.aborted = true
		w.WriteHeader(http.StatusNoContent)
	})
	return u, httptest.NewServer(mux)
}

func (u *uploadServer) assembled() []byte {
	var nums []int
	for n := range u.parts {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	var buf bytes.Buffer
	for _, n := range nums {
		buf.Write(u.parts[n])
	}
	return buf.Bytes()
}

func withMemFs(t *testing.T) afero.Fs {
	t.Helper()
	mem := afero.NewMemMapFs()
	prev := fs
	fs = mem
	t.Cleanup(func() { fs = prev })
	return mem
}

func TestPushCommand_Directory(t *testing.T) {
	resetViper()
	mem := withMemFs(t)
	afero.WriteFile(mem, "/src/project/askanna.yml", []byte("train:\n  job:\n    - python train.py\n"), 0o644)
	afero.WriteFile(mem, "/src/project/train.py", []byte("print('hi')\n"), 0o644)
	afero.WriteFile(mem, "/src/project/.git/HEAD", []byte("ref: refs/heads/main\n"), 0o644)

	u, server := newUploadServer(t)
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "push", "proj-1", "/src/project", "--chunk-size", "10")
	if !strings.Contains(output, "Package pushed") {
		t.Fatalf("expected success message, got: %s", output)
	}
	if u.created.Project != "proj-1" || u.created.Name != "project.zip" {
		t.Errorf("unexpected create request: %+v", u.created)
	}

	archive := u.assembled()
	if u.complete == nil {
		t.Fatal("expected upload to be completed")
	}
	if u.complete.ETag != md5Hex(archive) || u.complete.Size != int64(len(archive)) {
		t.Errorf("completion does not describe the uploaded archive: %+v", u.complete)
	}
	if len(u.complete.Parts) != len(u.parts) {
		t.Errorf("expected %d parts in completion, got %d", len(u.parts), len(u.complete.Parts))
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("uploaded archive is not a zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "askanna.yml,train.py" {
		t.Errorf("unexpected archive entries: %v", names)
	}
}

func TestUploadPackage_Chunks(t *testing.T) {
	u, server := newUploadServer(t)
	defer server.Close()

	archive := bytes.Repeat([]byte("0123456789"), 25)
	file, err := uploadPackage(NewClient(server.URL, "test-token"), "proj-1", "code.zip", archive, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.parts) != 3 {
		t.Errorf("expected 3 parts, got %d", len(u.parts))
	}
	if !bytes.Equal(u.assembled(), archive) {
		t.Error("assembled parts differ from the archive")
	}
	if file.ETag != md5Hex(archive) {
		t.Errorf("unexpected etag %s", file.ETag)
	}
	if u.aborted {
		t.Error("expected no abort for a successful upload")
	}
}

func TestUploadPackage_AbortsOnFailure(t *testing.T) {
	u, server := newUploadServer(t)
	defer server.Close()
	u.failPart = 2

	_, err := uploadPackage(NewClient(server.URL, "test-token"), "proj-1", "code.zip", make([]byte, 250), 100)
	if err == nil || !strings.Contains(err.Error(), "part 2") {
		t.Fatalf("expected part 2 failure, got %v", err)
	}
	if !u.aborted {
		t.Error("expected the upload to be aborted")
	}
	if u.complete != nil {
		t.Error("expected no completion")
	}
}

func TestPackageArchive(t *testing.T) {
	mem := withMemFs(t)
	afero.WriteFile(mem, "/dist/code.zip", []byte("PK-bytes"), 0o644)
	afero.WriteFile(mem, "/dist/notes.txt", []byte("text"), 0o644)

	name, b, err := packageArchive("/dist/code.zip")
	if err != nil || name != "code.zip" || string(b) != "PK-bytes" {
		t.Errorf("expected zip to be sent as is, got %q %q %v", name, b, err)
	}

	if _, _, err := packageArchive("/dist/notes.txt"); err == nil {
		t.Error("expected an error for a plain file")
	}
	if _, _, err := packageArchive("/missing"); err == nil {
		t.Error("expected an error for a missing path")
	}
}

func TestPushCommand_MissingToken(t *testing.T) {
	resetViper()
	viper.Set("token", "")

	output := execute(t, "push", "proj-1", ".", "--chunk-size", "10")
	if !strings.Contains(output, "API token not found") {
		t.Errorf("expected token error message, got: %s", output)
	}
}
