package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"askanna/internal/apperr"
	"askanna/internal/storage"
	"askanna/internal/store"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFiles struct {
	mu    sync.Mutex
	files map[uuid.UUID]*store.File
}

func newMemFiles() *memFiles {
	return &memFiles{files: make(map[uuid.UUID]*store.File)}
}

func (m *memFiles) CreateFile(ctx context.Context, tx store.DBTransaction, f *store.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	cp := *f
	m.files[f.ID] = &cp
	return nil
}

func (m *memFiles) GetFileByID(ctx context.Context, id uuid.UUID) (*store.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *memFiles) GetFileBySUUID(ctx context.Context, suuid string) (*store.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.SUUID == suuid {
			cp := *f
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memFiles) UpdateFile(ctx context.Context, tx store.DBTransaction, f *store.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *f
	m.files[f.ID] = &cp
	return nil
}

func (m *memFiles) AddFilePart(ctx context.Context, id uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, p := range f.PartFilenames {
		if p == name {
			return nil
		}
	}
	f.PartFilenames = append(f.PartFilenames, name)
	return nil
}

func (m *memFiles) DeleteFile(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

func (m *memFiles) ListIncompleteFiles(ctx context.Context, before time.Time, limit int) ([]store.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.File
	for _, f := range m.files {
		if f.CompletedAt == nil && f.CreatedAt.Before(before) && len(out) < limit {
			out = append(out, *f)
		}
	}
	return out, nil
}

func newTestManager() (*Manager, *memFiles, storage.Backend) {
	files := newMemFiles()
	objects := storage.NewLocalFs(afero.NewMemMapFs(), "http://localhost", "secret")
	return NewManager(files, objects, nil), files, objects
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func createFile(t *testing.T, m *Manager, req CreateRequest) *store.File {
	t.Helper()
	if req.Name == "" {
		req.Name = "data.bin"
	}
	req.UploadTo = "runs/ab/cd/abcd-efgh-ijkm-npqr/result"
	req.OwnerType = store.OwnerRun
	req.OwnerID = uuid.New()
	f, err := m.Create(context.Background(), nil, req)
	require.NoError(t, err)
	return f
}

func TestMultipartUpload_ElevenParts(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	content := bytes.Repeat([]byte("0123456789"), 105)
	require.Len(t, content, 1050)

	f := createFile(t, m, CreateRequest{Size: 1050})

	var specs []PartSpec
	for i := 0; i < 11; i++ {
		end := (i + 1) * 100
		if end > len(content) {
			end = len(content)
		}
		part := content[i*100 : end]
		require.NoError(t, m.UploadPart(ctx, f, i+1, bytes.NewReader(part), md5Hex(part)))
		specs = append(specs, PartSpec{PartNumber: i + 1, ETag: md5Hex(part)})
	}

	done, err := m.Complete(ctx, f, CompleteRequest{Parts: specs})
	require.NoError(t, err)
	assert.EqualValues(t, 1050, done.Size)
	assert.Equal(t, md5Hex(content), done.ETag)
	assert.True(t, done.IsComplete())

	rc, err := m.Open(ctx, done)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, parts, err := m.Objects().List(ctx, f.PartsPrefix(), true)
	require.NoError(t, err)
	assert.Empty(t, parts, "parts are removed after completion")
}

func TestComplete_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	f := createFile(t, m, CreateRequest{})
	require.NoError(t, m.UploadPart(ctx, f, 1, bytes.NewReader([]byte("hello")), ""))

	first, err := m.Complete(ctx, f, CompleteRequest{})
	require.NoError(t, err)
	second, err := m.Complete(ctx, first, CompleteRequest{ETag: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, first.ETag, second.ETag)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
}

func TestUploadPart_Validation(t *testing.T) {
	ctx := context.Background()
	m, _, objects := newTestManager()
	f := createFile(t, m, CreateRequest{})

	err := m.UploadPart(ctx, f, 0, bytes.NewReader([]byte("x")), "")
	assertField(t, err, "part_number")

	err = m.UploadPart(ctx, f, MaxPartNumber+1, bytes.NewReader([]byte("x")), "")
	assertField(t, err, "part_number")

	require.NoError(t, m.UploadPart(ctx, f, 1, bytes.NewReader([]byte("good")), ""))
	err = m.UploadPart(ctx, f, 1, bytes.NewReader([]byte("evil")), md5Hex([]byte("other")))
	assertField(t, err, "etag")

	data, err := storage.ReadAll(ctx, objects, f.PartPath(1))
	require.NoError(t, err)
	assert.Equal(t, "good", string(data), "a rejected part must not overwrite the stored one")
}

func TestUploadPart_Overwrite(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()
	f := createFile(t, m, CreateRequest{})

	require.NoError(t, m.UploadPart(ctx, f, 1, bytes.NewReader([]byte("first")), ""))
	require.NoError(t, m.UploadPart(ctx, f, 1, bytes.NewReader([]byte("second")), ""))
	assert.Len(t, f.PartFilenames, 1)

	done, err := m.Complete(ctx, f, CompleteRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 6, done.Size)
}

func TestComplete_Mismatches(t *testing.T) {
	tests := []struct {
		name  string
		req   CompleteRequest
		field string
	}{
		{"etag", CompleteRequest{ETag: md5Hex([]byte("nope"))}, "etag"},
		{"size", CompleteRequest{Size: 99}, "size"},
		{"content type", CompleteRequest{ContentType: "image/png"}, "content_type"},
		{"part count", CompleteRequest{Parts: []PartSpec{{PartNumber: 1}, {PartNumber: 2}}}, "parts"},
		{"part etag", CompleteRequest{Parts: []PartSpec{{PartNumber: 1, ETag: md5Hex([]byte("x"))}}}, "parts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, _, objects := newTestManager()
			f := createFile(t, m, CreateRequest{})
			require.NoError(t, m.UploadPart(ctx, f, 1, bytes.NewReader([]byte("plain text")), ""))

			_, err := m.Complete(ctx, f, tt.req)
			assertField(t, err, tt.field)

			ok, err := objects.Exists(ctx, f.Path())
			require.NoError(t, err)
			assert.False(t, ok, "assembled object must be deleted")

			ok, err = objects.Exists(ctx, f.PartPath(1))
			require.NoError(t, err)
			assert.True(t, ok, "parts are kept on validation failure")
		})
	}
}

func TestComplete_ExpectationsFromCreate(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()
	f := createFile(t, m, CreateRequest{Size: 3})
	require.NoError(t, m.UploadPart(ctx, f, 1, bytes.NewReader([]byte("four")), ""))

	_, err := m.Complete(ctx, f, CompleteRequest{})
	assertField(t, err, "size")
}

func TestComplete_JSONFallback(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()
	f := createFile(t, m, CreateRequest{Name: "payload.json", ContentType: "application/json"})
	require.NoError(t, m.UploadPart(ctx, f, 1, bytes.NewReader([]byte(`{"foo": "bar"}`)), ""))

	done, err := m.Complete(ctx, f, CompleteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "application/json", done.ContentType)
}

func TestComplete_NoParts(t *testing.T) {
	m, _, _ := newTestManager()
	f := createFile(t, m, CreateRequest{})
	_, err := m.Complete(context.Background(), f, CompleteRequest{})
	assertField(t, err, "parts")
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	m, files, objects := newTestManager()
	f := createFile(t, m, CreateRequest{})
	require.NoError(t, m.UploadPart(ctx, f, 1, bytes.NewReader([]byte("x")), ""))

	require.NoError(t, m.Abort(ctx, f))
	require.NoError(t, m.Abort(ctx, f), "second abort is a no-op")

	_, err := files.GetFileByID(ctx, f.ID)
	assert.True(t, store.IsNotFound(err))
	ok, _ := objects.Exists(ctx, f.PartPath(1))
	assert.False(t, ok)
}

func TestAbort_CompletedIsNoop(t *testing.T) {
	ctx := context.Background()
	m, files, _ := newTestManager()
	f, err := m.Store(ctx, nil, CreateRequest{
		Name: "log.json", UploadTo: "runs/ab/cd/x", OwnerType: store.OwnerRun, OwnerID: uuid.New(),
	}, []byte(`[]`))
	require.NoError(t, err)

	require.NoError(t, m.Abort(ctx, f))
	_, err = files.GetFileByID(ctx, f.ID)
	assert.NoError(t, err)
}

func TestOpen_IncompleteNotServed(t *testing.T) {
	m, _, _ := newTestManager()
	f := createFile(t, m, CreateRequest{})
	_, err := m.Open(context.Background(), f)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestStoreAndReplace(t *testing.T) {
	ctx := context.Background()
	m, files, objects := newTestManager()

	f, err := m.Store(ctx, nil, CreateRequest{
		Name: "log.json", UploadTo: "runs/ab/cd/x", OwnerType: store.OwnerRun, OwnerID: uuid.New(),
	}, []byte(`[[0,"2025-01-01T00:00:00Z","a"]]`))
	require.NoError(t, err)
	assert.Equal(t, "application/json", f.ContentType)
	assert.True(t, f.IsComplete())

	next := []byte(`[[0,"2025-01-01T00:00:00Z","a"],[1,"2025-01-01T00:00:01Z","b"]]`)
	require.NoError(t, m.Replace(ctx, f, next))

	stored, err := files.GetFileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, md5Hex(next), stored.ETag)
	data, err := storage.ReadAll(ctx, objects, f.Path())
	require.NoError(t, err)
	assert.Equal(t, next, data)
}

func TestReapStale(t *testing.T) {
	ctx := context.Background()
	m, files, _ := newTestManager()
	f := createFile(t, m, CreateRequest{})
	files.files[f.ID].CreatedAt = time.Now().Add(-48 * time.Hour)
	createFile(t, m, CreateRequest{})

	n, err := m.ReapStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, files.files, 1)
}

func assertField(t *testing.T, err error, field string) {
	t.Helper()
	var verr *apperr.ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	assert.Equal(t, field, verr.Field)
}
