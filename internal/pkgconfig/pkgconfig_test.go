package pkgconfig

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askanna/internal/store"
)

type memFiles struct {
	file *store.File
	data []byte
}

func (m *memFiles) Get(ctx context.Context, id uuid.UUID) (*store.File, error) {
	if m.file == nil || m.file.ID != id {
		return nil, store.ErrNotFound
	}
	return m.file, nil
}

func (m *memFiles) Open(ctx context.Context, f *store.File) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

func zipWith(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func completedPackage(files *memFiles, data []byte) *store.Package {
	now := time.Now()
	id := uuid.New()
	files.file = &store.File{ID: id, SUUID: "file-suuid", Name: "code.zip", CompletedAt: &now}
	files.data = data
	return &store.Package{ID: uuid.New(), SUUID: "pkg", FileID: &id}
}

func TestLoad(t *testing.T) {
	files := &memFiles{}
	pkg := completedPackage(files, zipWith(t, map[string]string{
		"project/askanna.yml": "timezone: Europe/Amsterdam\ntrain:\n  job:\n    - python train.py\n",
		"project/train.py":    "print('hi')\n",
	}))

	cfg, err := NewLoader(files, "UTC").Load(context.Background(), pkg)
	require.NoError(t, err)

	job, ok := cfg.Job("train")
	require.True(t, ok)
	assert.Equal(t, []string{"python train.py"}, job.Commands)
	assert.Equal(t, "Europe/Amsterdam", job.Timezone)
}

func TestLoad_NoConfig(t *testing.T) {
	files := &memFiles{}
	l := NewLoader(files, "")

	_, err := l.Load(context.Background(), &store.Package{SUUID: "no-file"})
	assert.ErrorIs(t, err, ErrNoConfig)

	pkg := completedPackage(files, zipWith(t, map[string]string{"main.py": "x"}))
	_, err = l.Load(context.Background(), pkg)
	assert.ErrorIs(t, err, ErrNoConfig)

	files.file.CompletedAt = nil
	_, err = l.Load(context.Background(), pkg)
	assert.ErrorIs(t, err, ErrNoConfig, "an incomplete upload has no config yet")
}
