package housekeeping

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askanna/internal/dispatch"
	"askanna/internal/storage"
	"askanna/internal/store"
	"askanna/internal/worker/runtime"
)

type fakeContainers struct {
	exited     []runtime.ExitedContainer
	removed    []string
	removeErr  map[string]error
	listKey    string
	listValue  string
	pruneErr   error
	prunedImgs bool
	prunedVols bool
}

func (f *fakeContainers) ListExited(ctx context.Context, key, value string) ([]runtime.ExitedContainer, error) {
	f.listKey, f.listValue = key, value
	return f.exited, nil
}

func (f *fakeContainers) Remove(ctx context.Context, id string) error {
	if err := f.removeErr[id]; err != nil {
		return err
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeContainers) PruneImages(ctx context.Context) (uint64, error) {
	f.prunedImgs = true
	return 1024, f.pruneErr
}

func (f *fakeContainers) PruneVolumes(ctx context.Context) (uint64, error) {
	f.prunedVols = true
	return 2048, nil
}

type fakePurger struct {
	cutoff time.Time
	result *store.PurgeResult
}

func (f *fakePurger) PurgeSoftDeleted(ctx context.Context, cutoff time.Time) (*store.PurgeResult, error) {
	f.cutoff = cutoff
	return f.result, nil
}

type fakeUploads struct {
	ttl time.Duration
}

func (f *fakeUploads) ReapStale(ctx context.Context, ttl time.Duration) (int, error) {
	f.ttl = ttl
	return 2, nil
}

var now = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newHousekeeper(c Containers, p store.HousekeepingStore, objects storage.Backend, u Uploads) *Housekeeper {
	h := New(c, p, objects, u, Options{Environment: "production"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.now = func() time.Time { return now }
	return h
}

func TestContainers_RemovesOnlyExpired(t *testing.T) {
	c := &fakeContainers{exited: []runtime.ExitedContainer{
		{ID: "old", Created: now.Add(-2 * time.Hour)},
		{ID: "fresh", Created: now.Add(-10 * time.Minute)},
		{ID: "older", Created: now.Add(-48 * time.Hour)},
	}}
	h := newHousekeeper(c, nil, nil, nil)

	n, err := h.Containers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"old", "older"}, c.removed)
	assert.Equal(t, runtime.LabelEnv, c.listKey)
	assert.Equal(t, "production", c.listValue)
}

func TestContainers_AggregatesErrors(t *testing.T) {
	c := &fakeContainers{
		exited: []runtime.ExitedContainer{
			{ID: "a", Created: now.Add(-2 * time.Hour)},
			{ID: "b", Created: now.Add(-2 * time.Hour)},
		},
		removeErr: map[string]error{"a": errors.New("device busy")},
	}
	h := newHousekeeper(c, nil, nil, nil)

	n, err := h.Containers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b"}, c.removed)
}

func TestContainers_NoDaemon(t *testing.T) {
	h := newHousekeeper(nil, nil, nil, nil)

	n, err := h.Containers(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, h.Images(context.Background()))
}

func TestImages_PrunesBoth(t *testing.T) {
	c := &fakeContainers{pruneErr: errors.New("daemon busy")}
	h := newHousekeeper(c, nil, nil, nil)

	err := h.Images(context.Background())
	require.Error(t, err)
	assert.True(t, c.prunedImgs)
	assert.True(t, c.prunedVols, "volume prune still runs after image prune fails")
}

func TestEntities_DeletesObjectsAndParts(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewLocalFs(afero.NewMemMapFs(), "http://localhost", "secret")
	for _, key := range []string{
		"runs/ab/cd/abcd-efgh-ijkm-npqr/log.json",
		"runs/ab/cd/abcd-efgh-ijkm-npqr/parts/file-file-file-file/part-00001",
		"runs/ab/cd/abcd-efgh-ijkm-npqr/parts/file-file-file-file/part-00002",
		"runs/ab/cd/keep-keep-keep-keep/log.json",
	} {
		_, err := objects.Put(ctx, key, strings.NewReader("x"), 1, "application/octet-stream")
		require.NoError(t, err)
	}

	purger := &fakePurger{result: &store.PurgeResult{
		Counts: map[string]int64{"runs": 1},
		ObjectKeys: []string{
			"runs/ab/cd/abcd-efgh-ijkm-npqr/log.json",
			"runs/ab/cd/abcd-efgh-ijkm-npqr/already-gone.json",
		},
		PartPrefixes: []string{"runs/ab/cd/abcd-efgh-ijkm-npqr/parts/file-file-file-file/"},
	}}
	h := newHousekeeper(nil, purger, objects, nil)

	require.NoError(t, h.Entities(ctx))
	assert.Equal(t, now.Add(-DefaultObjectTTL), purger.cutoff)

	gone, err := objects.Exists(ctx, "runs/ab/cd/abcd-efgh-ijkm-npqr/log.json")
	require.NoError(t, err)
	assert.False(t, gone)
	part, err := objects.Exists(ctx, "runs/ab/cd/abcd-efgh-ijkm-npqr/parts/file-file-file-file/part-00002")
	require.NoError(t, err)
	assert.False(t, part)
	kept, err := objects.Exists(ctx, "runs/ab/cd/keep-keep-keep-keep/log.json")
	require.NoError(t, err)
	assert.True(t, kept)
}

func TestUploads_UsesTTL(t *testing.T) {
	u := &fakeUploads{}
	h := newHousekeeper(nil, nil, nil, u)

	n, err := h.Uploads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, DefaultUploadTTL, u.ttl)
}

func TestRegister(t *testing.T) {
	h := newHousekeeper(nil, nil, nil, &fakeUploads{})
	registry := dispatch.NewRegistry()
	h.Register(registry)

	assert.ElementsMatch(t, []string{
		dispatch.TaskHousekeepingContainers,
		dispatch.TaskHousekeepingImages,
		dispatch.TaskHousekeepingEntities,
		dispatch.TaskReapStaleUploads,
	}, registry.Names())
	assert.NoError(t, registry.Handle(context.Background(), dispatch.TaskHousekeepingContainers, nil))
}
