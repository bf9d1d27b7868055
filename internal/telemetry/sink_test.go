package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"askanna/internal/dispatch"
	"askanna/internal/storage"
	"askanna/internal/store"
	"askanna/internal/upload"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeOf(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, TypeNull},
		{true, TypeBoolean},
		{json.Number("12"), TypeInteger},
		{json.Number("1.5"), TypeFloat},
		{json.Number("1e3"), TypeFloat},
		{42, TypeInteger},
		{0.5, TypeFloat},
		{"x", TypeString},
		{[]any{1, 2}, TypeList},
		{map[string]any{"a": 1}, TypeDictionary},
		{struct{}{}, TypeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TypeOf(tt.in), "%#v", tt.in)
	}
}

func row(id int64, name string, value any, at time.Time, labels ...store.Label) store.TelemetryRow {
	return store.TelemetryRow{
		ID:        id,
		RunSUUID:  "abcd-efgh-ijkm-npqr",
		Object:    store.TelemetryObject{Name: name, Value: value, Type: TypeOf(value)},
		Labels:    labels,
		CreatedAt: at,
	}
}

func TestDedupe(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []store.TelemetryRow{
		row(1, "loss", 0.5, at, NewLabel("epoch", 1)),
		row(2, "loss", 0.5, at, NewLabel("epoch", 1)),
		row(3, "loss", 0.5, at, NewLabel("epoch", 2)),
		row(4, "loss", 0.5, at.Add(time.Second), NewLabel("epoch", 1)),
	}
	kept, dupes := Dedupe(store.TelemetryMetric, rows)
	assert.Equal(t, []int64{2}, dupes)
	require.Len(t, kept, 3)
	assert.Equal(t, int64(1), kept[0].ID)
}

func TestSummarize(t *testing.T) {
	at := time.Now()
	rows := []store.TelemetryRow{
		row(1, "b", "x", at, NewLabel("zeta", 1), NewLabel(LabelIsMasked, true), NewLabel(LabelSource, "project")),
		row(2, "a", 1, at, NewLabel("alpha", "y"), NewLabel(LabelSource, "payload")),
		row(3, "b", 2, at),
	}
	meta := Summarize(rows, 123)

	assert.Equal(t, 3, meta.Count)
	assert.EqualValues(t, 123, meta.Size)
	assert.Equal(t, []store.NameType{{Name: "b", Type: TypeMixed}, {Name: "a", Type: TypeInteger}}, meta.Names)

	var names []string
	for _, l := range meta.LabelNames {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{LabelSource, LabelIsMasked, "alpha", "zeta"}, names)
}

func TestEncode(t *testing.T) {
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	data, err := Encode(store.TelemetryVariable, []store.TelemetryRow{row(1, "foo", "bar", at, NewLabel(LabelSource, "payload"))})
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "abcd-efgh-ijkm-npqr", decoded[0]["run_suuid"])
	assert.Equal(t, "2025-01-01T12:00:00Z", decoded[0]["created_at"])
	assert.Equal(t, map[string]any{"name": "foo", "value": "bar", "type": "string"}, decoded[0]["variable"])
	assert.False(t, strings.HasSuffix(string(data), "\n"))
}

type memRows struct {
	mu     sync.Mutex
	nextID int64
	rows   map[store.TelemetryKind][]store.TelemetryRow
}

func (m *memRows) AppendTelemetry(ctx context.Context, kind store.TelemetryKind, r *store.TelemetryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	if m.rows == nil {
		m.rows = make(map[store.TelemetryKind][]store.TelemetryRow)
	}
	m.rows[kind] = append(m.rows[kind], *r)
	return nil
}

func (m *memRows) ListTelemetry(ctx context.Context, kind store.TelemetryKind, runID uuid.UUID) ([]store.TelemetryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TelemetryRow
	for _, r := range m.rows[kind] {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRows) DeleteTelemetry(ctx context.Context, kind store.TelemetryKind, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[int64]bool)
	for _, id := range ids {
		drop[id] = true
	}
	var kept []store.TelemetryRow
	for _, r := range m.rows[kind] {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	m.rows[kind] = kept
	return nil
}

type memRuns struct {
	store.RunStore
	run  *store.Run
	meta map[store.TelemetryKind]store.TelemetryMeta
}

func (m *memRuns) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	cp := *m.run
	return &cp, nil
}

func (m *memRuns) GetRunBySUUID(ctx context.Context, suuid string) (*store.Run, error) {
	if m.run.SUUID != suuid {
		return nil, store.ErrNotFound
	}
	return m.GetRunByID(ctx, m.run.ID)
}

func (m *memRuns) SetRunFile(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, field store.RunFileField, fileID uuid.UUID) error {
	switch field {
	case store.RunFileMetrics:
		m.run.MetricsFileID = &fileID
	case store.RunFileVariables:
		m.run.VariablesFileID = &fileID
	}
	return nil
}

func (m *memRuns) SetRunMeta(ctx context.Context, runID uuid.UUID, kind store.TelemetryKind, meta store.TelemetryMeta) error {
	if m.meta == nil {
		m.meta = make(map[store.TelemetryKind]store.TelemetryMeta)
	}
	m.meta[kind] = meta
	return nil
}

type memFiles struct {
	store.FileStore
	files map[uuid.UUID]store.File
}

func (m *memFiles) CreateFile(ctx context.Context, tx store.DBTransaction, f *store.File) error {
	m.files[f.ID] = *f
	return nil
}

func (m *memFiles) UpdateFile(ctx context.Context, tx store.DBTransaction, f *store.File) error {
	m.files[f.ID] = *f
	return nil
}

func (m *memFiles) GetFileByID(ctx context.Context, id uuid.UUID) (*store.File, error) {
	f, ok := m.files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &f, nil
}

func TestSink_RecomputeWritesFileAndMeta(t *testing.T) {
	ctx := context.Background()
	run := &store.Run{ID: uuid.New(), SUUID: "abcd-efgh-ijkm-npqr"}
	rows := &memRows{}
	runs := &memRuns{run: run}
	objects := storage.NewLocalFs(afero.NewMemMapFs(), "", "s")
	files := upload.NewManager(&memFiles{files: map[uuid.UUID]store.File{}}, objects, nil)
	sink := NewSink(rows, runs, files, nil)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return fixed }

	require.NoError(t, sink.AppendVariable(ctx, run, "TOKEN", "secret", true, NewLabel(LabelSource, "worker")))
	require.NoError(t, sink.AppendVariable(ctx, run, "foo", "bar", false, NewLabel(LabelSource, "payload")))
	require.NoError(t, sink.AppendVariable(ctx, run, "foo", "bar", false, NewLabel(LabelSource, "payload")))

	require.NoError(t, sink.Recompute(ctx, store.TelemetryVariable, run.ID))

	left, _ := rows.ListTelemetry(ctx, store.TelemetryVariable, run.ID)
	assert.Len(t, left, 2, "duplicate row removed")

	require.NotNil(t, run.VariablesFileID)
	data, err := storage.ReadAll(ctx, objects, storage.RunPrefix(run.SUUID)+"/variables.json")
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), store.MaskedValue)

	meta := runs.meta[store.TelemetryVariable]
	assert.Equal(t, 2, meta.Count)
	assert.EqualValues(t, len(data), meta.Size)
	assert.Equal(t, LabelSource, meta.LabelNames[0].Name)
	assert.Equal(t, LabelIsMasked, meta.LabelNames[1].Name)

	// A second recompute replaces the same file.
	first := *run.VariablesFileID
	require.NoError(t, sink.Recompute(ctx, store.TelemetryVariable, run.ID))
	assert.Equal(t, first, *run.VariablesFileID)
}

func TestSink_ListHidesMasked(t *testing.T) {
	ctx := context.Background()
	runID := uuid.New()
	rows := &memRows{}
	rows.AppendTelemetry(ctx, store.TelemetryVariable, &store.TelemetryRow{
		RunID:  runID,
		Object: store.TelemetryObject{Name: "K", Value: "leaked", Type: TypeString},
		Labels: []store.Label{NewLabel(LabelIsMasked, true)},
	})
	sink := NewSink(rows, nil, nil, nil)

	got, err := sink.List(ctx, store.TelemetryVariable, runID)
	require.NoError(t, err)
	assert.Equal(t, store.MaskedValue, got[0].Object.Value)
}

func TestSink_RegisterRecomputesByRunSUUID(t *testing.T) {
	ctx := context.Background()
	run := &store.Run{ID: uuid.New(), SUUID: "abcd-efgh-ijkm-npqr"}
	rows := &memRows{}
	runs := &memRuns{run: run}
	objects := storage.NewLocalFs(afero.NewMemMapFs(), "", "s")
	files := upload.NewManager(&memFiles{files: map[uuid.UUID]store.File{}}, objects, nil)
	sink := NewSink(rows, runs, files, nil)

	require.NoError(t, sink.AppendMetric(ctx, run, "accuracy", json.Number("0.9")))

	registry := dispatch.NewRegistry()
	sink.Register(registry)
	assert.ElementsMatch(t, []string{dispatch.TaskUpdateRunMetrics, dispatch.TaskUpdateRunVariables}, registry.Names())

	kwargs, err := json.Marshal(dispatch.RunKwargs{RunSUUID: run.SUUID})
	require.NoError(t, err)
	require.NoError(t, registry.Handle(ctx, dispatch.TaskUpdateRunMetrics, kwargs))
	assert.NotNil(t, run.MetricsFileID)
	assert.Equal(t, 1, runs.meta[store.TelemetryMetric].Count)

	// Unknown runs are dropped.
	kwargs, _ = json.Marshal(dispatch.RunKwargs{RunSUUID: "zzzz-zzzz-zzzz-zzzz"})
	assert.NoError(t, registry.Handle(ctx, dispatch.TaskUpdateRunVariables, kwargs))
}
