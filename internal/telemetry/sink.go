// Package telemetry records append-only metric and variable rows of runs and
// recomputes their JSON files and summaries.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"askanna/internal/dispatch"
	"askanna/internal/storage"
	"askanna/internal/store"
	"askanna/internal/upload"

	"github.com/google/uuid"
)

// Well-known label names.
const (
	LabelSource   = "source"
	LabelIsMasked = "is_masked"
)

// Sink writes telemetry rows and maintains the per-run files.
type Sink struct {
	rows   store.TelemetryStore
	runs   store.RunStore
	files  *upload.Manager
	logger *slog.Logger
	now    func() time.Time
}

// NewSink creates a telemetry sink.
func NewSink(rows store.TelemetryStore, runs store.RunStore, files *upload.Manager, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{rows: rows, runs: runs, files: files, logger: logger, now: time.Now}
}

// NewLabel builds a label with its inferred type.
func NewLabel(name string, value any) store.Label {
	return store.Label{Name: name, Value: value, Type: TypeOf(value)}
}

// AppendVariable records a variable row. Masked values are replaced before
// they are stored and the row carries an is_masked label.
func (s *Sink) AppendVariable(ctx context.Context, run *store.Run, name string, value any, masked bool, labels ...store.Label) error {
	typ := TypeOf(value)
	if masked {
		value = store.MaskedValue
		labels = append(labels, NewLabel(LabelIsMasked, true))
	}
	return s.append(ctx, store.TelemetryVariable, run, store.TelemetryObject{Name: name, Value: value, Type: typ}, labels, time.Time{})
}

// AppendMetric records a metric row.
func (s *Sink) AppendMetric(ctx context.Context, run *store.Run, name string, value any, labels ...store.Label) error {
	return s.append(ctx, store.TelemetryMetric, run, store.TelemetryObject{Name: name, Value: value, Type: TypeOf(value)}, labels, time.Time{})
}

// Entry is a row submitted through the API.
type Entry struct {
	Name      string
	Value     any
	Labels    []store.Label
	CreatedAt time.Time
}

// AppendEntries records API-submitted rows of one kind in order.
func (s *Sink) AppendEntries(ctx context.Context, kind store.TelemetryKind, run *store.Run, entries []Entry) error {
	for _, e := range entries {
		labels := make([]store.Label, 0, len(e.Labels))
		for _, l := range e.Labels {
			labels = append(labels, NewLabel(l.Name, l.Value))
		}
		obj := store.TelemetryObject{Name: e.Name, Value: e.Value, Type: TypeOf(e.Value)}
		if err := s.append(ctx, kind, run, obj, labels, e.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) append(ctx context.Context, kind store.TelemetryKind, run *store.Run, obj store.TelemetryObject, labels []store.Label, createdAt time.Time) error {
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	row := &store.TelemetryRow{
		RunID:     run.ID,
		RunSUUID:  run.SUUID,
		Object:    obj,
		Labels:    labels,
		CreatedAt: createdAt.UTC(),
	}
	if err := s.rows.AppendTelemetry(ctx, kind, row); err != nil {
		return fmt.Errorf("append %s %s to run %s: %w", kind, obj.Name, run.SUUID, err)
	}
	return nil
}

// List returns the rows of a run with masked values hidden.
func (s *Sink) List(ctx context.Context, kind store.TelemetryKind, runID uuid.UUID) ([]store.TelemetryRow, error) {
	rows, err := s.rows.ListTelemetry(ctx, kind, runID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if isMasked(rows[i].Labels) {
			rows[i].Object.Value = store.MaskedValue
		}
	}
	return rows, nil
}

func isMasked(labels []store.Label) bool {
	for _, l := range labels {
		if l.Name == LabelIsMasked {
			if b, ok := l.Value.(bool); ok && b {
				return true
			}
		}
	}
	return false
}

// fileName is the JSON file a kind is serialised to in the run prefix.
func fileName(kind store.TelemetryKind) string {
	if kind == store.TelemetryMetric {
		return "metrics.json"
	}
	return "variables.json"
}

func fileField(kind store.TelemetryKind) store.RunFileField {
	if kind == store.TelemetryMetric {
		return store.RunFileMetrics
	}
	return store.RunFileVariables
}

// Register binds the recompute tasks of both kinds.
func (s *Sink) Register(registry *dispatch.Registry) {
	bind := func(kind store.TelemetryKind) dispatch.Handler {
		return dispatch.Bind(func(ctx context.Context, kw dispatch.RunKwargs) error {
			run, err := s.runs.GetRunBySUUID(ctx, kw.RunSUUID)
			if err != nil {
				if store.IsNotFound(err) {
					return nil
				}
				return err
			}
			return s.Recompute(ctx, kind, run.ID)
		})
	}
	registry.Register(dispatch.TaskUpdateRunMetrics, bind(store.TelemetryMetric))
	registry.Register(dispatch.TaskUpdateRunVariables, bind(store.TelemetryVariable))
}

// Recompute removes duplicate rows of a run, writes the ordered rows to the
// run's JSON file and stores the summary meta.
func (s *Sink) Recompute(ctx context.Context, kind store.TelemetryKind, runID uuid.UUID) error {
	run, err := s.runs.GetRunByID(ctx, runID)
	if err != nil {
		return err
	}
	rows, err := s.rows.ListTelemetry(ctx, kind, runID)
	if err != nil {
		return err
	}

	kept, dupes := Dedupe(kind, rows)
	if len(dupes) > 0 {
		if err := s.rows.DeleteTelemetry(ctx, kind, dupes); err != nil {
			return fmt.Errorf("delete duplicate %s rows of run %s: %w", kind, run.SUUID, err)
		}
		s.logger.Info("removed duplicate telemetry rows", "run", run.SUUID, "kind", kind, "count", len(dupes))
	}

	data, err := Encode(kind, kept)
	if err != nil {
		return err
	}
	if err := s.writeFile(ctx, kind, run, data); err != nil {
		return err
	}

	meta := Summarize(kept, int64(len(data)))
	if err := s.runs.SetRunMeta(ctx, run.ID, kind, meta); err != nil {
		return fmt.Errorf("store %s meta of run %s: %w", kind, run.SUUID, err)
	}
	return nil
}

func (s *Sink) writeFile(ctx context.Context, kind store.TelemetryKind, run *store.Run, data []byte) error {
	existing := run.MetricsFileID
	if kind == store.TelemetryVariable {
		existing = run.VariablesFileID
	}
	if existing != nil {
		f, err := s.files.Get(ctx, *existing)
		if err == nil {
			return s.files.Replace(ctx, f, data)
		}
		if !store.IsNotFound(err) {
			return err
		}
	}

	f, err := s.files.Store(ctx, nil, upload.CreateRequest{
		Name:        fileName(kind),
		ContentType: "application/json",
		UploadTo:    storage.RunPrefix(run.SUUID),
		OwnerType:   store.OwnerRun,
		OwnerID:     run.ID,
	}, data)
	if err != nil {
		return err
	}
	return s.runs.SetRunFile(ctx, nil, run.ID, fileField(kind), f.ID)
}

// Dedupe keeps the first of rows sharing the same object, labels and
// created_at, returning the kept rows and the IDs of the duplicates.
func Dedupe(kind store.TelemetryKind, rows []store.TelemetryRow) ([]store.TelemetryRow, []int64) {
	seen := make(map[string]bool, len(rows))
	kept := make([]store.TelemetryRow, 0, len(rows))
	var dupes []int64
	for _, row := range rows {
		key, err := json.Marshal(struct {
			Object    store.TelemetryObject `json:"o"`
			Labels    []store.Label         `json:"l"`
			CreatedAt time.Time             `json:"c"`
		}{row.Object, row.Labels, row.CreatedAt.UTC()})
		if err != nil {
			kept = append(kept, row)
			continue
		}
		if seen[string(key)] {
			dupes = append(dupes, row.ID)
			continue
		}
		seen[string(key)] = true
		kept = append(kept, row)
	}
	return kept, dupes
}

// Encode serialises rows in the file format of their kind.
func Encode(kind store.TelemetryKind, rows []store.TelemetryRow) ([]byte, error) {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		labels := row.Labels
		if labels == nil {
			labels = []store.Label{}
		}
		out = append(out, map[string]any{
			"run_suuid":  row.RunSUUID,
			"created_at": row.CreatedAt.UTC().Format(time.RFC3339Nano),
			string(kind): row.Object,
			"label":      labels,
		})
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("encode %s rows: %w", kind, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Summarize computes the meta of a row set whose file is size bytes.
func Summarize(rows []store.TelemetryRow, size int64) store.TelemetryMeta {
	names := newTypeSet()
	labels := newTypeSet()
	for _, row := range rows {
		names.add(row.Object.Name, row.Object.Type)
		for _, l := range row.Labels {
			labels.add(l.Name, l.Type)
		}
	}

	labelNames := labels.list()
	sort.SliceStable(labelNames, func(i, j int) bool {
		ri, rj := labelRank(labelNames[i].Name), labelRank(labelNames[j].Name)
		if ri != rj {
			return ri < rj
		}
		return ri == 2 && labelNames[i].Name < labelNames[j].Name
	})

	return store.TelemetryMeta{
		Count:      len(rows),
		Size:       size,
		Names:      names.list(),
		LabelNames: labelNames,
	}
}

func labelRank(name string) int {
	switch name {
	case LabelSource:
		return 0
	case LabelIsMasked:
		return 1
	default:
		return 2
	}
}

// typeSet keeps names in first-seen order with their merged type.
type typeSet struct {
	order []string
	types map[string]string
}

func newTypeSet() *typeSet {
	return &typeSet{types: make(map[string]string)}
}

func (t *typeSet) add(name, typ string) {
	prev, ok := t.types[name]
	if !ok {
		t.order = append(t.order, name)
		t.types[name] = typ
		return
	}
	if prev != typ {
		t.types[name] = TypeMixed
	}
}

func (t *typeSet) list() []store.NameType {
	out := make([]store.NameType, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, store.NameType{Name: name, Type: t.types[name]})
	}
	return out
}
