// Package variables composes the environment of a run from project, payload
// and worker variables.
package variables

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"askanna/internal/store"
	"askanna/internal/telemetry"
)

const (
	// MaxValueLength caps payload values, in characters.
	MaxValueLength = 10000

	// PayloadPath is where the run's payload is mounted in the container.
	PayloadPath = "/input/payload.json"

	SourceProject = "project"
	SourcePayload = "payload"
	SourceWorker  = "worker"
)

// Recorder persists variable rows.
type Recorder interface {
	AppendVariable(ctx context.Context, run *store.Run, name string, value any, masked bool, labels ...store.Label) error
}

// Env is the flat environment passed to a container.
type Env map[string]string

// List returns the environment as sorted KEY=VALUE pairs.
func (e Env) List() []string {
	out := make([]string, 0, len(e))
	for k, v := range e {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Input collects everything a run's environment is built from.
type Input struct {
	Run        *store.Run
	Project    []store.Variable
	Payload    []byte
	HasPayload bool

	PayloadSUUID string
	JobName      string
	Timezone     string
	Token        string
	Remote       string
}

// Resolver builds run environments and logs every variable it sets.
type Resolver struct {
	recorder Recorder
	logger   *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(recorder Recorder, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{recorder: recorder, logger: logger}
}

// Resolve composes project, payload and worker variables in that order, later
// sources overriding earlier ones.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Env, error) {
	env := make(Env)

	for _, v := range in.Project {
		env[v.Name] = v.Value
		if err := r.record(ctx, in.Run, v.Name, v.Value, v.IsMasked, SourceProject); err != nil {
			return nil, err
		}
	}

	if in.HasPayload {
		vars, err := PayloadVariables(in.Payload)
		if err != nil {
			r.logger.Warn("payload variables skipped", "run", in.Run.SUUID, "error", err)
		}
		for _, v := range vars {
			env[v.Name] = v.Env
			if err := r.record(ctx, in.Run, v.Name, v.Logged, false, SourcePayload); err != nil {
				return nil, err
			}
		}
	}

	for _, v := range workerVariables(in) {
		env[v.name] = v.value
		if err := r.record(ctx, in.Run, v.name, v.value, v.masked, SourceWorker); err != nil {
			return nil, err
		}
	}
	return env, nil
}

func (r *Resolver) record(ctx context.Context, run *store.Run, name string, value any, masked bool, source string) error {
	return r.recorder.AppendVariable(ctx, run, name, value, masked, telemetry.NewLabel(telemetry.LabelSource, source))
}

type workerVar struct {
	name   string
	value  string
	masked bool
}

func workerVariables(in Input) []workerVar {
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}
	vars := []workerVar{
		{name: "TZ", value: tz},
		{name: "LC_ALL", value: "C.UTF-8"},
		{name: "LANG", value: "C.UTF-8"},
		{name: "AA_TOKEN", value: in.Token, masked: true},
		{name: "AA_REMOTE", value: in.Remote},
		{name: "AA_RUN_SUUID", value: in.Run.SUUID},
		{name: "AA_JOB_NAME", value: in.JobName},
		{name: "AA_PROJECT_SUUID", value: in.Run.ProjectSUUID},
		{name: "AA_PACKAGE_SUUID", value: in.Run.PackageSUUID},
	}
	if in.HasPayload {
		vars = append(vars,
			workerVar{name: "AA_PAYLOAD_PATH", value: PayloadPath},
			workerVar{name: "AA_PAYLOAD_SUUID", value: in.PayloadSUUID},
		)
	}
	return vars
}

// PayloadVariable is one top-level key of a payload.
type PayloadVariable struct {
	Name string
	// Env is the value passed to the container.
	Env string
	// Logged is the value recorded on the variable row, keeping its JSON type.
	Logged any
}

// PayloadVariables turns the keys of a JSON object payload into variables.
// Strings are truncated, lists and dictionaries are JSON-encoded and then
// truncated, and other scalars are passed as their JSON literal. A payload
// that is not an object yields no variables.
func PayloadVariables(payload []byte) ([]PayloadVariable, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("payload root is not an object")
	}

	var out []PayloadVariable
	index := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return out, fmt.Errorf("payload is not valid JSON: %w", err)
		}
		key := keyTok.(string)

		var value any
		if err := dec.Decode(&value); err != nil {
			return out, fmt.Errorf("payload key %s: %w", key, err)
		}
		v := PayloadVariable{Name: key, Env: envValue(value), Logged: value}
		if s, ok := value.(string); ok {
			v.Logged = truncate(s)
		}
		if i, dup := index[key]; dup {
			out[i] = v
			continue
		}
		index[key] = len(out)
		out = append(out, v)
	}
	return out, nil
}

func envValue(v any) string {
	switch x := v.(type) {
	case string:
		return truncate(x)
	case map[string]any, []any:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(x); err != nil {
			return ""
		}
		return truncate(strings.TrimSuffix(buf.String(), "\n"))
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	case nil:
		return "null"
	default:
		return fmt.Sprint(x)
	}
}

func truncate(s string) string {
	if len(s) <= MaxValueLength {
		return s
	}
	runes := []rune(s)
	if len(runes) <= MaxValueLength {
		return s
	}
	return string(runes[:MaxValueLength])
}
