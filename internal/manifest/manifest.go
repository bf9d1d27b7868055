// Package manifest renders the shell script a run container executes.
//
// The runner entrypoint fetches this script and pipes it into sh. Every job
// command is echoed and run in order; the first failing command prints the
// exit sentinel and stops the script. A script that reaches the end prints
// SucceededLine.
package manifest

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
)

const (
	// SucceededLine is the last line of a successful run.
	SucceededLine = "Run succeeded"

	// ExitPrefix starts the line reporting a failed command.
	ExitPrefix = "AskAnna exit_code="

	// Entrypoint is the fixed command of every run container.
	Entrypoint = "askanna-run-utils get-run-manifest --output /dev/stdout | sh"
)

// Input is what the script needs to know about the job.
type Input struct {
	Commands   []string
	Result     string
	Artifacts  []string
	HasPayload bool
}

var script = template.Must(template.New("manifest").Funcs(template.FuncMap{
	"quote": Quote,
}).Parse(`#!/bin/sh
echo "Preparing run environment"
askanna-run-utils get-package || { echo "{{ .ExitPrefix }}1"; exit 1; }
{{- if .HasPayload }}
askanna-run-utils get-payload || { echo "{{ .ExitPrefix }}1"; exit 1; }
{{- end }}
cd "${AA_CODE_DIR:-/code}" || { echo "{{ .ExitPrefix }}1"; exit 1; }
{{ range .Commands }}
echo {{ quote (printf "$ %s" .) }}
{{ . }}
AA_EXIT_CODE=$?
if [ "$AA_EXIT_CODE" -ne 0 ]; then
  echo "{{ $.ExitPrefix }}$AA_EXIT_CODE"
  exit "$AA_EXIT_CODE"
fi
{{ end }}
{{- if .Result }}
askanna-run-utils push-result --path {{ quote .Result }} || { echo "{{ .ExitPrefix }}1"; exit 1; }
{{- end }}
{{- range .Artifacts }}
askanna-run-utils push-artifact --path {{ quote . }} || { echo "{{ $.ExitPrefix }}1"; exit 1; }
{{- end }}
echo "{{ .Succeeded }}"
`))

// Render returns the run script for in.
func Render(in Input) ([]byte, error) {
	var buf bytes.Buffer
	err := script.Execute(&buf, struct {
		Input
		ExitPrefix string
		Succeeded  string
	}{in, ExitPrefix, SucceededLine})
	if err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// Quote wraps s in single quotes for sh.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var exitLine = regexp.MustCompile(`^AskAnna exit_code=(-?\d+)\s*$`)

// ParseExit reports the exit code carried by a sentinel line.
func ParseExit(line string) (int, bool) {
	m := exitLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// IsSucceeded reports whether line is the success marker.
func IsSucceeded(line string) bool {
	return strings.TrimSpace(line) == SucceededLine
}

// IsRunUtilsMissing reports whether the shell could not find the runner helper.
func IsRunUtilsMissing(line string) bool {
	return strings.Contains(line, "askanna-run-utils: command not found") ||
		strings.Contains(line, "askanna-run-utils: not found")
}
