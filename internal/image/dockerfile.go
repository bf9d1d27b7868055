package image

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"text/template"
	"time"
)

// DefaultRunUtilsURL serves the askanna-run-utils binary baked into run images.
const DefaultRunUtilsURL = "https://cdn.askanna.eu/askanna-run-utils/latest/askanna-run-utils-linux-amd64"

// The download is best effort: an image without the helper still builds and
// the run reports "askanna-run-utils: command not found".
var dockerfile = template.Must(template.New("Dockerfile").Parse(`FROM {{ .Base }}
LABEL eu.askanna.base="{{ .Base }}"
ENV PATH="/opt/askanna/bin:${PATH}"
RUN mkdir -p /opt/askanna/bin /input \
 && ( (command -v curl >/dev/null 2>&1 && curl -fsSL "{{ .RunUtilsURL }}" -o /opt/askanna/bin/askanna-run-utils) \
   || (command -v wget >/dev/null 2>&1 && wget -q "{{ .RunUtilsURL }}" -O /opt/askanna/bin/askanna-run-utils) \
   || true ) \
 && chmod +x /opt/askanna/bin/askanna-run-utils 2>/dev/null || true
`))

// Dockerfile renders the derived image definition for base.
func Dockerfile(base, runUtilsURL string) ([]byte, error) {
	if runUtilsURL == "" {
		runUtilsURL = DefaultRunUtilsURL
	}
	var buf bytes.Buffer
	err := dockerfile.Execute(&buf, struct {
		Base        string
		RunUtilsURL string
	}{base, runUtilsURL})
	if err != nil {
		return nil, fmt.Errorf("render Dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildContext returns a tar stream holding only the rendered Dockerfile.
func BuildContext(base, runUtilsURL string) (io.Reader, error) {
	df, err := Dockerfile(base, runUtilsURL)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    "Dockerfile",
		Mode:    0o644,
		Size:    int64(len(df)),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write build context: %w", err)
	}
	if _, err := tw.Write(df); err != nil {
		return nil, fmt.Errorf("write build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("write build context: %w", err)
	}
	return &buf, nil
}
