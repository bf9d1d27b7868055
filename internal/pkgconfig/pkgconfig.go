// Package pkgconfig loads the askanna.yml of an uploaded package.
package pkgconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"askanna/internal/askannayml"
	"askanna/internal/store"
)

// ErrNoConfig means the package has no askanna.yml or has no completed file.
var ErrNoConfig = errors.New("package has no askanna.yml")

// Files opens completed package files.
type Files interface {
	Get(ctx context.Context, id uuid.UUID) (*store.File, error)
	Open(ctx context.Context, f *store.File) (io.ReadCloser, error)
}

// Loader reads and parses package configs.
type Loader struct {
	files     Files
	defaultTZ string
	spoolDir  string
}

// NewLoader creates a Loader. Unknown or missing timezones fall back to defaultTZ.
func NewLoader(files Files, defaultTZ string) *Loader {
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	return &Loader{files: files, defaultTZ: defaultTZ}
}

// DefaultTimezone is the zone used when askanna.yml names none.
func (l *Loader) DefaultTimezone() string {
	return l.defaultTZ
}

// Load parses the config of pkg. It returns ErrNoConfig when the package has no
// completed file or no askanna.yml.
func (l *Loader) Load(ctx context.Context, pkg *store.Package) (*askannayml.Config, error) {
	if pkg == nil || pkg.FileID == nil {
		return nil, ErrNoConfig
	}
	f, err := l.files.Get(ctx, *pkg.FileID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrNoConfig
		}
		return nil, fmt.Errorf("package %s file: %w", pkg.SUUID, err)
	}
	if !f.IsComplete() {
		return nil, ErrNoConfig
	}

	rc, err := l.files.Open(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("open package %s: %w", pkg.SUUID, err)
	}
	defer rc.Close()

	// zip needs random access; spool the archive.
	tmp, err := os.CreateTemp(l.spoolDir, "askanna-package-*.zip")
	if err != nil {
		return nil, fmt.Errorf("spool package %s: %w", pkg.SUUID, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, rc)
	if err != nil {
		return nil, fmt.Errorf("spool package %s: %w", pkg.SUUID, err)
	}

	data, err := askannayml.FromZip(tmp, size)
	if err != nil {
		if errors.Is(err, askannayml.ErrNotInPackage) {
			return nil, ErrNoConfig
		}
		return nil, fmt.Errorf("read askanna.yml of package %s: %w", pkg.SUUID, err)
	}
	return askannayml.Parse(data, l.defaultTZ)
}
