package askannayml

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotInPackage is returned when a package holds no askanna.yml.
var ErrNotInPackage = errors.New("askanna.yml not found in package")

const maxConfigSize = 1 << 20

// FromZip extracts askanna.yml from a package archive. The file may sit at
// the archive root or inside a single top-level directory.
func FromZip(r io.ReaderAt, size int64) ([]byte, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("package is not a zip archive: %w", err)
	}

	var best *zip.File
	bestDepth := 3
	for _, f := range zr.File {
		name := strings.TrimPrefix(path.Clean("/"+f.Name), "/")
		base := path.Base(name)
		if !isConfigName(base) || f.FileInfo().IsDir() {
			continue
		}
		depth := strings.Count(name, "/")
		if depth < bestDepth {
			best, bestDepth = f, depth
		}
	}
	if best == nil || bestDepth > 1 {
		return nil, ErrNotInPackage
	}

	rc, err := best.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", best.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", best.Name, err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", best.Name, maxConfigSize)
	}
	return data, nil
}

func isConfigName(name string) bool {
	for _, n := range FileNames {
		if name == n {
			return true
		}
	}
	return false
}
