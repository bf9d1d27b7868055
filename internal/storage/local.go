package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"askanna/internal/apperr"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

// Local stores objects on a filesystem. Presigned URLs point at the
// controller's storage endpoint and are signed with an HMAC of the key and
// expiry.
type Local struct {
	fs      afero.Fs
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewLocal roots a local backend at dir on the host filesystem.
func NewLocal(dir, baseURL, secret string) *Local {
	return NewLocalFs(afero.NewBasePathFs(afero.NewOsFs(), dir), baseURL, secret)
}

// NewLocalFs builds a local backend on any afero filesystem.
func NewLocalFs(fsys afero.Fs, baseURL, secret string) *Local {
	return &Local{fs: fsys, baseURL: strings.TrimSuffix(baseURL, "/"), secret: []byte(secret), now: time.Now}
}

func mapFsError(key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(key)
	}
	return fmt.Errorf("object %s: %w: %v", key, apperr.ErrStorage, err)
}

func (l *Local) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	key = Clean(key)
	if err := l.fs.MkdirAll(path.Dir("/"+key), 0o755); err != nil {
		return "", mapFsError(key, err)
	}
	tmp := "/" + key + ".tmp"
	f, err := l.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", mapFsError(key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		l.fs.Remove(tmp)
		return "", mapFsError(key, err)
	}
	if err := f.Close(); err != nil {
		l.fs.Remove(tmp)
		return "", mapFsError(key, err)
	}
	if err := l.fs.Rename(tmp, "/"+key); err != nil {
		return "", mapFsError(key, err)
	}
	return key, nil
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	key = Clean(key)
	f, err := l.fs.Open("/" + key)
	if err != nil {
		return nil, mapFsError(key, err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, notFound(key)
	}
	return f, nil
}

func (l *Local) Stat(ctx context.Context, key string) (*Stat, error) {
	key = Clean(key)
	info, err := l.fs.Stat("/" + key)
	if err != nil {
		return nil, mapFsError(key, err)
	}
	if info.IsDir() {
		return nil, notFound(key)
	}
	st := &Stat{Size: info.Size(), LastModified: info.ModTime()}

	f, err := l.fs.Open("/" + key)
	if err != nil {
		return nil, mapFsError(key, err)
	}
	defer f.Close()
	if mt, err := mimetype.DetectReader(f); err == nil {
		st.ContentType = mt.String()
	}
	return st, nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := afero.Exists(l.fs, "/"+Clean(key))
	if err != nil {
		return false, mapFsError(key, err)
	}
	return ok, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	key = Clean(key)
	err := l.fs.Remove("/" + key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return mapFsError(key, err)
}

func (l *Local) List(ctx context.Context, prefix string, recursive bool) ([]string, []string, error) {
	prefix = Dir(prefix)
	root := "/" + strings.TrimSuffix(prefix, "/")

	var dirs, files []string
	if !recursive {
		entries, err := afero.ReadDir(l.fs, root)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil, nil
			}
			return nil, nil, mapFsError(prefix, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, e.Name())
			} else if !strings.HasSuffix(e.Name(), ".tmp") {
				files = append(files, e.Name())
			}
		}
		return dirs, files, nil
	}

	err := afero.Walk(l.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		files = append(files, strings.TrimPrefix(p, root+"/"))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, mapFsError(prefix, err)
	}
	sort.Strings(files)
	return nil, files, nil
}

func (l *Local) PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	key = Clean(key)
	expires := l.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", l.sign(key, expires))
	return fmt.Sprintf("%s/v1/storage/%s?%s", l.baseURL, escapeKey(key), q.Encode()), nil
}

// Verify checks a signature produced by PresignedGet.
func (l *Local) Verify(key, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || l.now().Unix() > exp {
		return false
	}
	return hmac.Equal([]byte(l.sign(Clean(key), exp)), []byte(signature))
}

func (l *Local) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Local) SupportsChunks() bool { return false }
