// Package upload manages the lifecycle of File descriptors: create, receive
// parts, validate, reassemble and finalise.
package upload

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"mime"
	"os"
	"sort"
	"strings"
	"time"

	"askanna/internal/apperr"
	"askanna/internal/storage"
	"askanna/internal/store"
	"askanna/internal/suuid"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	// MaxPartNumber is the highest accepted 1-based part number.
	MaxPartNumber = 10000

	// jsonSniffLimit bounds the JSON fallback check on text/plain objects.
	jsonSniffLimit = 32 << 20
)

// Manager drives chunked uploads against a FileStore and an object store.
type Manager struct {
	files    store.FileStore
	objects  storage.Backend
	logger   *slog.Logger
	spoolDir string
	now      func() time.Time
}

// NewManager creates an upload manager. Part spools are created in the
// system temp dir.
func NewManager(files store.FileStore, objects storage.Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{files: files, objects: objects, logger: logger, now: time.Now}
}

// Get returns a File descriptor by ID.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*store.File, error) {
	return m.files.GetFileByID(ctx, id)
}

// GetBySUUID returns a File descriptor by its public identifier.
func (m *Manager) GetBySUUID(ctx context.Context, sid string) (*store.File, error) {
	return m.files.GetFileBySUUID(ctx, sid)
}

// Objects exposes the underlying object store.
func (m *Manager) Objects() storage.Backend {
	return m.objects
}

// CreateRequest describes a new File. Size, ETag and ContentType, when set,
// are the expectations checked at completion.
type CreateRequest struct {
	Name                  string
	Size                  int64
	ETag                  string
	ContentType           string
	UploadTo              string
	OwnerType             store.OwnerType
	OwnerID               uuid.UUID
	CreatedByMembershipID *uuid.UUID
	CreatedByUserID       *uuid.UUID
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return apperr.Validation("name", "is required")
	}
	if strings.ContainsAny(r.Name, `/\`) {
		return apperr.Validation("name", "must not contain path separators")
	}
	if r.Size < 0 {
		return apperr.Validation("size", "must not be negative")
	}
	if r.UploadTo == "" {
		return fmt.Errorf("upload_to prefix is required")
	}
	return nil
}

// Create registers an incomplete File.
func (m *Manager) Create(ctx context.Context, tx store.DBTransaction, req CreateRequest) (*store.File, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	id, sid := suuid.New()
	f := &store.File{
		ID:                    id,
		SUUID:                 sid,
		Name:                  req.Name,
		Size:                  req.Size,
		ETag:                  normalizeETag(req.ETag),
		ContentType:           req.ContentType,
		UploadTo:              storage.Clean(req.UploadTo),
		CreatedForType:        req.OwnerType,
		CreatedForID:          req.OwnerID,
		CreatedByMembershipID: req.CreatedByMembershipID,
		CreatedByUserID:       req.CreatedByUserID,
	}
	if err := m.files.CreateFile(ctx, tx, f); err != nil {
		return nil, fmt.Errorf("create file %s: %w", req.Name, err)
	}
	return f, nil
}

// PartName is the stored name of part n.
func PartName(n int) string {
	return fmt.Sprintf("part-%05d", n)
}

func partNumber(name string) int {
	var n int
	if _, err := fmt.Sscanf(name, "part-%05d", &n); err != nil {
		return 0
	}
	return n
}

// UploadPart stores part n of f, replacing a previous upload of the same
// number. When etag is set the part is rejected unless it matches the MD5 of
// the received bytes; a rejected part leaves stored parts untouched.
func (m *Manager) UploadPart(ctx context.Context, f *store.File, n int, r io.Reader, etag string) error {
	if f.IsComplete() {
		return fmt.Errorf("file %s: %w: already completed", f.SUUID, apperr.ErrConflict)
	}
	if n < 1 || n > MaxPartNumber {
		return apperr.Validation("part_number", "must be between 1 and %d", MaxPartNumber)
	}

	spool, size, sum, err := m.spool(r)
	if err != nil {
		return err
	}
	defer removeSpool(spool)

	if etag != "" && normalizeETag(etag) != sum {
		return apperr.Validation("etag", "part %d: expected %s, received %s", n, normalizeETag(etag), sum)
	}

	if _, err := m.objects.Put(ctx, f.PartPath(n), spool, size, "application/octet-stream"); err != nil {
		return err
	}
	if err := m.files.AddFilePart(ctx, f.ID, PartName(n)); err != nil {
		return fmt.Errorf("record part %d of %s: %w", n, f.SUUID, err)
	}
	if !containsString(f.PartFilenames, PartName(n)) {
		f.PartFilenames = append(f.PartFilenames, PartName(n))
	}
	return nil
}

// PartSpec is a caller-supplied part checksum.
type PartSpec struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// CompleteRequest carries optional completion checks. Empty fields fall back
// to the expectations recorded at creation.
type CompleteRequest struct {
	Parts       []PartSpec
	ETag        string
	Size        int64
	ContentType string
}

type assembled struct {
	size int64
	etag string
	mime *mimetype.MIME
	ct   string
}

// Complete validates and reassembles the parts of f. Completing an already
// completed File returns it unchanged.
func (m *Manager) Complete(ctx context.Context, f *store.File, req CompleteRequest) (*store.File, error) {
	if f.IsComplete() {
		return f, nil
	}

	parts := sortedParts(f.PartFilenames)
	if len(parts) == 0 {
		return nil, apperr.Validation("parts", "no parts uploaded")
	}
	if err := m.checkParts(ctx, f, parts, req.Parts); err != nil {
		return nil, err
	}

	keys := make([]string, len(parts))
	for i, n := range parts {
		keys[i] = f.PartPath(n)
	}

	dst := f.Path()
	result, err := m.assemble(ctx, dst, keys)
	if err != nil {
		m.deleteObject(ctx, dst)
		return nil, err
	}

	wantETag := normalizeETag(firstNonEmpty(req.ETag, f.ETag))
	wantSize := req.Size
	if wantSize == 0 {
		wantSize = f.Size
	}
	wantType := firstNonEmpty(req.ContentType, f.ContentType)

	var verr error
	switch {
	case wantETag != "" && wantETag != result.etag:
		verr = apperr.Validation("etag", "expected %s, assembled %s", wantETag, result.etag)
	case wantSize > 0 && wantSize != result.size:
		verr = apperr.Validation("size", "expected %d, assembled %d", wantSize, result.size)
	case wantType != "" && !result.matches(wantType):
		verr = apperr.Validation("content_type", "expected %s, detected %s", wantType, result.ct)
	}
	if verr != nil {
		m.deleteObject(ctx, dst)
		return nil, verr
	}

	now := m.now().UTC()
	f.Size = result.size
	f.ETag = result.etag
	f.ContentType = result.ct
	f.CompletedAt = &now
	f.PartFilenames = nil
	if err := m.files.UpdateFile(ctx, nil, f); err != nil {
		return nil, fmt.Errorf("persist completed file %s: %w", f.SUUID, err)
	}

	if err := storage.DeletePrefix(ctx, m.objects, f.PartsPrefix()); err != nil {
		m.logger.Warn("failed to delete parts", "file", f.SUUID, "error", err)
	}
	return f, nil
}

func (m *Manager) checkParts(ctx context.Context, f *store.File, stored []int, specs []PartSpec) error {
	if len(specs) == 0 {
		return nil
	}
	if len(specs) != len(stored) {
		return apperr.Validation("parts", "expected %d parts, %d uploaded", len(specs), len(stored))
	}
	have := make(map[int]bool, len(stored))
	for _, n := range stored {
		have[n] = true
	}
	for _, p := range specs {
		if !have[p.PartNumber] {
			return apperr.Validation("parts", "part %d was not uploaded", p.PartNumber)
		}
		if p.ETag == "" {
			continue
		}
		sum, err := m.objectMD5(ctx, f.PartPath(p.PartNumber))
		if err != nil {
			return err
		}
		if sum != normalizeETag(p.ETag) {
			return apperr.Validation("parts", "etag of part %d does not match", p.PartNumber)
		}
	}
	return nil
}

func (m *Manager) assemble(ctx context.Context, dst string, keys []string) (*assembled, error) {
	if composer, ok := m.objects.(storage.Composer); ok && m.objects.SupportsChunks() && m.composable(ctx, keys) {
		if err := composer.Compose(ctx, dst, keys, ""); err != nil {
			return nil, err
		}
		return m.inspect(ctx, dst)
	}
	return m.spoolParts(ctx, dst, keys)
}

// composable reports whether every part but the last meets the minimum part
// size of a server-side compose.
func (m *Manager) composable(ctx context.Context, keys []string) bool {
	for _, k := range keys[:len(keys)-1] {
		st, err := m.objects.Stat(ctx, k)
		if err != nil || st.Size < storage.MinComposePartSize {
			return false
		}
	}
	return true
}

func (m *Manager) spoolParts(ctx context.Context, dst string, keys []string) (*assembled, error) {
	tmp, err := os.CreateTemp(m.spoolDir, "askanna-assemble-*")
	if err != nil {
		return nil, fmt.Errorf("create spool: %w", errors.Join(apperr.ErrStorage, err))
	}
	defer removeSpool(tmp)

	h := md5.New()
	w := io.MultiWriter(tmp, h)
	var size int64
	for _, k := range keys {
		rc, err := m.objects.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		n, err := io.Copy(w, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("spool %s: %w", k, errors.Join(apperr.ErrStorage, err))
		}
		size += n
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	result, err := sniff(tmp, size)
	if err != nil {
		return nil, err
	}
	result.etag = hex.EncodeToString(h.Sum(nil))

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := m.objects.Put(ctx, dst, tmp, size, result.ct); err != nil {
		return nil, err
	}
	return result, nil
}

// inspect reads an assembled object back to compute its size, MD5 and type.
func (m *Manager) inspect(ctx context.Context, key string) (*assembled, error) {
	rc, err := m.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	spool, size, sum, err := m.spool(rc)
	if err != nil {
		return nil, err
	}
	defer removeSpool(spool)

	result, err := sniff(spool, size)
	if err != nil {
		return nil, err
	}
	result.etag = sum
	return result, nil
}

// sniff detects the content type from magic bytes, promoting text/plain to
// application/json when the whole object parses as JSON.
func sniff(r io.ReadSeeker, size int64) (*assembled, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, fmt.Errorf("detect content type: %w", errors.Join(apperr.ErrStorage, err))
	}
	result := &assembled{size: size, mime: mt, ct: mt.String()}
	if mt.Is("text/plain") && size <= jsonSniffLimit {
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		if isJSON(r) {
			result.mime = nil
			result.ct = "application/json"
		}
	}
	return result, nil
}

func isJSON(r io.Reader) bool {
	dec := json.NewDecoder(bufio.NewReader(r))
	var v json.RawMessage
	if err := dec.Decode(&v); err != nil {
		return false
	}
	_, err := dec.Token()
	return errors.Is(err, io.EOF)
}

func (a *assembled) matches(want string) bool {
	if a.mime != nil && a.mime.Is(want) {
		return true
	}
	got, _, err1 := mime.ParseMediaType(a.ct)
	exp, _, err2 := mime.ParseMediaType(want)
	return err1 == nil && err2 == nil && got == exp
}

// Abort removes the parts and the descriptor of an incomplete File.
// Aborting a completed File does nothing.
func (m *Manager) Abort(ctx context.Context, f *store.File) error {
	if f.IsComplete() {
		return nil
	}
	if err := storage.DeletePrefix(ctx, m.objects, f.PartsPrefix()); err != nil {
		return err
	}
	m.deleteObject(ctx, f.Path())
	if err := m.files.DeleteFile(ctx, f.ID); err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("delete file %s: %w", f.SUUID, err)
	}
	return nil
}

// ReapStale aborts incomplete uploads created before now-ttl and returns how
// many were removed.
func (m *Manager) ReapStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := m.now().Add(-ttl)
	reaped := 0
	for {
		stale, err := m.files.ListIncompleteFiles(ctx, cutoff, 100)
		if err != nil {
			return reaped, err
		}
		if len(stale) == 0 {
			return reaped, nil
		}
		for i := range stale {
			if err := m.Abort(ctx, &stale[i]); err != nil {
				return reaped, fmt.Errorf("reap %s: %w", stale[i].SUUID, err)
			}
			reaped++
		}
		if len(stale) < 100 {
			return reaped, nil
		}
	}
}

// Open streams a completed File. Incomplete files are not served.
func (m *Manager) Open(ctx context.Context, f *store.File) (io.ReadCloser, error) {
	if !f.IsComplete() {
		return nil, fmt.Errorf("file %s: %w", f.SUUID, apperr.ErrNotFound)
	}
	return m.objects.Get(ctx, f.Path())
}

// PresignedURL returns a time-limited download URL of a completed File.
func (m *Manager) PresignedURL(ctx context.Context, f *store.File, ttl time.Duration) (string, error) {
	if !f.IsComplete() {
		return "", fmt.Errorf("file %s: %w", f.SUUID, apperr.ErrNotFound)
	}
	return m.objects.PresignedGet(ctx, f.Path(), ttl)
}

// Store writes data as a new, already completed File.
func (m *Manager) Store(ctx context.Context, tx store.DBTransaction, req CreateRequest, data []byte) (*store.File, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	id, sid := suuid.New()
	f := &store.File{
		ID:                    id,
		SUUID:                 sid,
		Name:                  req.Name,
		UploadTo:              storage.Clean(req.UploadTo),
		CreatedForType:        req.OwnerType,
		CreatedForID:          req.OwnerID,
		CreatedByMembershipID: req.CreatedByMembershipID,
		CreatedByUserID:       req.CreatedByUserID,
	}
	if err := m.write(ctx, f, data, req.ContentType); err != nil {
		return nil, err
	}
	if err := m.files.CreateFile(ctx, tx, f); err != nil {
		m.deleteObject(ctx, f.Path())
		return nil, fmt.Errorf("create file %s: %w", req.Name, err)
	}
	return f, nil
}

// Replace overwrites the content of a completed File in place.
func (m *Manager) Replace(ctx context.Context, f *store.File, data []byte) error {
	if err := m.write(ctx, f, data, f.ContentType); err != nil {
		return err
	}
	return m.files.UpdateFile(ctx, nil, f)
}

func (m *Manager) write(ctx context.Context, f *store.File, data []byte, contentType string) error {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
		if strings.HasPrefix(contentType, "text/plain") && json.Valid(data) {
			contentType = "application/json"
		}
	}
	if _, err := m.objects.Put(ctx, f.Path(), bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return err
	}
	sum := md5.Sum(data)
	now := m.now().UTC()
	f.Size = int64(len(data))
	f.ETag = hex.EncodeToString(sum[:])
	f.ContentType = contentType
	f.CompletedAt = &now
	return nil
}

func (m *Manager) spool(r io.Reader) (*os.File, int64, string, error) {
	tmp, err := os.CreateTemp(m.spoolDir, "askanna-part-*")
	if err != nil {
		return nil, 0, "", fmt.Errorf("create spool: %w", errors.Join(apperr.ErrStorage, err))
	}
	h := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		removeSpool(tmp)
		return nil, 0, "", fmt.Errorf("receive part: %w", errors.Join(apperr.ErrStorage, err))
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		removeSpool(tmp)
		return nil, 0, "", err
	}
	return tmp, size, hexSum(h), nil
}

func (m *Manager) objectMD5(ctx context.Context, key string) (string, error) {
	rc, err := m.objects.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h := md5.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("read %s: %w", key, errors.Join(apperr.ErrStorage, err))
	}
	return hexSum(h), nil
}

func (m *Manager) deleteObject(ctx context.Context, key string) {
	if err := m.objects.Delete(ctx, key); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		m.logger.Warn("failed to delete object", "key", key, "error", err)
	}
}

func removeSpool(f *os.File) {
	f.Close()
	os.Remove(f.Name())
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeETag strips the quotes S3-style etags carry.
func normalizeETag(etag string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(etag), `"`))
}

func sortedParts(names []string) []int {
	seen := make(map[int]bool, len(names))
	out := make([]int, 0, len(names))
	for _, name := range names {
		if n := partNumber(name); n > 0 && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
