package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"askanna/internal/apperr"
	"askanna/internal/askannayml"
	"askanna/internal/auth"
	"askanna/internal/controller/middleware"
	"askanna/internal/logqueue"
	"askanna/internal/pkgconfig"
	"askanna/internal/store"
	"askanna/internal/telemetry"
	"askanna/internal/upload"
)

// Mock transaction
type mockTx struct {
	hooks     []func()
	committed bool
}

func (m *mockTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (m *mockTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (m *mockTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

func (m *mockTx) Commit() error {
	m.committed = true
	for _, fn := range m.hooks {
		fn()
	}
	return nil
}

func (m *mockTx) Rollback() error { return nil }

func (m *mockTx) AfterCommit(fn func()) { m.hooks = append(m.hooks, fn) }

// mockStore is an in-memory store. Methods the handlers never call are left
// to the embedded interface and panic when used.
type mockStore struct {
	Store

	pingErr    error
	beginTxErr error

	workspaces  map[string]*store.Workspace
	projects    map[uuid.UUID]*store.Project
	jobs        map[string]*store.JobDef
	packages    map[uuid.UUID]*store.Package
	runs        map[string]*store.Run
	variables   map[uuid.UUID][]store.Variable
	memberships []*store.Membership
	tokens      map[string]*store.User

	// Spies
	createdRuns    []*store.Run
	createdPkgs    []*store.Package
	runFiles       map[store.RunFileField]uuid.UUID
	accepted       []uuid.UUID
	touched        []uuid.UUID
	hardDeleted    []uuid.UUID
	softDeleted    []uuid.UUID
	capturedFilter store.RunFilter

	// DLQ Hooks
	listDLQResp      []store.DLQEntry
	listDLQErr       error
	retryFromDLQResp int64
	retryFromDLQErr  error
}

func (m *mockStore) BeginTx(ctx context.Context) (store.Tx, error) {
	if m.beginTxErr != nil {
		return nil, m.beginTxErr
	}
	return &mockTx{}, nil
}

func (m *mockStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockStore) GetUserByTokenHash(ctx context.Context, hash string) (*store.User, error) {
	if u, ok := m.tokens[hash]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) GetActiveMembership(ctx context.Context, workspaceID, userID uuid.UUID) (*store.Membership, error) {
	for _, ms := range m.memberships {
		if ms.WorkspaceID == workspaceID && ms.UserID != nil && *ms.UserID == userID && ms.Invitation == nil && ms.DeletedAt == nil {
			return ms, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) GetMembershipBySUUID(ctx context.Context, workspaceID uuid.UUID, sid string) (*store.Membership, error) {
	for _, ms := range m.memberships {
		if ms.WorkspaceID == workspaceID && ms.SUUID == sid && ms.DeletedAt == nil {
			return ms, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) AcceptInvitation(ctx context.Context, tx store.DBTransaction, membershipID, userID uuid.UUID) error {
	m.accepted = append(m.accepted, membershipID)
	return nil
}

func (m *mockStore) TouchInvitation(ctx context.Context, membershipID uuid.UUID, sentAt time.Time) error {
	m.touched = append(m.touched, membershipID)
	return nil
}

func (m *mockStore) HardDeleteInvitation(ctx context.Context, membershipID uuid.UUID) error {
	m.hardDeleted = append(m.hardDeleted, membershipID)
	return nil
}

func (m *mockStore) SoftDeleteMembership(ctx context.Context, membershipID uuid.UUID) error {
	m.softDeleted = append(m.softDeleted, membershipID)
	return nil
}

func (m *mockStore) GetWorkspaceBySUUID(ctx context.Context, sid string) (*store.Workspace, error) {
	if ws, ok := m.workspaces[sid]; ok {
		return ws, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) GetProjectBySUUID(ctx context.Context, sid string) (*store.Project, error) {
	for _, p := range m.projects {
		if p.SUUID == sid {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) GetProjectByID(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	if p, ok := m.projects[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) GetJobDefBySUUID(ctx context.Context, sid string) (*store.JobDef, error) {
	if j, ok := m.jobs[sid]; ok {
		return j, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) CreatePackage(ctx context.Context, tx store.DBTransaction, pkg *store.Package) error {
	m.createdPkgs = append(m.createdPkgs, pkg)
	m.packages[pkg.ID] = pkg
	return nil
}

func (m *mockStore) GetPackageByID(ctx context.Context, id uuid.UUID) (*store.Package, error) {
	if p, ok := m.packages[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) SetPackageFile(ctx context.Context, tx store.DBTransaction, packageID, fileID uuid.UUID) error {
	m.packages[packageID].FileID = &fileID
	return nil
}

func (m *mockStore) LatestPackage(ctx context.Context, projectID uuid.UUID) (*store.Package, error) {
	for _, p := range m.packages {
		if p.ProjectID == projectID {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) ListProjectVariables(ctx context.Context, projectID uuid.UUID) ([]store.Variable, error) {
	return m.variables[projectID], nil
}

func (m *mockStore) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	m.createdRuns = append(m.createdRuns, run)
	return nil
}

func (m *mockStore) GetRunBySUUID(ctx context.Context, sid string) (*store.Run, error) {
	if r, ok := m.runs[sid]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	for _, r := range m.runs {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error) {
	m.capturedFilter = filter
	var out []store.Run
	for _, r := range m.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (m *mockStore) SetRunFile(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, field store.RunFileField, fileID uuid.UUID) error {
	if m.runFiles == nil {
		m.runFiles = map[store.RunFileField]uuid.UUID{}
	}
	m.runFiles[field] = fileID
	return nil
}

func (m *mockStore) ListDLQ(ctx context.Context, limit, offset int) ([]store.DLQEntry, error) {
	return m.listDLQResp, m.listDLQErr
}

func (m *mockStore) RetryFromDLQ(ctx context.Context, dlqID int64) (int64, error) {
	return m.retryFromDLQResp, m.retryFromDLQErr
}

// published is a task seen by mockPublisher.
type published struct {
	name   string
	kwargs any
}

type mockPublisher struct {
	mu    sync.Mutex
	tasks []published
}

func (p *mockPublisher) Publish(ctx context.Context, name string, kwargs any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, published{name, kwargs})
	return nil
}

func (p *mockPublisher) PublishOnCommit(ctx context.Context, tx store.Tx, name string, kwargs any) error {
	tx.AfterCommit(func() { p.Publish(ctx, name, kwargs) })
	return nil
}

func (p *mockPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, t := range p.tasks {
		out = append(out, t.name)
	}
	return out
}

// mockFiles keeps file descriptors and contents in memory.
type mockFiles struct {
	files    map[string]*store.File
	data     map[string][]byte
	parts    map[string]map[int][]byte
	aborted  []string
	presigns int
}

func newMockFiles() *mockFiles {
	return &mockFiles{files: map[string]*store.File{}, data: map[string][]byte{}, parts: map[string]map[int][]byte{}}
}

func (f *mockFiles) Get(ctx context.Context, id uuid.UUID) (*store.File, error) {
	for _, file := range f.files {
		if file.ID == id {
			return file, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *mockFiles) GetBySUUID(ctx context.Context, sid string) (*store.File, error) {
	if file, ok := f.files[sid]; ok {
		return file, nil
	}
	return nil, store.ErrNotFound
}

func (f *mockFiles) Create(ctx context.Context, tx store.DBTransaction, req upload.CreateRequest) (*store.File, error) {
	if req.Name == "" {
		return nil, apperr.Validation("name", "is required")
	}
	file := &store.File{
		ID:             uuid.New(),
		SUUID:          uuid.NewString()[:19],
		Name:           req.Name,
		Size:           req.Size,
		ContentType:    req.ContentType,
		UploadTo:       req.UploadTo,
		CreatedForType: req.OwnerType,
		CreatedForID:   req.OwnerID,
	}
	f.files[file.SUUID] = file
	return file, nil
}

func (f *mockFiles) Store(ctx context.Context, tx store.DBTransaction, req upload.CreateRequest, data []byte) (*store.File, error) {
	file, err := f.Create(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	file.CompletedAt = &now
	file.Size = int64(len(data))
	f.data[file.SUUID] = append([]byte(nil), data...)
	return file, nil
}

func (f *mockFiles) UploadPart(ctx context.Context, file *store.File, n int, r io.Reader, etag string) error {
	if n < 1 || n > upload.MaxPartNumber {
		return apperr.Validation("part_number", "out of range")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.parts[file.SUUID] == nil {
		f.parts[file.SUUID] = map[int][]byte{}
	}
	f.parts[file.SUUID][n] = b
	return nil
}

func (f *mockFiles) Complete(ctx context.Context, file *store.File, req upload.CompleteRequest) (*store.File, error) {
	if file.IsComplete() {
		return file, nil
	}
	var buf bytes.Buffer
	for i := 1; i <= len(f.parts[file.SUUID]); i++ {
		buf.Write(f.parts[file.SUUID][i])
	}
	now := time.Now()
	file.CompletedAt = &now
	file.Size = int64(buf.Len())
	f.data[file.SUUID] = buf.Bytes()
	return file, nil
}

func (f *mockFiles) Abort(ctx context.Context, file *store.File) error {
	f.aborted = append(f.aborted, file.SUUID)
	if !file.IsComplete() {
		delete(f.files, file.SUUID)
	}
	return nil
}

func (f *mockFiles) Open(ctx context.Context, file *store.File) (io.ReadCloser, error) {
	if !file.IsComplete() {
		return nil, apperr.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(f.data[file.SUUID])), nil
}

func (f *mockFiles) PresignedURL(ctx context.Context, file *store.File, ttl time.Duration) (string, error) {
	if !file.IsComplete() {
		return "", apperr.ErrNotFound
	}
	f.presigns++
	return "https://objects.example.com/" + file.Path() + "?sig=x", nil
}

type mockLogs struct {
	entries []logqueue.Entry
}

func (l *mockLogs) Get(ctx context.Context, run *store.Run) ([]logqueue.Entry, error) {
	return l.entries, nil
}

type mockTelemetry struct {
	appended []telemetry.Entry
	kind     store.TelemetryKind
	rows     []store.TelemetryRow
}

func (t *mockTelemetry) AppendEntries(ctx context.Context, kind store.TelemetryKind, run *store.Run, entries []telemetry.Entry) error {
	t.kind = kind
	t.appended = append(t.appended, entries...)
	return nil
}

func (t *mockTelemetry) List(ctx context.Context, kind store.TelemetryKind, runID uuid.UUID) ([]store.TelemetryRow, error) {
	return t.rows, nil
}

type mockConfig struct {
	yml string
}

func (c *mockConfig) Load(ctx context.Context, pkg *store.Package) (*askannayml.Config, error) {
	if c.yml == "" {
		return nil, pkgconfig.ErrNoConfig
	}
	return askannayml.Parse([]byte(c.yml), "UTC")
}

// world is a small tenant fixture: private workspaces X and Y, and a public
// workspace P. alice is a member of X, vic a viewer of X and ada its admin.
type world struct {
	store     *mockStore
	files     *mockFiles
	logs      *mockLogs
	telemetry *mockTelemetry
	config    *mockConfig
	publisher *mockPublisher
	invites   *auth.Invitations
	h         *Handlers

	wsX, wsY, wsP    *store.Workspace
	projX, projP     *store.Project
	jobX             *store.JobDef
	pkgX             *store.Package
	runX, runY, runP *store.Run
	alice, vic, ada  *store.User
	invite           *store.Membership
}

func newWorld(t *testing.T) *world {
	t.Helper()

	w := &world{
		files:     newMockFiles(),
		logs:      &mockLogs{},
		telemetry: &mockTelemetry{},
		config:    &mockConfig{},
		publisher: &mockPublisher{},
		invites:   auth.NewInvitations("test-secret", 24*time.Hour),
	}
	s := &mockStore{
		workspaces: map[string]*store.Workspace{},
		projects:   map[uuid.UUID]*store.Project{},
		jobs:       map[string]*store.JobDef{},
		packages:   map[uuid.UUID]*store.Package{},
		runs:       map[string]*store.Run{},
		variables:  map[uuid.UUID][]store.Variable{},
		tokens:     map[string]*store.User{},
	}
	w.store = s

	newWS := func(sid string, vis store.Visibility) *store.Workspace {
		ws := &store.Workspace{ID: uuid.New(), SUUID: sid, Name: "ws " + sid, Visibility: vis}
		s.workspaces[sid] = ws
		return ws
	}
	newProject := func(sid string, ws *store.Workspace) *store.Project {
		p := &store.Project{ID: uuid.New(), SUUID: sid, WorkspaceID: ws.ID, WorkspaceSUUID: ws.SUUID,
			WorkspaceVisibility: ws.Visibility, Name: "project " + sid, Visibility: ws.Visibility}
		s.projects[p.ID] = p
		return p
	}
	newRun := func(sid string, p *store.Project, status store.RunStatus) *store.Run {
		r := &store.Run{ID: uuid.New(), SUUID: sid, Name: "run " + sid, Status: status, Trigger: store.TriggerAPI,
			ProjectID: p.ID, ProjectSUUID: p.SUUID, ProjectVisibility: p.Visibility,
			WorkspaceID: p.WorkspaceID, WorkspaceSUUID: p.WorkspaceSUUID, WorkspaceVisibility: p.WorkspaceVisibility,
			JobName: "train", JobSUUID: "job-x", CreatedAt: time.Now()}
		s.runs[sid] = r
		return r
	}
	newUser := func(name string, ws *store.Workspace, role store.Role) *store.User {
		u := &store.User{ID: uuid.New(), SUUID: name, Email: name + "@example.com", IsActive: true}
		uid := u.ID
		s.memberships = append(s.memberships, &store.Membership{ID: uuid.New(), SUUID: "m-" + name, WorkspaceID: ws.ID, UserID: &uid, Role: role})
		s.tokens[auth.HashKey("aa_"+name)] = u
		return u
	}

	w.wsX = newWS("ws-x", store.VisibilityPrivate)
	w.wsY = newWS("ws-y", store.VisibilityPrivate)
	w.wsP = newWS("ws-p", store.VisibilityPublic)
	w.projX = newProject("proj-x", w.wsX)
	projY := newProject("proj-y", w.wsY)
	w.projP = newProject("proj-p", w.wsP)

	w.jobX = &store.JobDef{ID: uuid.New(), SUUID: "job-x", ProjectID: w.projX.ID, Name: "train"}
	s.jobs[w.jobX.SUUID] = w.jobX
	w.pkgX = &store.Package{ID: uuid.New(), SUUID: "pkg-x", ProjectID: w.projX.ID, Name: "code.zip"}
	s.packages[w.pkgX.ID] = w.pkgX

	w.runX = newRun("run-x", w.projX, store.RunStatusPending)
	w.runX.PackageID = &w.pkgX.ID
	w.runY = newRun("run-y", projY, store.RunStatusInProgress)
	w.runP = newRun("run-p", w.projP, store.RunStatusCompleted)

	w.alice = newUser("alice", w.wsX, store.RoleMember)
	w.vic = newUser("vic", w.wsX, store.RoleViewer)
	w.ada = newUser("ada", w.wsX, store.RoleAdmin)

	w.invite = &store.Membership{ID: uuid.New(), SUUID: "m-invite", WorkspaceID: w.wsX.ID, Role: store.RoleMember,
		Invitation: &store.Invitation{Email: "new@example.com", SentAt: time.Now().UTC().Truncate(time.Second)}}
	s.memberships = append(s.memberships, w.invite)

	w.h = New(Deps{
		Store:       s,
		Files:       w.files,
		Logs:        w.logs,
		Telemetry:   w.telemetry,
		Config:      w.config,
		Invitations: w.invites,
		Publisher:   w.publisher,
	})
	return w
}

// do serves one request as user (nil is anonymous) through a single route.
func (w *world) do(t *testing.T, pattern string, fn http.HandlerFunc, method, target string, body io.Reader, user *store.User) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, fn)

	req := httptest.NewRequest(method, target, body)
	if user != nil {
		req = req.WithContext(middleware.NewContextWithUser(req.Context(), user))
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

var errBoom = errors.New("db down")
