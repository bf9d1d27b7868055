package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"askanna/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestTransitionRun_Applied(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	started := time.Now().UTC()

	mock.ExpectExec(`UPDATE runs`).
		WithArgs(store.RunStatusInProgress, &started, nil, nil, nil, id, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.TransitionRun(context.Background(), id,
		[]store.RunStatus{store.RunStatusPending}, store.RunStatusInProgress,
		store.RunUpdate{StartedAt: &started})
	if err != nil {
		t.Fatalf("TransitionRun failed: %v", err)
	}
	if !ok {
		t.Error("expected transition to apply")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTransitionRun_LostRace(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE runs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	exit := 0
	ok, err := s.TransitionRun(context.Background(), uuid.New(),
		[]store.RunStatus{store.RunStatusInProgress}, store.RunStatusCompleted,
		store.RunUpdate{ExitCode: &exit})
	if err != nil {
		t.Fatalf("TransitionRun failed: %v", err)
	}
	if ok {
		t.Error("a run already moved on must not be overwritten")
	}
}

func TestSetRunFile_RejectsUnknownField(t *testing.T) {
	s, _ := newMockStore(t)
	defer s.db.Close()

	err := s.SetRunFile(context.Background(), nil, uuid.New(), store.RunFileField("name; DROP TABLE runs"), uuid.New())
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestBuildListRunsQuery_Anonymous(t *testing.T) {
	q, args := buildListRunsQuery(store.RunFilter{})
	if !strings.Contains(q, "p.visibility = 'PUBLIC' AND w.visibility = 'PUBLIC'") {
		t.Errorf("anonymous listing must be restricted to public projects: %s", q)
	}
	if strings.Contains(q, "memberships") {
		t.Error("anonymous listing should not consult memberships")
	}
	if len(args) != 1 || args[0] != store.DefaultPageSize+1 {
		t.Errorf("unexpected args %v", args)
	}
}

func TestBuildListRunsQuery_FiltersAndCursor(t *testing.T) {
	viewer := uuid.New()
	q, args := buildListRunsQuery(store.RunFilter{
		ViewerID:    &viewer,
		Status:      []store.RunStatus{store.RunStatusFailed},
		JobsExclude: []string{"abcd-efgh-ijkm-npqr"},
		Triggers:    []store.RunTrigger{store.TriggerSchedule},
		Cursor:      &store.Cursor{CreatedAt: time.Now(), SUUID: "x", Reverse: true},
		Limit:       500,
	})

	for _, want := range []string{
		"m.user_id = $1",
		"r.status = ANY($2)",
		"NOT (j.suuid = ANY($3))",
		"r.trigger = ANY($4)",
		"(r.created_at, r.suuid) > ($5, $6)",
		"ORDER BY r.created_at ASC, r.suuid ASC",
		"LIMIT $7",
	} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q:\n%s", want, q)
		}
	}
	if got := args[len(args)-1]; got != store.MaxPageSize+1 {
		t.Errorf("limit should be clamped, got %v", got)
	}
}

func TestSetRunMeta_Column(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	mock.ExpectExec(`UPDATE runs SET variables_meta`).
		WithArgs(sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetRunMeta(context.Background(), id, store.TelemetryVariable, store.TelemetryMeta{Count: 1}); err != nil {
		t.Fatalf("SetRunMeta failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
