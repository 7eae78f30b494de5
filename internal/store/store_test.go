package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	pool, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	st, err := New(pool, log)
	if err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}
	return st
}

func seedRepo(t *testing.T, st *Store) *Repository {
	t.Helper()
	repo := &Repository{Owner: "acme", Name: "widgets", DefaultBranch: "main"}
	if err := st.CreateRepo(context.Background(), repo); err != nil {
		t.Fatalf("CreateRepo failed: %v", err)
	}
	return repo
}

func seedSession(t *testing.T, st *Store, repoID string, role SessionRole, status SessionStatus) *Session {
	t.Helper()
	sess := &Session{
		RepoID:     repoID,
		Role:       role,
		Status:     status,
		Branch:     "agent/widgets/abc12345",
		BaseBranch: "main",
	}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func TestCreateRepoDuplicate(t *testing.T) {
	st := newTestStore(t)
	seedRepo(t, st)

	dup := &Repository{Owner: "acme", Name: "widgets", DefaultBranch: "main"}
	err := st.CreateRepo(context.Background(), dup)
	if !errors.Is(err, ErrDuplicateRepo) {
		t.Errorf("Expected ErrDuplicateRepo, got %v", err)
	}
}

func TestFindRepoByOwnerName(t *testing.T) {
	st := newTestStore(t)
	repo := seedRepo(t, st)

	found, err := st.FindRepoByOwnerName(context.Background(), "acme", "widgets")
	if err != nil {
		t.Fatalf("FindRepoByOwnerName failed: %v", err)
	}
	if found.ID != repo.ID {
		t.Errorf("Expected repo %s, got %s", repo.ID, found.ID)
	}

	if _, err := st.FindRepoByOwnerName(context.Background(), "acme", "gadgets"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRepoBusy(t *testing.T) {
	st := newTestStore(t)
	repo := seedRepo(t, st)
	sess := seedSession(t, st, repo.ID, RoleImplementer, StatusRunning)

	err := st.DeleteRepo(context.Background(), repo.ID)
	if !errors.Is(err, ErrRepositoryBusy) {
		t.Fatalf("Expected ErrRepositoryBusy, got %v", err)
	}

	// Terminal sessions no longer block removal.
	status := StatusStopped
	if err := st.UpdateSession(context.Background(), sess.ID, SessionPatch{Status: &status}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if err := st.DeleteRepo(context.Background(), repo.ID); err != nil {
		t.Fatalf("DeleteRepo failed: %v", err)
	}

	// Cascade removed the session.
	if _, err := st.GetSession(context.Background(), sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected cascade delete, got %v", err)
	}
}

func TestHasActiveOrchestrator(t *testing.T) {
	st := newTestStore(t)
	repo := seedRepo(t, st)

	active, err := st.HasActiveOrchestrator(context.Background(), repo.ID)
	if err != nil {
		t.Fatalf("HasActiveOrchestrator failed: %v", err)
	}
	if active {
		t.Error("Expected no active orchestrator")
	}

	sess := seedSession(t, st, repo.ID, RoleOrchestrator, StatusRunning)
	active, err = st.HasActiveOrchestrator(context.Background(), repo.ID)
	if err != nil {
		t.Fatalf("HasActiveOrchestrator failed: %v", err)
	}
	if !active {
		t.Error("Expected active orchestrator")
	}

	status := StatusFinished
	if err := st.UpdateSession(context.Background(), sess.ID, SessionPatch{Status: &status}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	active, err = st.HasActiveOrchestrator(context.Background(), repo.ID)
	if err != nil {
		t.Fatalf("HasActiveOrchestrator failed: %v", err)
	}
	if active {
		t.Error("Terminal orchestrator must not count as active")
	}
}

func TestUpdateSessionPatch(t *testing.T) {
	st := newTestStore(t)
	repo := seedRepo(t, st)
	sess := seedSession(t, st, repo.ID, RoleImplementer, StatusStarting)

	containerID := "cafe1234"
	wt := "/tmp/worktrees/" + sess.ID
	status := StatusRunning
	if err := st.UpdateSession(context.Background(), sess.ID, SessionPatch{
		Status:       &status,
		ContainerID:  &containerID,
		WorktreePath: &wt,
	}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	got, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("Expected running, got %s", got.Status)
	}
	if got.ContainerID == nil || *got.ContainerID != containerID {
		t.Errorf("Container id not persisted: %v", got.ContainerID)
	}
	if got.WorktreePath == nil || *got.WorktreePath != wt {
		t.Errorf("Worktree path not persisted: %v", got.WorktreePath)
	}

	if err := st.UpdateSession(context.Background(), sess.ID, SessionPatch{ClearContainerID: true}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	got, err = st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ContainerID != nil {
		t.Errorf("Expected cleared container id, got %v", *got.ContainerID)
	}

	if err := st.UpdateSession(context.Background(), "missing", SessionPatch{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func appendTestEvent(t *testing.T, st *Store, sessionID, source, eventType string) int64 {
	t.Helper()
	id, err := st.AppendEvent(context.Background(), &Event{
		SessionID: sessionID,
		Source:    source,
		Type:      eventType,
		Payload:   json.RawMessage(`{"n":1}`),
	})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	return id
}

func TestAppendEventMonotoneAndAtomic(t *testing.T) {
	st := newTestStore(t)
	repo := seedRepo(t, st)
	sess := seedSession(t, st, repo.ID, RoleImplementer, StatusRunning)

	var last int64
	for i := 0; i < 5; i++ {
		id := appendTestEvent(t, st, sess.ID, "claude", "assistant")
		if id <= last {
			t.Fatalf("Event ids must be strictly increasing: %d after %d", id, last)
		}
		last = id
	}

	got, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.LastEventID == nil || *got.LastEventID != last {
		t.Errorf("Expected last_event_id %d, got %v", last, got.LastEventID)
	}

	gotRepo, err := st.GetRepo(context.Background(), repo.ID)
	if err != nil {
		t.Fatalf("GetRepo failed: %v", err)
	}
	if gotRepo.LastActivityAt == nil {
		t.Error("Expected repo last_activity_at to be set")
	}
}

func TestAppendEventActivityNeverRegresses(t *testing.T) {
	st := newTestStore(t)
	repo := seedRepo(t, st)
	sess := seedSession(t, st, repo.ID, RoleImplementer, StatusRunning)

	newer := time.Now().UTC()
	older := newer.Add(-time.Hour)

	if _, err := st.AppendEvent(context.Background(), &Event{
		SessionID: sess.ID,
		TS:        newer,
		Source:    "claude",
		Type:      "assistant",
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	// A late event stamped with an older emitter clock must not move the
	// repository's activity marker backwards.
	if _, err := st.AppendEvent(context.Background(), &Event{
		SessionID: sess.ID,
		TS:        older,
		Source:    "runner",
		Type:      "process.started",
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	got, err := st.GetRepo(context.Background(), repo.ID)
	if err != nil {
		t.Fatalf("GetRepo failed: %v", err)
	}
	if got.LastActivityAt == nil {
		t.Fatal("Expected repo last_activity_at to be set")
	}
	if !got.LastActivityAt.After(older) {
		t.Errorf("last_activity_at regressed to %v, want at least %v", got.LastActivityAt, newer)
	}
}

func TestAppendEventUnknownSession(t *testing.T) {
	st := newTestStore(t)
	seedRepo(t, st)

	_, err := st.AppendEvent(context.Background(), &Event{
		SessionID: "missing",
		Source:    "claude",
		Type:      "assistant",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListEventsPagination(t *testing.T) {
	st := newTestStore(t)
	repo := seedRepo(t, st)
	sess := seedSession(t, st, repo.ID, RoleImplementer, StatusRunning)

	var ids []int64
	for i := 0; i < 10; i++ {
		ids = append(ids, appendTestEvent(t, st, sess.ID, "claude", "assistant"))
	}

	// Forward from a cursor.
	after := ids[4]
	events, err := st.ListEvents(context.Background(), sess.ID, ListEventsOptions{After: &after, Limit: 3})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].ID != ids[5] || events[2].ID != ids[7] {
		t.Errorf("Unexpected page: %d..%d", events[0].ID, events[2].ID)
	}

	// Descending tail.
	events, err = st.ListEvents(context.Background(), sess.ID, ListEventsOptions{Limit: 2, Descending: true})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 || events[0].ID != ids[9] {
		t.Errorf("Expected newest first, got %+v", events)
	}

	// Filter by source.
	appendTestEvent(t, st, sess.ID, "runner", "process.started")
	events, err = st.ListEvents(context.Background(), sess.ID, ListEventsOptions{Source: "runner"})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != "process.started" {
		t.Errorf("Source filter failed: %+v", events)
	}
}

func TestLastEventByType(t *testing.T) {
	st := newTestStore(t)
	repo := seedRepo(t, st)
	sess := seedSession(t, st, repo.ID, RoleImplementer, StatusRunning)

	if _, err := st.LastEventByType(context.Background(), sess.ID, "runner", "process.exited"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	appendTestEvent(t, st, sess.ID, "runner", "process.exited")
	second := appendTestEvent(t, st, sess.ID, "runner", "process.exited")

	ev, err := st.LastEventByType(context.Background(), sess.ID, "runner", "process.exited")
	if err != nil {
		t.Fatalf("LastEventByType failed: %v", err)
	}
	if ev.ID != second {
		t.Errorf("Expected latest event %d, got %d", second, ev.ID)
	}
}

func TestListActiveSessions(t *testing.T) {
	st := newTestStore(t)
	repo := seedRepo(t, st)
	seedSession(t, st, repo.ID, RoleImplementer, StatusRunning)
	seedSession(t, st, repo.ID, RoleImplementer, StatusStarting)
	seedSession(t, st, repo.ID, RoleImplementer, StatusStopped)
	seedSession(t, st, repo.ID, RoleImplementer, StatusFinished)

	active, err := st.ListActiveSessions(context.Background())
	if err != nil {
		t.Fatalf("ListActiveSessions failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("Expected 2 active sessions, got %d", len(active))
	}
}

func TestRepoListOrdering(t *testing.T) {
	st := newTestStore(t)

	first := &Repository{Owner: "acme", Name: "first", DefaultBranch: "main"}
	second := &Repository{Owner: "acme", Name: "second", DefaultBranch: "main"}
	for _, r := range []*Repository{first, second} {
		if err := st.CreateRepo(context.Background(), r); err != nil {
			t.Fatalf("CreateRepo failed: %v", err)
		}
	}

	// Activity on first sorts it ahead of second, which has none.
	if err := st.TouchRepoActivity(context.Background(), first.ID, time.Now().UTC()); err != nil {
		t.Fatalf("TouchRepoActivity failed: %v", err)
	}

	repos, err := st.ListRepos(context.Background())
	if err != nil {
		t.Fatalf("ListRepos failed: %v", err)
	}
	if len(repos) != 2 || repos[0].ID != first.ID {
		t.Errorf("Expected active repo first, got %+v", repos)
	}
}
