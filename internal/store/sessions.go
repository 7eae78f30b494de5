package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, repo_id, role, status, branch, base_branch, worktree_path,
	container_id, model, goal_prompt, head_commit, pr_url, last_event_id,
	created_at, updated_at, finished_at`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = StatusStarting
	}

	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (id, repo_id, role, status, branch, base_branch, worktree_path,
			container_id, model, goal_prompt, head_commit, pr_url, last_event_id,
			created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.RepoID, sess.Role, sess.Status, sess.Branch, sess.BaseBranch,
		sess.WorktreePath, sess.ContainerID, sess.Model, sess.GoalPrompt,
		sess.HeadCommit, sess.PRURL, sess.LastEventID,
		sess.CreatedAt, sess.UpdatedAt, sess.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.pool.Reader().GetContext(ctx, &sess,
		s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessionsByRepo returns the repository's sessions in updated-descending order.
func (s *Store) ListSessionsByRepo(ctx context.Context, repoID string) ([]*Session, error) {
	var sessions []*Session
	err := s.pool.Reader().SelectContext(ctx, &sessions,
		s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE repo_id = ? ORDER BY updated_at DESC`),
		repoID)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListActiveSessions returns all non-terminal sessions. Used by the startup
// reconciler and the lifecycle controller.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	err := s.pool.Reader().SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status NOT IN ('finished', 'error', 'stopped')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// HasActiveOrchestrator reports whether the repository already has a
// non-terminal orchestrator session.
func (s *Store) HasActiveOrchestrator(ctx context.Context, repoID string) (bool, error) {
	var count int
	err := s.pool.Reader().GetContext(ctx, &count, s.rebind(`
		SELECT COUNT(*) FROM sessions
		WHERE repo_id = ? AND role = ? AND status NOT IN ('finished', 'error', 'stopped')
	`), repoID, RoleOrchestrator)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateSession applies a partial update to a session and bumps updated_at.
func (s *Store) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.Branch != nil {
		sets = append(sets, "branch = ?")
		args = append(args, *patch.Branch)
	}
	if patch.WorktreePath != nil {
		sets = append(sets, "worktree_path = ?")
		args = append(args, *patch.WorktreePath)
	}
	if patch.ClearContainerID {
		sets = append(sets, "container_id = NULL")
	} else if patch.ContainerID != nil {
		sets = append(sets, "container_id = ?")
		args = append(args, *patch.ContainerID)
	}
	if patch.HeadCommit != nil {
		sets = append(sets, "head_commit = ?")
		args = append(args, *patch.HeadCommit)
	}
	if patch.PRURL != nil {
		sets = append(sets, "pr_url = ?")
		args = append(args, *patch.PRURL)
	}
	if patch.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *patch.FinishedAt)
	}

	args = append(args, id)
	query := s.rebind(`UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
