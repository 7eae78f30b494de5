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

// CreateRepo inserts a new repository. Returns ErrDuplicateRepo when the
// (owner, name) pair is already registered.
func (s *Store) CreateRepo(ctx context.Context, repo *Repository) error {
	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now

	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO repositories (id, owner, name, default_branch, created_at, updated_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), repo.ID, repo.Owner, repo.Name, repo.DefaultBranch, repo.CreatedAt, repo.UpdatedAt, repo.LastActivityAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRepo
		}
		return fmt.Errorf("insert repository: %w", err)
	}
	return nil
}

// GetRepo retrieves a repository by id.
func (s *Store) GetRepo(ctx context.Context, id string) (*Repository, error) {
	var repo Repository
	err := s.pool.Reader().GetContext(ctx, &repo, s.rebind(`
		SELECT id, owner, name, default_branch, created_at, updated_at, last_activity_at
		FROM repositories WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// FindRepoByOwnerName retrieves a repository by its (owner, name) pair.
func (s *Store) FindRepoByOwnerName(ctx context.Context, owner, name string) (*Repository, error) {
	var repo Repository
	err := s.pool.Reader().GetContext(ctx, &repo, s.rebind(`
		SELECT id, owner, name, default_branch, created_at, updated_at, last_activity_at
		FROM repositories WHERE owner = ? AND name = ?
	`), owner, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// ListRepos returns all repositories ordered by last activity descending
// (repos that never saw activity sort last), then by updated descending.
func (s *Store) ListRepos(ctx context.Context) ([]*Repository, error) {
	var repos []*Repository
	err := s.pool.Reader().SelectContext(ctx, &repos, `
		SELECT id, owner, name, default_branch, created_at, updated_at, last_activity_at
		FROM repositories
		ORDER BY last_activity_at IS NULL, last_activity_at DESC, updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// DeleteRepo removes a repository and, by cascade, its sessions and events.
// Refused with ErrRepositoryBusy while any non-terminal session references it.
func (s *Store) DeleteRepo(ctx context.Context, id string) error {
	var active int
	err := s.pool.Writer().GetContext(ctx, &active, s.rebind(`
		SELECT COUNT(*) FROM sessions
		WHERE repo_id = ? AND status NOT IN ('finished', 'error', 'stopped')
	`), id)
	if err != nil {
		return err
	}
	if active > 0 {
		return ErrRepositoryBusy
	}

	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`DELETE FROM repositories WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchRepoActivity updates the repository's last-activity timestamp.
func (s *Store) TouchRepoActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE repositories SET last_activity_at = ?, updated_at = ? WHERE id = ?
	`), at, at, id)
	return err
}

// isUniqueViolation matches unique-constraint errors across both drivers
// without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
