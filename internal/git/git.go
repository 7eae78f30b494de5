// Package git manages the on-disk workspace: one bare mirror per repository
// and one worktree per session, both under the workspace root.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
)

// ErrGitCommandFailed wraps any git CLI failure; the message carries the
// command output.
var ErrGitCommandFailed = fmt.Errorf("git command failed")

// Workspace runs git against a fixed root directory:
//
//	<root>/mirrors/<owner>/<name>.git   bare mirror, shared across sessions
//	<root>/worktrees/<session-id>       one checkout per session
type Workspace struct {
	root   string
	logger *logger.Logger
}

// NewWorkspace creates the workspace manager, ensuring the root layout exists.
func NewWorkspace(root string, log *logger.Logger) (*Workspace, error) {
	for _, dir := range []string{
		filepath.Join(root, "mirrors"),
		filepath.Join(root, "worktrees"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return &Workspace{
		root:   root,
		logger: log.WithFields(zap.String("component", "git")),
	}, nil
}

// MirrorPath returns the bare mirror directory for a repository.
func (w *Workspace) MirrorPath(owner, name string) string {
	return filepath.Join(w.root, "mirrors", owner, name+".git")
}

// WorktreePath returns the worktree directory for a session.
func (w *Workspace) WorktreePath(sessionID string) string {
	return filepath.Join(w.root, "worktrees", sessionID)
}

// remoteURL builds the clone URL for a repository.
func remoteURL(owner, name string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
}

// EnsureMirror clones the repository's bare mirror on first use and fetches
// it otherwise. Returns the mirror's default branch.
func (w *Workspace) EnsureMirror(ctx context.Context, owner, name string) (string, error) {
	mirror := w.MirrorPath(owner, name)

	if _, err := os.Stat(mirror); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(mirror), 0o755); err != nil {
			return "", fmt.Errorf("create mirror parent: %w", err)
		}
		if _, err := w.run(ctx, "", "clone", "--mirror", remoteURL(owner, name), mirror); err != nil {
			return "", err
		}
		w.logger.Info("mirror cloned",
			zap.String("owner", owner),
			zap.String("name", name),
			zap.String("path", mirror))
	} else {
		if _, err := w.run(ctx, mirror, "fetch", "--prune", "origin"); err != nil {
			return "", err
		}
		w.logger.Debug("mirror refreshed",
			zap.String("owner", owner),
			zap.String("name", name))
	}

	out, err := w.run(ctx, mirror, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CreateWorktree materializes the session's checkout from the mirror. The
// branch is created from base when new and reused when it already exists; a
// leftover worktree at the same path is forcibly recreated.
func (w *Workspace) CreateWorktree(ctx context.Context, owner, name, sessionID, base, branch string) (string, error) {
	mirror := w.MirrorPath(owner, name)
	path := w.WorktreePath(sessionID)

	if _, err := os.Stat(path); err == nil {
		// A previous run left a worktree here; recreate it from scratch.
		_, _ = w.run(ctx, mirror, "worktree", "remove", "--force", path)
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("remove stale worktree: %w", err)
		}
		_, _ = w.run(ctx, mirror, "worktree", "prune")
	}

	args := []string{"worktree", "add"}
	if w.branchExists(ctx, mirror, branch) {
		args = append(args, path, branch)
	} else {
		args = append(args, "-b", branch, path, base)
	}
	if _, err := w.run(ctx, mirror, args...); err != nil {
		return "", err
	}

	w.logger.Info("worktree created",
		zap.String("session_id", sessionID),
		zap.String("branch", branch),
		zap.String("path", path))
	return path, nil
}

// RemoveWorktree releases a session's worktree. A missing worktree is not an
// error.
func (w *Workspace) RemoveWorktree(ctx context.Context, owner, name, sessionID string) error {
	mirror := w.MirrorPath(owner, name)
	path := w.WorktreePath(sessionID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if _, err := w.run(ctx, mirror, "worktree", "remove", "--force", path); err != nil {
		// The registration may be gone while the directory remains.
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove worktree dir: %w", err)
		}
	}
	_, _ = w.run(ctx, mirror, "worktree", "prune")

	w.logger.Info("worktree removed", zap.String("session_id", sessionID))
	return nil
}

// HeadCommit returns the current commit of a session's worktree.
func (w *Workspace) HeadCommit(ctx context.Context, sessionID string) (string, error) {
	out, err := w.run(ctx, w.WorktreePath(sessionID), "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// branchExists reports whether the mirror already carries the branch.
func (w *Workspace) branchExists(ctx context.Context, mirror, branch string) bool {
	_, err := w.run(ctx, mirror, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// run executes one git command, returning combined output.
func (w *Workspace) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		w.logger.Debug("git command failed",
			zap.Strings("args", args),
			zap.String("output", string(output)),
			zap.Error(err))
		return string(output), fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed,
			strings.Join(args, " "), strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
