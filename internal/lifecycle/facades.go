// Package lifecycle owns the session state machine: provisioning, runner
// event transitions, stop, disconnect handling, and startup reconciliation.
package lifecycle

import (
	"context"

	"github.com/agentplane/agentplane/internal/store"
)

// SourceControl provisions and releases per-session git worktrees backed by
// shared repository mirrors.
type SourceControl interface {
	// EnsureMirror clones or refreshes the bare mirror for a repository and
	// returns its default branch.
	EnsureMirror(ctx context.Context, owner, name string) (string, error)

	// CreateWorktree materializes a worktree for a session on the given
	// branch, creating the branch from base if it does not exist. Returns the
	// worktree's absolute path.
	CreateWorktree(ctx context.Context, owner, name, sessionID, base, branch string) (string, error)

	// RemoveWorktree releases a session's worktree. Removing a worktree that
	// does not exist is not an error.
	RemoveWorktree(ctx context.Context, owner, name, sessionID string) error

	// HeadCommit returns the current commit of a session's worktree.
	HeadCommit(ctx context.Context, sessionID string) (string, error)
}

// Hosting is the remote hosting provider facade. Provisioning uses it to
// obtain the credential injected into sandboxes; settlement uses it to record
// the session's pull request.
type Hosting interface {
	AccessToken(ctx context.Context) (string, error)

	// PullRequestURL returns the URL of the open pull request whose head is
	// the given branch, or empty when there is none.
	PullRequestURL(ctx context.Context, owner, name, branch string) (string, error)
}

// StartSpec describes the sandbox container to launch for a session.
type StartSpec struct {
	SessionID    string
	WorktreePath string
	Role         store.SessionRole
	GoalPrompt   string
	Model        string
	Token        string
}

// SandboxRuntime launches and releases per-session containers.
type SandboxRuntime interface {
	// Start launches a sandbox and returns its runtime handle.
	Start(ctx context.Context, spec StartSpec) (string, error)

	// Stop gracefully stops a sandbox, escalating after graceSeconds.
	Stop(ctx context.Context, handle string, graceSeconds int) error

	// Remove deletes a stopped sandbox. Removing an unknown handle is not an
	// error.
	Remove(ctx context.Context, handle string, force bool) error
}

// EventEmitter persists a control-plane event and broadcasts it to the
// session's subscribers. Implemented by the ingest service; injected after
// construction because ingest also calls back into the controller for runner
// event side effects.
type EventEmitter interface {
	EmitManagerEvent(ctx context.Context, sessionID, eventType string, payload any) (*store.Event, error)

	// ForgetSession drops any per-session routing state the emitter caches.
	// Called once a session reaches a terminal status.
	ForgetSession(sessionID string)
}
