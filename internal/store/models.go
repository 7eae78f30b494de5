// Package store implements the durable store for repositories, sessions, and
// the append-only event log. The control plane is the sole writer.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound       = errors.New("not found")
	ErrRepositoryBusy = errors.New("repository has non-terminal sessions")
	ErrDuplicateRepo  = errors.New("repository already registered")
)

// SessionRole configures the agent prompt for a session. The store treats
// both identically; the lifecycle controller enforces at most one
// non-terminal orchestrator per repository.
type SessionRole string

const (
	RoleImplementer  SessionRole = "implementer"
	RoleOrchestrator SessionRole = "orchestrator"
)

// Valid reports whether the role is a known value.
func (r SessionRole) Valid() bool {
	return r == RoleImplementer || r == RoleOrchestrator
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusWaiting  SessionStatus = "waiting"
	StatusFinished SessionStatus = "finished"
	StatusError    SessionStatus = "error"
	StatusStopped  SessionStatus = "stopped"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusStopped
}

// Repository is a registered remote source-tree namespace.
type Repository struct {
	ID             string     `db:"id" json:"id"`
	Owner          string     `db:"owner" json:"owner"`
	Name           string     `db:"name" json:"name"`
	DefaultBranch  string     `db:"default_branch" json:"defaultBranch"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
	LastActivityAt *time.Time `db:"last_activity_at" json:"lastActivityAt"`
}

// Session is a single agent run against a repository.
type Session struct {
	ID           string        `db:"id" json:"id"`
	RepoID       string        `db:"repo_id" json:"repoId"`
	Role         SessionRole   `db:"role" json:"role"`
	Status       SessionStatus `db:"status" json:"status"`
	Branch       string        `db:"branch" json:"branch"`
	BaseBranch   string        `db:"base_branch" json:"baseBranch"`
	WorktreePath *string       `db:"worktree_path" json:"worktreePath"`
	ContainerID  *string       `db:"container_id" json:"containerId"`
	Model        string        `db:"model" json:"model"`
	GoalPrompt   string        `db:"goal_prompt" json:"goalPrompt"`
	HeadCommit   string        `db:"head_commit" json:"headCommit"`
	PRURL        string        `db:"pr_url" json:"prUrl"`
	LastEventID  *int64        `db:"last_event_id" json:"lastEventId"`
	CreatedAt    time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updatedAt"`
	FinishedAt   *time.Time    `db:"finished_at" json:"finishedAt"`
}

// Event is an immutable log entry for a session. ID is assigned by the store
// and is strictly monotone across the whole log.
type Event struct {
	ID        int64           `db:"id" json:"id"`
	SessionID string          `db:"session_id" json:"sessionId"`
	TS        time.Time       `db:"ts" json:"ts"`
	Source    string          `db:"source" json:"source"`
	Type      string          `db:"type" json:"type"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
}

// SessionPatch describes a partial session update. Nil fields are left
// untouched; ClearContainerID drops the sandbox handle to NULL.
type SessionPatch struct {
	Status           *SessionStatus
	Branch           *string
	WorktreePath     *string
	ContainerID      *string
	ClearContainerID bool
	HeadCommit       *string
	PRURL            *string
	FinishedAt       *time.Time
}

// ListEventsOptions filters and bounds an event log query.
type ListEventsOptions struct {
	After      *int64 // events with id > After
	Before     *int64 // events with id < Before
	Limit      int
	Descending bool
	Source     string
	Type       string
}
