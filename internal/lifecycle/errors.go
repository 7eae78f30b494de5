package lifecycle

import "errors"

// Contract violations surfaced to command callers. The router maps these to
// protocol error codes.
var (
	ErrInvalidRole           = errors.New("invalid session role")
	ErrDuplicateOrchestrator = errors.New("repository already has an active orchestrator session")
	ErrSessionNotWaiting     = errors.New("session is not waiting for input")
	ErrSessionTerminal       = errors.New("session is in a terminal state")
	ErrNoSandboxConnection   = errors.New("session has no live sandbox connection")
)
