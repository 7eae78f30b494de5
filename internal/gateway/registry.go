package gateway

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
)

// Registry errors.
var (
	ErrConnNotFound      = errors.New("connection not found")
	ErrAlreadyClassified = errors.New("connection already classified")
	ErrSessionRequired   = errors.New("sandbox classification requires a session id")
)

// Registry tracks open connections and their classification. A sandbox
// connection is bound to exactly one session for its lifetime; if a second
// sandbox connection appears for the same session, the newer one wins and
// the older is closed (reconnection after a crash leaves the old one stale).
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	bySession map[string]*Conn // sessionID -> sandbox connection
	logger    *logger.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		conns:     make(map[string]*Conn),
		bySession: make(map[string]*Conn),
		logger:    log.WithFields(zap.String("component", "registry")),
	}
}

// Register adds a new, undetermined connection.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	r.logger.Debug("connection registered", zap.String("conn_id", c.ID))
}

// Classify fixes a connection's class. Sandbox classification binds the
// connection to sessionID and displaces any previous sandbox connection for
// that session; the displaced connection is returned so the caller can run
// its disconnect path (it is already closed and unbound here).
func (r *Registry) Classify(connID string, class Class, sessionID string) (displaced *Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return nil, ErrConnNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.class != ClassUndetermined {
		if c.class == class {
			return nil, nil
		}
		return nil, ErrAlreadyClassified
	}

	switch class {
	case ClassSandbox:
		if sessionID == "" {
			return nil, ErrSessionRequired
		}
		if old, ok := r.bySession[sessionID]; ok && old != c {
			// Newer sandbox wins; the old connection is presumed stale.
			displaced = old
			delete(r.conns, old.ID)
			old.mu.Lock()
			old.sessionID = ""
			old.mu.Unlock()
			old.Close()
			r.logger.Warn("displacing stale sandbox connection",
				zap.String("session_id", sessionID),
				zap.String("old_conn_id", old.ID),
				zap.String("new_conn_id", c.ID))
		}
		c.class = ClassSandbox
		c.sessionID = sessionID
		r.bySession[sessionID] = c

	case ClassObserver:
		c.class = ClassObserver

	default:
		return nil, ErrAlreadyClassified
	}

	r.logger.Debug("connection classified",
		zap.String("conn_id", connID),
		zap.String("class", string(class)),
		zap.String("session_id", sessionID))
	return displaced, nil
}

// Lookup returns a connection by id.
func (r *Registry) Lookup(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// SandboxFor returns the sandbox connection bound to a session, if any.
func (r *Registry) SandboxFor(sessionID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.bySession[sessionID]
	return c, ok
}

// Sandboxes returns all sandbox connections. Used by the heartbeat supervisor.
func (r *Registry) Sandboxes() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.bySession))
	for _, c := range r.bySession {
		out = append(out, c)
	}
	return out
}

// Forget removes a connection from the registry and returns it. The caller
// is responsible for broker cleanup and disconnect handling.
func (r *Registry) Forget(connID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)

	c.mu.RLock()
	sessionID := c.sessionID
	c.mu.RUnlock()
	if sessionID != "" && r.bySession[sessionID] == c {
		delete(r.bySession, sessionID)
	}

	r.logger.Debug("connection forgotten", zap.String("conn_id", connID))
	return c, true
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
