package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/gateway"
	"github.com/agentplane/agentplane/internal/store"
	"github.com/agentplane/agentplane/pkg/protocol"
)

// stopGraceSeconds is how long a sandbox gets to exit cleanly before the
// runtime escalates.
const stopGraceSeconds = 10

// StartRequest carries the parameters of a session.start command.
type StartRequest struct {
	RepoID     string
	Role       store.SessionRole
	BaseBranch string
	GoalPrompt string
	Model      string
}

// Controller drives sessions through their lifecycle. All transitions for one
// session run under that session's lock, so concurrent commands and runner
// events cannot interleave mid-transition.
type Controller struct {
	store    *store.Store
	src      SourceControl
	hosting  Hosting
	runtime  SandboxRuntime
	registry *gateway.Registry
	bus      bus.Bus
	emitter  EventEmitter
	logger   *logger.Logger

	mu           sync.Mutex
	locks        map[string]*sync.Mutex
	repoLocks    map[string]*sync.Mutex
	provisioning map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewController wires the controller. The event emitter is injected later via
// SetEmitter.
func NewController(
	st *store.Store,
	src SourceControl,
	hosting Hosting,
	runtime SandboxRuntime,
	registry *gateway.Registry,
	b bus.Bus,
	log *logger.Logger,
) *Controller {
	return &Controller{
		store:        st,
		src:          src,
		hosting:      hosting,
		runtime:      runtime,
		registry:     registry,
		bus:          b,
		logger:       log.WithFields(zap.String("component", "lifecycle")),
		locks:        make(map[string]*sync.Mutex),
		repoLocks:    make(map[string]*sync.Mutex),
		provisioning: make(map[string]context.CancelFunc),
	}
}

// SetEmitter injects the event emitter after construction.
func (c *Controller) SetEmitter(e EventEmitter) {
	c.emitter = e
}

// sessionLock returns the lock for a session, creating it on first use.
func (c *Controller) sessionLock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[sessionID] = l
	}
	return l
}

// repoLock returns the lock serializing orchestrator admission for a
// repository, creating it on first use.
func (c *Controller) repoLock(repoID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.repoLocks[repoID]
	if !ok {
		l = &sync.Mutex{}
		c.repoLocks[repoID] = l
	}
	return l
}

// branchName derives the session's working branch.
func branchName(repoName, sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("agent/%s/%s", repoName, short)
}

// StartSession validates a start request, records the session in starting
// state, and launches provisioning in the background. The session row is
// returned immediately so the caller can ack before provisioning completes.
func (c *Controller) StartSession(ctx context.Context, req StartRequest) (*store.Session, error) {
	repo, err := c.store.GetRepo(ctx, req.RepoID)
	if err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = store.RoleImplementer
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if role == store.RoleOrchestrator {
		// Serialize the check against the insert; two concurrent starts must
		// not both observe an orchestrator-free repository.
		lock := c.repoLock(repo.ID)
		lock.Lock()
		defer lock.Unlock()

		active, err := c.store.HasActiveOrchestrator(ctx, repo.ID)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, ErrDuplicateOrchestrator
		}
	}

	base := req.BaseBranch
	if base == "" {
		base = repo.DefaultBranch
	}

	sess := &store.Session{
		ID:         uuid.New().String(),
		RepoID:     repo.ID,
		Role:       role,
		Status:     store.StatusStarting,
		BaseBranch: base,
		GoalPrompt: req.GoalPrompt,
		Model:      req.Model,
	}
	sess.Branch = branchName(repo.Name, sess.ID)

	if err := c.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if _, err := c.emitter.EmitManagerEvent(ctx, sess.ID, protocol.ManagerEventSessionStarted, map[string]any{
		"role":       string(role),
		"branch":     sess.Branch,
		"baseBranch": base,
	}); err != nil {
		c.logger.WithSessionID(sess.ID).Error("failed to record session start", zap.Error(err))
	}
	c.notifyStatus(sess.ID, repo.ID, store.StatusStarting)

	pctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.provisioning[sess.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.provision(pctx, sess, repo)
	}()

	c.logger.WithSessionID(sess.ID).Info("session starting",
		zap.String("repo_id", repo.ID),
		zap.String("role", string(role)),
		zap.String("branch", sess.Branch))
	return sess, nil
}

// provision runs the resource acquisition sequence for a new session: mirror,
// worktree, credential, container. Cancellation is checked between steps; a
// cancelled provisioning releases whatever it acquired and leaves the status
// transition to the canceller.
func (c *Controller) provision(ctx context.Context, sess *store.Session, repo *store.Repository) {
	defer func() {
		c.mu.Lock()
		delete(c.provisioning, sess.ID)
		c.mu.Unlock()
	}()

	log := c.logger.WithSessionID(sess.ID)
	worktreeCreated := false

	unwind := func(handle string) {
		// Provisioning was cancelled mid-flight; release partial resources
		// with a fresh context.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if handle != "" {
			if err := c.runtime.Stop(cleanupCtx, handle, stopGraceSeconds); err != nil {
				log.Warn("failed to stop cancelled sandbox", zap.Error(err))
			}
			if err := c.runtime.Remove(cleanupCtx, handle, true); err != nil {
				log.Warn("failed to remove cancelled sandbox", zap.Error(err))
			}
		}
		if worktreeCreated {
			if err := c.src.RemoveWorktree(cleanupCtx, repo.Owner, repo.Name, sess.ID); err != nil {
				log.Warn("failed to remove cancelled worktree", zap.Error(err))
			}
		}
	}

	if _, err := c.src.EnsureMirror(ctx, repo.Owner, repo.Name); err != nil {
		if ctx.Err() != nil {
			unwind("")
			return
		}
		c.failSession(sess.ID, fmt.Sprintf("mirror sync failed: %v", err))
		return
	}
	if ctx.Err() != nil {
		unwind("")
		return
	}

	wt, err := c.src.CreateWorktree(ctx, repo.Owner, repo.Name, sess.ID, sess.BaseBranch, sess.Branch)
	if err != nil {
		if ctx.Err() != nil {
			unwind("")
			return
		}
		c.failSession(sess.ID, fmt.Sprintf("worktree creation failed: %v", err))
		return
	}
	worktreeCreated = true
	if err := c.store.UpdateSession(ctx, sess.ID, store.SessionPatch{WorktreePath: &wt}); err != nil {
		log.Error("failed to record worktree path", zap.Error(err))
	}
	if ctx.Err() != nil {
		unwind("")
		return
	}

	token, err := c.hosting.AccessToken(ctx)
	if err != nil {
		if ctx.Err() != nil {
			unwind("")
			return
		}
		c.failSession(sess.ID, fmt.Sprintf("credential lookup failed: %v", err))
		return
	}
	if ctx.Err() != nil {
		unwind("")
		return
	}

	handle, err := c.runtime.Start(ctx, StartSpec{
		SessionID:    sess.ID,
		WorktreePath: wt,
		Role:         sess.Role,
		GoalPrompt:   sess.GoalPrompt,
		Model:        sess.Model,
		Token:        token,
	})
	if err != nil {
		if ctx.Err() != nil {
			unwind("")
			return
		}
		c.failSession(sess.ID, fmt.Sprintf("sandbox start failed: %v", err))
		return
	}
	// Commit the handle under the session lock. A concurrent stop may have
	// settled the session between the runtime start and this point; once the
	// row is terminal the container must be released here, because the
	// canceller saw no handle to reap.
	committed := false
	lock := c.sessionLock(sess.ID)
	lock.Lock()
	if ctx.Err() == nil {
		commitCtx, cancelCommit := context.WithTimeout(context.Background(), 10*time.Second)
		cur, err := c.store.GetSession(commitCtx, sess.ID)
		switch {
		case err != nil:
			log.Error("failed to load session for handle commit", zap.Error(err))
		case cur.Status.Terminal():
			log.Info("session settled during provisioning, releasing sandbox",
				zap.String("status", string(cur.Status)))
		default:
			if err := c.store.UpdateSession(commitCtx, sess.ID, store.SessionPatch{ContainerID: &handle}); err != nil {
				log.Error("failed to record sandbox handle", zap.Error(err))
			} else {
				committed = true
			}
		}
		cancelCommit()
	}
	lock.Unlock()

	if !committed {
		unwind(handle)
		return
	}
	log.Info("session provisioned",
		zap.String("worktree", wt),
		zap.String("container_id", handle))
}

// failSession moves a session to error state unless it already reached a
// terminal state.
func (c *Controller) failSession(sessionID, message string) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		c.logger.WithSessionID(sessionID).Error("failed to load session for error transition", zap.Error(err))
		return
	}
	if sess.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	status := store.StatusError
	if err := c.store.UpdateSession(ctx, sessionID, store.SessionPatch{
		Status:     &status,
		FinishedAt: &now,
	}); err != nil {
		c.logger.WithSessionID(sessionID).Error("failed to mark session errored", zap.Error(err))
		return
	}
	if _, err := c.emitter.EmitManagerEvent(ctx, sessionID, protocol.ManagerEventSessionError, map[string]any{
		"message": message,
	}); err != nil {
		c.logger.WithSessionID(sessionID).Error("failed to record session error", zap.Error(err))
	}
	c.notifyStatus(sessionID, sess.RepoID, store.StatusError)
	c.logger.WithSessionID(sessionID).Warn("session errored", zap.String("message", message))
}

// HandleRunnerEvent applies the status transition a persisted runner event
// implies. Called by the ingest service after the event is durable.
func (c *Controller) HandleRunnerEvent(ctx context.Context, sessionID, eventType string) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		c.logger.WithSessionID(sessionID).Warn("runner event for unknown session", zap.Error(err))
		return
	}
	if sess.Status.Terminal() {
		return
	}

	switch eventType {
	case protocol.RunnerEventProcessStarted:
		if sess.Status == store.StatusStarting {
			c.transition(ctx, sess, store.StatusRunning, false)
		}
	case protocol.RunnerEventSessionIdle:
		// Idle only demotes a running session; a stale idle arriving after
		// stop or restart is dropped.
		if sess.Status == store.StatusRunning {
			c.transition(ctx, sess, store.StatusWaiting, false)
		}
	case protocol.RunnerEventProcessExited:
		// The exit itself is just a log entry; the disconnect path decides
		// the terminal state once the connection drops.
	}
}

// transition patches the session status, optionally stamping finished_at.
// Caller holds the session lock.
func (c *Controller) transition(ctx context.Context, sess *store.Session, status store.SessionStatus, finish bool) {
	patch := store.SessionPatch{Status: &status}
	if finish {
		now := time.Now().UTC()
		patch.FinishedAt = &now
	}
	if err := c.store.UpdateSession(ctx, sess.ID, patch); err != nil {
		c.logger.WithSessionID(sess.ID).Error("failed to update session status",
			zap.String("status", string(status)), zap.Error(err))
		return
	}
	c.notifyStatus(sess.ID, sess.RepoID, status)
	c.logger.WithSessionID(sess.ID).Info("session status changed",
		zap.String("from", string(sess.Status)),
		zap.String("to", string(status)))
}

// outcomePatch captures the worktree's final commit and any open pull
// request for the session branch. Both lookups are best effort; settlement
// proceeds with whatever was found.
func (c *Controller) outcomePatch(ctx context.Context, sess *store.Session) store.SessionPatch {
	var patch store.SessionPatch
	if sess.WorktreePath == nil {
		return patch
	}
	log := c.logger.WithSessionID(sess.ID)

	if head, err := c.src.HeadCommit(ctx, sess.ID); err == nil && head != "" {
		patch.HeadCommit = &head
	} else if err != nil {
		log.Debug("failed to read worktree head", zap.Error(err))
	}

	repo, err := c.store.GetRepo(ctx, sess.RepoID)
	if err != nil {
		return patch
	}
	if url, err := c.hosting.PullRequestURL(ctx, repo.Owner, repo.Name, sess.Branch); err == nil && url != "" {
		patch.PRURL = &url
	} else if err != nil {
		log.Debug("failed to look up pull request", zap.Error(err))
	}
	return patch
}

// StopSession stops a session from any state. Stopping a terminal session is
// a no-op and reports success without emitting a second stop event.
func (c *Controller) StopSession(ctx context.Context, sessionID string) (*store.Session, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return sess, nil
	}

	// Cancel in-flight provisioning; its goroutine releases partial resources.
	c.mu.Lock()
	if cancel, ok := c.provisioning[sessionID]; ok {
		cancel()
	}
	c.mu.Unlock()

	if conn, ok := c.registry.SandboxFor(sessionID); ok {
		if env, err := protocol.New(protocol.KindCommand, &sessionID,
			protocol.CommandPayload{Type: protocol.CommandStop}); err == nil {
			conn.Send(env)
		}
	}

	if sess.ContainerID != nil {
		if err := c.runtime.Stop(ctx, *sess.ContainerID, stopGraceSeconds); err != nil {
			c.logger.WithSessionID(sessionID).Warn("failed to stop sandbox", zap.Error(err))
		}
		if err := c.runtime.Remove(ctx, *sess.ContainerID, true); err != nil {
			c.logger.WithSessionID(sessionID).Warn("failed to remove sandbox", zap.Error(err))
		}
	}

	now := time.Now().UTC()
	status := store.StatusStopped
	patch := c.outcomePatch(ctx, sess)
	patch.Status = &status
	patch.FinishedAt = &now
	patch.ClearContainerID = true
	if err := c.store.UpdateSession(ctx, sessionID, patch); err != nil {
		return nil, err
	}
	if _, err := c.emitter.EmitManagerEvent(ctx, sessionID, protocol.ManagerEventSessionStopped, map[string]any{
		"requested": true,
	}); err != nil {
		c.logger.WithSessionID(sessionID).Error("failed to record session stop", zap.Error(err))
	}
	c.notifyStatus(sessionID, sess.RepoID, store.StatusStopped)

	sess.Status = store.StatusStopped
	sess.FinishedAt = &now
	sess.ContainerID = nil
	c.logger.WithSessionID(sessionID).Info("session stopped")
	return sess, nil
}

// SendUserMessage records an operator message, wakes the session, and
// forwards the message to the sandbox. The session must be waiting unless
// force is set, and must have a live sandbox connection.
func (c *Controller) SendUserMessage(ctx context.Context, sessionID, message string, force bool) (*store.Event, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrSessionTerminal
	}
	if sess.Status != store.StatusWaiting && !force {
		return nil, ErrSessionNotWaiting
	}

	conn, ok := c.registry.SandboxFor(sessionID)
	if !ok {
		return nil, ErrNoSandboxConnection
	}

	ev, err := c.emitter.EmitManagerEvent(ctx, sessionID, protocol.ManagerEventUserMessage, map[string]any{
		"message": message,
	})
	if err != nil {
		return nil, err
	}

	if sess.Status == store.StatusWaiting {
		c.transition(ctx, sess, store.StatusRunning, false)
	}

	env, err := protocol.New(protocol.KindCommand, &sessionID, protocol.CommandPayload{
		Type:    protocol.CommandUserMessage,
		Message: message,
	})
	if err != nil {
		return nil, err
	}
	conn.Send(env)
	return ev, nil
}

// runnerExit is the data shape of a runner process.exited event.
type runnerExit struct {
	ExitCode int `json:"exitCode"`
}

// HandleSandboxDisconnect settles a session whose sandbox connection dropped.
// A persisted clean exit means the session finished; anything else is an
// error. Terminal sessions (stop raced the disconnect) are left alone.
func (c *Controller) HandleSandboxDisconnect(ctx context.Context, sessionID string, _ *gateway.Conn) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	log := c.logger.WithSessionID(sessionID)
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		log.Warn("disconnect for unknown session", zap.Error(err))
		return
	}
	if sess.Status.Terminal() {
		return
	}

	reason := "connection_lost"
	status := store.StatusError
	var exitCode *int

	if ev, err := c.store.LastEventByType(ctx, sessionID, protocol.SourceRunner, protocol.RunnerEventProcessExited); err == nil {
		var payload protocol.EventPayload
		if jsonErr := json.Unmarshal(ev.Payload, &payload); jsonErr == nil && payload.RunnerEvent != nil {
			var exit runnerExit
			if jsonErr := json.Unmarshal(payload.RunnerEvent.Data, &exit); jsonErr == nil {
				exitCode = &exit.ExitCode
				reason = "process_exited"
				if exit.ExitCode == 0 {
					status = store.StatusFinished
				}
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Error("failed to inspect exit record", zap.Error(err))
	}

	if sess.ContainerID != nil {
		if err := c.runtime.Remove(ctx, *sess.ContainerID, true); err != nil {
			log.Warn("failed to remove disconnected sandbox", zap.Error(err))
		}
	}

	now := time.Now().UTC()
	patch := c.outcomePatch(ctx, sess)
	patch.Status = &status
	patch.FinishedAt = &now
	patch.ClearContainerID = true
	if err := c.store.UpdateSession(ctx, sessionID, patch); err != nil {
		log.Error("failed to settle disconnected session", zap.Error(err))
		return
	}

	data := map[string]any{"reason": reason}
	if exitCode != nil {
		data["exitCode"] = *exitCode
	}
	if _, err := c.emitter.EmitManagerEvent(ctx, sessionID, protocol.ManagerEventContainerDisconnected, data); err != nil {
		log.Error("failed to record disconnect", zap.Error(err))
	}
	c.notifyStatus(sessionID, sess.RepoID, status)
	log.Info("sandbox disconnected",
		zap.String("reason", reason),
		zap.String("status", string(status)))
}

// Reconcile settles sessions left non-terminal by a previous run. Their
// sandboxes cannot reconnect meaningfully, so they move to error state.
func (c *Controller) Reconcile(ctx context.Context) error {
	sessions, err := c.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	for _, sess := range sessions {
		log := c.logger.WithSessionID(sess.ID)

		if sess.ContainerID != nil {
			if err := c.runtime.Remove(ctx, *sess.ContainerID, true); err != nil {
				log.Warn("failed to remove orphaned sandbox", zap.Error(err))
			}
		}

		now := time.Now().UTC()
		status := store.StatusError
		if err := c.store.UpdateSession(ctx, sess.ID, store.SessionPatch{
			Status:           &status,
			FinishedAt:       &now,
			ClearContainerID: true,
		}); err != nil {
			log.Error("failed to settle orphaned session", zap.Error(err))
			continue
		}
		if _, err := c.emitter.EmitManagerEvent(ctx, sess.ID, protocol.ManagerEventSessionError, map[string]any{
			"message": "control plane restarted while session was active",
		}); err != nil {
			log.Error("failed to record orphan settlement", zap.Error(err))
		}
		c.notifyStatus(sess.ID, sess.RepoID, store.StatusError)
		log.Warn("settled orphaned session", zap.String("previous_status", string(sess.Status)))
	}

	if len(sessions) > 0 {
		c.logger.Info("startup reconciliation complete", zap.Int("settled", len(sessions)))
	}
	return nil
}

// Shutdown cancels in-flight provisioning and waits for goroutines to drain.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	for _, cancel := range c.provisioning {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// notifyStatus publishes a status change on the internal bus. Terminal
// transitions also drop the emitter's cached routing state for the session,
// which emits no further events.
func (c *Controller) notifyStatus(sessionID, repoID string, status store.SessionStatus) {
	if status.Terminal() && c.emitter != nil {
		c.emitter.ForgetSession(sessionID)
	}
	if c.bus == nil {
		return
	}
	n := bus.NewNotification(bus.SubjectSessionStatusChanged, map[string]any{
		"sessionId": sessionID,
		"repoId":    repoID,
		"status":    string(status),
	})
	if err := c.bus.Publish(context.Background(), bus.SubjectSessionStatusChanged, n); err != nil {
		c.logger.Warn("failed to publish status notification", zap.Error(err))
	}
}
