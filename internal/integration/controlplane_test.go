// Package integration exercises the control plane end to end over real
// WebSocket connections: observer commands, sandbox ingest, broadcasts, and
// the session lifecycle, with the workspace and container runtime faked.
package integration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/db"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/gateway"
	"github.com/agentplane/agentplane/internal/github"
	"github.com/agentplane/agentplane/internal/ingest"
	"github.com/agentplane/agentplane/internal/lifecycle"
	"github.com/agentplane/agentplane/internal/router"
	"github.com/agentplane/agentplane/internal/snapshot"
	"github.com/agentplane/agentplane/internal/store"
	"github.com/agentplane/agentplane/pkg/protocol"
)

type fakeSource struct{}

func (fakeSource) EnsureMirror(ctx context.Context, owner, name string) (string, error) {
	return "main", nil
}

func (fakeSource) CreateWorktree(ctx context.Context, owner, name, sessionID, base, branch string) (string, error) {
	return filepath.Join("/tmp/worktrees", sessionID), nil
}

func (fakeSource) RemoveWorktree(ctx context.Context, owner, name, sessionID string) error {
	return nil
}

func (fakeSource) HeadCommit(ctx context.Context, sessionID string) (string, error) {
	return "0123456789abcdef0123456789abcdef01234567", nil
}

type fakeHosting struct{}

func (fakeHosting) AccessToken(ctx context.Context) (string, error) { return "gho_test", nil }

func (fakeHosting) PullRequestURL(ctx context.Context, owner, name, branch string) (string, error) {
	return "", nil
}

func (fakeHosting) GetRepo(ctx context.Context, owner, name string) (*github.Repo, error) {
	return &github.Repo{Owner: owner, Name: name, FullName: owner + "/" + name, DefaultBranch: "main"}, nil
}

type fakeRuntime struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeRuntime) Start(ctx context.Context, spec lifecycle.StartSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, spec.SessionID)
	return "ctr-" + spec.SessionID, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, handle string, graceSeconds int) error { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, handle string, force bool) error     { return nil }

type harness struct {
	server *httptest.Server
	store  *store.Store
	broker *gateway.Broker
}

type sink struct {
	ingest     *ingest.Service
	router     *router.Router
	controller *lifecycle.Controller
}

func (s *sink) HandleSandboxEnvelope(ctx context.Context, c *gateway.Conn, env *protocol.Envelope) {
	s.ingest.HandleSandboxEnvelope(ctx, c, env)
}

func (s *sink) HandleObserverEnvelope(ctx context.Context, c *gateway.Conn, env *protocol.Envelope) {
	s.router.HandleObserverEnvelope(ctx, c, env)
}

func (s *sink) HandleSandboxDisconnect(ctx context.Context, sessionID string, c *gateway.Conn) {
	s.controller.HandleSandboxDisconnect(ctx, sessionID, c)
}

func startControlPlane(t *testing.T) *harness {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	pool, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	st, err := store.New(pool, log)
	require.NoError(t, err)

	registry := gateway.NewRegistry(log)
	broker := gateway.NewBroker(log)
	eventBus := bus.NewMemoryBus(log)

	controller := lifecycle.NewController(st, fakeSource{}, fakeHosting{}, &fakeRuntime{}, registry, eventBus, log)
	ingestSvc := ingest.New(st, broker, log)
	ingestSvc.SetLifecycle(controller)
	controller.SetEmitter(ingestSvc)

	snapshots := snapshot.New(st, log)
	cmdRouter := router.New(st, controller, snapshots, broker, fakeHosting{}, eventBus, log)
	require.NoError(t, cmdRouter.Start())

	handler := gateway.NewHandler(registry, broker, &sink{
		ingest:     ingestSvc,
		router:     cmdRouter,
		controller: controller,
	}, log)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/ws", handler.ServeWS)

	server := httptest.NewServer(engine)
	t.Cleanup(func() {
		server.Close()
		cmdRouter.Stop()
		controller.Shutdown()
		broker.Close()
		eventBus.Close()
		_ = pool.Close()
	})

	return &harness{server: server, store: st, broker: broker}
}

// client is a raw envelope-speaking WebSocket connection.
type client struct {
	t    *testing.T
	conn *websocket.Conn
	seq  protocol.Sequencer
}

func dial(t *testing.T, h *harness) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(kind protocol.Kind, sessionID *string, payload any) uint64 {
	c.t.Helper()
	env, err := protocol.New(kind, sessionID, payload)
	require.NoError(c.t, err)
	env.Seq = c.seq.Next()
	data, err := protocol.Encode(env)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
	return env.Seq
}

func (c *client) sendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// recv reads envelopes until the predicate matches, failing after the deadline.
func (c *client) recv(match func(*protocol.Envelope) bool) *protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "timed out waiting for envelope")
		env, err := protocol.Decode(data)
		require.NoError(c.t, err)
		if match(env) {
			return env
		}
	}
}

func (c *client) recvAck(commandSeq uint64) *protocol.AckPayload {
	c.t.Helper()
	env := c.recv(func(e *protocol.Envelope) bool {
		if e.Kind != protocol.KindAck {
			return false
		}
		var ack protocol.AckPayload
		return e.ParsePayload(&ack) == nil && ack.CommandSeq == commandSeq
	})
	var ack protocol.AckPayload
	require.NoError(c.t, env.ParsePayload(&ack))
	return &ack
}

func (c *client) recvError() *protocol.ErrorPayload {
	c.t.Helper()
	env := c.recv(func(e *protocol.Envelope) bool { return e.Kind == protocol.KindError })
	var payload protocol.ErrorPayload
	require.NoError(c.t, env.ParsePayload(&payload))
	return &payload
}

func seedRepo(t *testing.T, st *store.Store) *store.Repository {
	t.Helper()
	repo := &store.Repository{Owner: "acme", Name: "widgets", DefaultBranch: "main"}
	require.NoError(t, st.CreateRepo(context.Background(), repo))
	return repo
}

func TestObserverSubscribeRepoList(t *testing.T) {
	h := startControlPlane(t)
	repo := seedRepo(t, h.store)

	obs := dial(t, h)
	seq := obs.send(protocol.KindCommand, nil, protocol.CommandPayload{Type: protocol.CommandSubscribeRepoList})

	ack := obs.recvAck(seq)
	require.True(t, ack.Success)
	assert.Contains(t, string(ack.Data), repo.ID)
	assert.Contains(t, string(ack.Data), "widgets")
}

func TestSessionLifecycleOverWire(t *testing.T) {
	h := startControlPlane(t)
	repo := seedRepo(t, h.store)

	obs := dial(t, h)

	// Start a session.
	seq := obs.send(protocol.KindCommand, nil, protocol.CommandPayload{
		Type:   protocol.CommandSessionStart,
		RepoID: repo.ID,
		Role:   "implementer",
	})
	ack := obs.recvAck(seq)
	require.True(t, ack.Success)

	var sess store.Session
	require.NoError(t, json.Unmarshal(ack.Data, &sess))
	assert.Equal(t, store.StatusStarting, sess.Status)
	assert.True(t, strings.HasPrefix(sess.Branch, "agent/widgets/"))

	// Subscribe to the session's event feed.
	seq = obs.send(protocol.KindCommand, &sess.ID, protocol.CommandPayload{
		Type:      protocol.CommandSubscribeSession,
		SessionID: sess.ID,
	})
	require.True(t, obs.recvAck(seq).Success)

	// The sandbox runner connects and reports its process started.
	sandbox := dial(t, h)
	sbSeq := sandbox.send(protocol.KindEvent, &sess.ID, protocol.EventPayload{
		RunnerEvent: &protocol.RunnerEvent{Type: protocol.RunnerEventProcessStarted},
	})

	sbAck := sandbox.recvAck(sbSeq)
	require.True(t, sbAck.Success)
	assert.Contains(t, string(sbAck.Data), "eventId")

	// The observer sees the broadcast of the durable event.
	env := obs.recv(func(e *protocol.Envelope) bool {
		if e.Kind != protocol.KindEvent {
			return false
		}
		var stored protocol.StoredEvent
		return e.ParsePayload(&stored) == nil && stored.Type == protocol.RunnerEventProcessStarted
	})
	var stored protocol.StoredEvent
	require.NoError(t, env.ParsePayload(&stored))
	assert.Equal(t, protocol.SourceRunner, stored.Source)
	assert.Greater(t, stored.ID, int64(0))

	// The runner event moved the session to running.
	require.Eventually(t, func() bool {
		got, err := h.store.GetSession(context.Background(), sess.ID)
		return err == nil && got.Status == store.StatusRunning
	}, 3*time.Second, 10*time.Millisecond)

	// Going idle parks the session; send_message wakes it.
	sbSeq = sandbox.send(protocol.KindEvent, &sess.ID, protocol.EventPayload{
		RunnerEvent: &protocol.RunnerEvent{Type: protocol.RunnerEventSessionIdle},
	})
	require.True(t, sandbox.recvAck(sbSeq).Success)
	require.Eventually(t, func() bool {
		got, err := h.store.GetSession(context.Background(), sess.ID)
		return err == nil && got.Status == store.StatusWaiting
	}, 3*time.Second, 10*time.Millisecond)

	seq = obs.send(protocol.KindCommand, &sess.ID, protocol.CommandPayload{
		Type:      protocol.CommandSessionSendMessage,
		SessionID: sess.ID,
		Message:   "please continue",
	})
	require.True(t, obs.recvAck(seq).Success)

	// The sandbox receives the forwarded message.
	cmdEnv := sandbox.recv(func(e *protocol.Envelope) bool { return e.Kind == protocol.KindCommand })
	var cmd protocol.CommandPayload
	require.NoError(t, cmdEnv.ParsePayload(&cmd))
	assert.Equal(t, protocol.CommandUserMessage, cmd.Type)
	assert.Equal(t, "please continue", cmd.Message)

	// Stop the session.
	seq = obs.send(protocol.KindCommand, &sess.ID, protocol.CommandPayload{
		Type:      protocol.CommandSessionStop,
		SessionID: sess.ID,
	})
	require.True(t, obs.recvAck(seq).Success)

	got, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, got.Status)
}

func TestObserverSeqStrictlyIncreasing(t *testing.T) {
	h := startControlPlane(t)
	seedRepo(t, h.store)

	obs := dial(t, h)
	var lastSeq uint64
	for i := 0; i < 5; i++ {
		seq := obs.send(protocol.KindCommand, nil, protocol.CommandPayload{Type: protocol.CommandSnapshotRequest, Target: "repos"})
		env := obs.recv(func(e *protocol.Envelope) bool { return e.Kind == protocol.KindAck })
		var ack protocol.AckPayload
		require.NoError(t, env.ParsePayload(&ack))
		require.Equal(t, seq, ack.CommandSeq)
		require.Greater(t, env.Seq, lastSeq, "outbound seq must strictly increase")
		lastSeq = env.Seq
	}
}

func TestCommandErrors(t *testing.T) {
	h := startControlPlane(t)
	seedRepo(t, h.store)

	obs := dial(t, h)

	// Unknown command type.
	obs.send(protocol.KindCommand, nil, protocol.CommandPayload{Type: "session.reboot"})
	assert.Equal(t, protocol.ErrorCodeUnknownCommand, obs.recvError().Code)

	// Unknown repo.
	obs.send(protocol.KindCommand, nil, protocol.CommandPayload{Type: protocol.CommandSessionStart, RepoID: "missing"})
	assert.Equal(t, protocol.ErrorCodeRepoNotFound, obs.recvError().Code)

	// Unknown session.
	obs.send(protocol.KindCommand, nil, protocol.CommandPayload{Type: protocol.CommandSessionStop, SessionID: "missing"})
	assert.Equal(t, protocol.ErrorCodeSessionNotFound, obs.recvError().Code)
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	h := startControlPlane(t)

	obs := dial(t, h)
	obs.sendRaw(`{"hello":"world"}`)
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, obs.recvError().Code)

	obs.sendRaw(`{"v":1,"kind":"telemetry","payload":{}}`)
	assert.Equal(t, protocol.ErrorCodeUnknownKind, obs.recvError().Code)
}

func TestDuplicateOrchestratorOverWire(t *testing.T) {
	h := startControlPlane(t)
	repo := seedRepo(t, h.store)

	obs := dial(t, h)
	seq := obs.send(protocol.KindCommand, nil, protocol.CommandPayload{
		Type:   protocol.CommandSessionStart,
		RepoID: repo.ID,
		Role:   "orchestrator",
	})
	require.True(t, obs.recvAck(seq).Success)

	obs.send(protocol.KindCommand, nil, protocol.CommandPayload{
		Type:   protocol.CommandSessionStart,
		RepoID: repo.ID,
		Role:   "orchestrator",
	})
	assert.Equal(t, protocol.ErrorCodeDuplicateOrchestrator, obs.recvError().Code)
}

// TestSubscribeSessionSnapshotHandoff checks the subscription contract over
// the wire: everything at or below the snapshot cursor arrives only in the
// snapshot, and everything above it arrives live, with no gap between.
func TestSubscribeSessionSnapshotHandoff(t *testing.T) {
	h := startControlPlane(t)
	repo := seedRepo(t, h.store)

	obs := dial(t, h)
	seq := obs.send(protocol.KindCommand, nil, protocol.CommandPayload{
		Type:   protocol.CommandSessionStart,
		RepoID: repo.ID,
		Role:   "implementer",
	})
	ack := obs.recvAck(seq)
	require.True(t, ack.Success)
	var sess store.Session
	require.NoError(t, json.Unmarshal(ack.Data, &sess))

	// Two durable events exist before the observer subscribes.
	sandbox := dial(t, h)
	for i := 0; i < 2; i++ {
		sbSeq := sandbox.send(protocol.KindEvent, &sess.ID, protocol.EventPayload{
			RunnerEvent: &protocol.RunnerEvent{Type: protocol.RunnerEventProcessStarted},
		})
		require.True(t, sandbox.recvAck(sbSeq).Success)
	}

	seq = obs.send(protocol.KindCommand, &sess.ID, protocol.CommandPayload{
		Type:      protocol.CommandSubscribeSession,
		SessionID: sess.ID,
	})
	ack = obs.recvAck(seq)
	require.True(t, ack.Success)

	var sub struct {
		Snapshot struct {
			Cursor int64 `json:"cursor"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &sub))
	cursor := sub.Snapshot.Cursor
	require.Greater(t, cursor, int64(0))

	// A late broadcast of an event the snapshot already covers must be
	// suppressed; the next id flows through. Delivery is in order per topic,
	// so seeing the fresh event first proves the covered one was dropped.
	covered, err := protocol.New(protocol.KindEvent, &sess.ID, protocol.StoredEvent{
		ID: cursor, Source: protocol.SourceRunner, Type: "late.duplicate",
	})
	require.NoError(t, err)
	h.broker.PublishEvent(gateway.TopicSession(sess.ID), cursor, covered)

	fresh, err := protocol.New(protocol.KindEvent, &sess.ID, protocol.StoredEvent{
		ID: cursor + 1, Source: protocol.SourceRunner, Type: "fresh.event",
	})
	require.NoError(t, err)
	h.broker.PublishEvent(gateway.TopicSession(sess.ID), cursor+1, fresh)

	env := obs.recv(func(e *protocol.Envelope) bool {
		if e.Kind != protocol.KindEvent {
			return false
		}
		var stored protocol.StoredEvent
		if e.ParsePayload(&stored) != nil {
			return false
		}
		return stored.Type == "late.duplicate" || stored.Type == "fresh.event"
	})
	var stored protocol.StoredEvent
	require.NoError(t, env.ParsePayload(&stored))
	assert.Equal(t, "fresh.event", stored.Type)
}

func TestRepoAddAndRemoveOverWire(t *testing.T) {
	h := startControlPlane(t)

	obs := dial(t, h)
	seq := obs.send(protocol.KindCommand, nil, protocol.CommandPayload{
		Type:  protocol.CommandRepoAdd,
		Owner: "acme",
		Name:  "gadgets",
	})
	ack := obs.recvAck(seq)
	require.True(t, ack.Success)

	repo, err := h.store.FindRepoByOwnerName(context.Background(), "acme", "gadgets")
	require.NoError(t, err)
	assert.Equal(t, "main", repo.DefaultBranch)

	seq = obs.send(protocol.KindCommand, nil, protocol.CommandPayload{
		Type:  protocol.CommandRepoRemove,
		Owner: "acme",
		Name:  "gadgets",
	})
	require.True(t, obs.recvAck(seq).Success)

	_, err = h.store.FindRepoByOwnerName(context.Background(), "acme", "gadgets")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
