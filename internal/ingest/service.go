// Package ingest persists inbound sandbox events and fans the durable form
// out to subscribed observers. Every event becomes visible to observers only
// after its transactional write commits, so replay and live delivery agree.
package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/gateway"
	"github.com/agentplane/agentplane/internal/store"
	"github.com/agentplane/agentplane/pkg/protocol"
)

// Lifecycle receives runner event side effects after the event is durable.
type Lifecycle interface {
	HandleRunnerEvent(ctx context.Context, sessionID, eventType string)
}

// Service ingests sandbox events: classify, persist, ack, broadcast.
type Service struct {
	store     *store.Store
	broker    *gateway.Broker
	lifecycle Lifecycle
	logger    *logger.Logger

	// sessionID -> repoID; sessions never change repository.
	repoIDs sync.Map
}

// New creates the ingest service.
func New(st *store.Store, broker *gateway.Broker, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		broker: broker,
		logger: log.WithFields(zap.String("component", "ingest")),
	}
}

// SetLifecycle injects the runner event handler after construction.
func (s *Service) SetLifecycle(l Lifecycle) {
	s.lifecycle = l
}

// HandleSandboxEnvelope processes one inbound envelope from a sandbox
// connection. Event envelopes are persisted, acknowledged with the assigned
// event id, and broadcast; ack envelopes are heartbeat probe responses and
// carry no payload worth processing.
func (s *Service) HandleSandboxEnvelope(ctx context.Context, conn *gateway.Conn, env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindEvent:
		s.ingest(ctx, conn, env)
	case protocol.KindAck:
		// Probe response; inbound activity was already recorded by the read
		// loop.
	default:
		sid := conn.SessionID()
		conn.Send(protocol.NewError(&sid, protocol.ErrorCodeInvalidMessage,
			"sandbox connections send event envelopes", nil))
	}
}

// ingest persists a single event envelope and reports the outcome to the
// sandbox.
func (s *Service) ingest(ctx context.Context, conn *gateway.Conn, env *protocol.Envelope) {
	sessionID := conn.SessionID()
	log := s.logger.WithSessionID(sessionID)

	var payload protocol.EventPayload
	if err := env.ParsePayload(&payload); err != nil {
		conn.Send(protocol.NewError(&sessionID, protocol.ErrorCodeInvalidMessage,
			"malformed event payload: "+err.Error(), nil))
		return
	}

	source, eventType, ok := classify(&payload)
	if !ok {
		conn.Send(protocol.NewError(&sessionID, protocol.ErrorCodeInvalidMessage,
			"event payload carries neither a claude message nor a runner event", nil))
		return
	}

	ev := &store.Event{
		SessionID: sessionID,
		TS:        env.TS,
		Source:    source,
		Type:      eventType,
		Payload:   env.Payload,
	}
	if _, err := s.store.AppendEvent(ctx, ev); err != nil {
		log.Error("event ingest failed",
			zap.String("source", source),
			zap.String("type", eventType),
			zap.Error(err))
		conn.Send(protocol.NewError(&sessionID, protocol.ErrorCodeIngestFailed, err.Error(),
			map[string]any{"seq": env.Seq}))
		return
	}

	ack, err := protocol.NewAck(&sessionID, env.Seq, true, map[string]any{"eventId": ev.ID})
	if err == nil {
		conn.Send(ack)
	}

	s.broadcast(ctx, ev)

	if source == protocol.SourceRunner && s.lifecycle != nil {
		s.lifecycle.HandleRunnerEvent(ctx, sessionID, eventType)
	}
}

// classify derives the stored source and type from an event payload.
func classify(p *protocol.EventPayload) (source, eventType string, ok bool) {
	if p.RunnerEvent != nil && p.RunnerEvent.Type != "" {
		return protocol.SourceRunner, p.RunnerEvent.Type, true
	}
	if len(p.ClaudeMessage) > 0 {
		var inner struct {
			Type string `json:"type"`
		}
		eventType = protocol.ClaudeMessageFallbackType
		if err := json.Unmarshal(p.ClaudeMessage, &inner); err == nil && inner.Type != "" {
			eventType = inner.Type
		}
		return protocol.SourceClaude, eventType, true
	}
	return "", "", false
}

// EmitManagerEvent persists a control-plane event for a session and
// broadcasts it like any ingested event.
func (s *Service) EmitManagerEvent(ctx context.Context, sessionID, eventType string, payload any) (*store.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ev := &store.Event{
		SessionID: sessionID,
		TS:        time.Now().UTC(),
		Source:    protocol.SourceManager,
		Type:      eventType,
		Payload:   raw,
	}
	if _, err := s.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}

	s.broadcast(ctx, ev)
	return ev, nil
}

// ForgetSession evicts a session's cached repository id. The lifecycle
// controller calls this on terminal transitions so the cache does not grow
// with every session ever seen.
func (s *Service) ForgetSession(sessionID string) {
	s.repoIDs.Delete(sessionID)
}

// broadcast publishes the durable event to the session topic and the owning
// repository's topic.
func (s *Service) broadcast(ctx context.Context, ev *store.Event) {
	env, err := protocol.New(protocol.KindEvent, &ev.SessionID, protocol.StoredEvent{
		ID:      ev.ID,
		TS:      ev.TS.Format(time.RFC3339Nano),
		Source:  ev.Source,
		Type:    ev.Type,
		Payload: ev.Payload,
	})
	if err != nil {
		s.logger.Error("failed to build broadcast envelope", zap.Error(err))
		return
	}

	s.broker.PublishEvent(gateway.TopicSession(ev.SessionID), ev.ID, env)
	if repoID, ok := s.repoIDFor(ctx, ev.SessionID); ok {
		s.broker.PublishEvent(gateway.TopicRepo(repoID), ev.ID, env)
	}
}

// repoIDFor resolves and caches a session's owning repository id.
func (s *Service) repoIDFor(ctx context.Context, sessionID string) (string, bool) {
	if v, ok := s.repoIDs.Load(sessionID); ok {
		return v.(string), true
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.WithSessionID(sessionID).Warn("failed to resolve repository for broadcast", zap.Error(err))
		return "", false
	}
	s.repoIDs.Store(sessionID, sess.RepoID)
	return sess.RepoID, true
}
