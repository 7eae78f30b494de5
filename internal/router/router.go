// Package router dispatches observer commands: session control, repository
// registration, subscriptions, and snapshot requests. Every command is
// answered with exactly one ack or error envelope on the issuing connection.
package router

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/gateway"
	"github.com/agentplane/agentplane/internal/github"
	"github.com/agentplane/agentplane/internal/lifecycle"
	"github.com/agentplane/agentplane/internal/snapshot"
	"github.com/agentplane/agentplane/internal/store"
	"github.com/agentplane/agentplane/pkg/protocol"
)

// Hosting is the slice of the hosting provider the router needs: resolving a
// repository's metadata when it is registered.
type Hosting interface {
	GetRepo(ctx context.Context, owner, name string) (*github.Repo, error)
}

// Router handles observer envelopes.
type Router struct {
	store      *store.Store
	controller *lifecycle.Controller
	snapshots  *snapshot.Service
	broker     *gateway.Broker
	hosting    Hosting
	bus        bus.Bus
	logger     *logger.Logger

	statusSub bus.Subscription
}

// New wires the command router.
func New(
	st *store.Store,
	controller *lifecycle.Controller,
	snapshots *snapshot.Service,
	broker *gateway.Broker,
	hosting Hosting,
	b bus.Bus,
	log *logger.Logger,
) *Router {
	return &Router{
		store:      st,
		controller: controller,
		snapshots:  snapshots,
		broker:     broker,
		hosting:    hosting,
		bus:        b,
		logger:     log.WithFields(zap.String("component", "router")),
	}
}

// Start subscribes the router to internal status notifications so repository
// list observers see session activity without subscribing to each repo.
func (r *Router) Start() error {
	sub, err := r.bus.Subscribe(bus.SubjectSessionStatusChanged, func(ctx context.Context, _ *bus.Notification) error {
		r.publishRepoList(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	r.statusSub = sub
	return nil
}

// Stop releases the bus subscription.
func (r *Router) Stop() {
	if r.statusSub != nil {
		_ = r.statusSub.Unsubscribe()
	}
}

// HandleObserverEnvelope processes one envelope from an observer connection.
func (r *Router) HandleObserverEnvelope(ctx context.Context, conn *gateway.Conn, env *protocol.Envelope) {
	if env.Kind != protocol.KindCommand && env.Kind != protocol.KindSubscribe {
		conn.Send(protocol.NewError(env.SessionID, protocol.ErrorCodeInvalidMessage,
			"observer connections send command envelopes", nil))
		return
	}

	var cmd protocol.CommandPayload
	if err := env.ParsePayload(&cmd); err != nil {
		conn.Send(protocol.NewError(env.SessionID, protocol.ErrorCodeInvalidMessage,
			"malformed command payload: "+err.Error(), nil))
		return
	}
	if cmd.Type == "" {
		conn.Send(protocol.NewError(env.SessionID, protocol.ErrorCodeInvalidMessage,
			"command payload requires a type", nil))
		return
	}

	data, err := r.dispatch(ctx, conn, env, &cmd)
	if err != nil {
		code, msg := mapError(err)
		conn.Send(protocol.NewError(env.SessionID, code, msg,
			map[string]any{"commandSeq": env.Seq, "command": cmd.Type}))
		return
	}

	ack, ackErr := protocol.NewAck(env.SessionID, env.Seq, true, data)
	if ackErr != nil {
		r.logger.Error("failed to build ack", zap.String("command", cmd.Type), zap.Error(ackErr))
		conn.Send(protocol.NewError(env.SessionID, protocol.ErrorCodeInternalError, ackErr.Error(), nil))
		return
	}
	conn.Send(ack)
}

// errUnknownCommand marks a command type the router does not dispatch.
var errUnknownCommand = errors.New("unknown command type")

// errSessionNotFound distinguishes a missing session from a missing
// repository when mapping store lookups to protocol codes.
var errSessionNotFound = errors.New("session not found")

// asSessionErr retags a store miss on a session-targeting command.
func asSessionErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return errSessionNotFound
	}
	return err
}

// dispatch routes one command and returns the ack data.
func (r *Router) dispatch(ctx context.Context, conn *gateway.Conn, env *protocol.Envelope, cmd *protocol.CommandPayload) (any, error) {
	switch cmd.Type {
	case protocol.CommandSessionStart:
		return r.sessionStart(ctx, cmd)
	case protocol.CommandSessionStop:
		sess, err := r.controller.StopSession(ctx, cmd.SessionID)
		if err != nil {
			return nil, asSessionErr(err)
		}
		return sess, nil
	case protocol.CommandSessionSendMessage:
		return r.sendMessage(ctx, cmd)
	case protocol.CommandRepoAdd:
		return r.repoAdd(ctx, cmd)
	case protocol.CommandRepoRemove:
		return r.repoRemove(ctx, cmd)
	case protocol.CommandSubscribeRepoList:
		return r.subscribeRepoList(ctx, conn)
	case protocol.CommandSubscribeRepo:
		return r.subscribeRepo(ctx, conn, cmd)
	case protocol.CommandSubscribeSession:
		return r.subscribeSession(ctx, conn, cmd)
	case protocol.CommandUnsubscribe:
		r.broker.Unsubscribe(conn, cmd.SubscriptionID)
		return map[string]any{"unsubscribed": cmd.SubscriptionID}, nil
	case protocol.CommandSnapshotRequest:
		return r.snapshotRequest(ctx, cmd)
	default:
		r.logger.Warn("unknown command", zap.String("type", cmd.Type))
		return nil, errUnknownCommand
	}
}

func (r *Router) sessionStart(ctx context.Context, cmd *protocol.CommandPayload) (any, error) {
	return r.controller.StartSession(ctx, lifecycle.StartRequest{
		RepoID:     cmd.RepoID,
		Role:       store.SessionRole(cmd.Role),
		BaseBranch: cmd.BaseBranch,
		GoalPrompt: cmd.GoalPrompt,
		Model:      cmd.Model,
	})
}

func (r *Router) sendMessage(ctx context.Context, cmd *protocol.CommandPayload) (any, error) {
	ev, err := r.controller.SendUserMessage(ctx, cmd.SessionID, cmd.Message, cmd.Force)
	if err != nil {
		return nil, asSessionErr(err)
	}
	return map[string]any{"eventId": ev.ID}, nil
}

func (r *Router) repoAdd(ctx context.Context, cmd *protocol.CommandPayload) (any, error) {
	info, err := r.hosting.GetRepo(ctx, cmd.Owner, cmd.Name)
	if err != nil {
		return nil, err
	}

	repo := &store.Repository{
		Owner:         info.Owner,
		Name:          info.Name,
		DefaultBranch: info.DefaultBranch,
	}
	if err := r.store.CreateRepo(ctx, repo); err != nil {
		if errors.Is(err, store.ErrDuplicateRepo) {
			// Registration is idempotent: return the existing row.
			existing, findErr := r.store.FindRepoByOwnerName(ctx, cmd.Owner, cmd.Name)
			if findErr != nil {
				return nil, findErr
			}
			return existing, nil
		}
		return nil, err
	}

	r.publishRepoList(ctx)
	r.logger.Info("repository registered",
		zap.String("repo_id", repo.ID),
		zap.String("owner", repo.Owner),
		zap.String("name", repo.Name))
	return repo, nil
}

func (r *Router) repoRemove(ctx context.Context, cmd *protocol.CommandPayload) (any, error) {
	repo, err := r.store.FindRepoByOwnerName(ctx, cmd.Owner, cmd.Name)
	if err != nil {
		return nil, err
	}
	if err := r.store.DeleteRepo(ctx, repo.ID); err != nil {
		return nil, err
	}

	r.publishRepoList(ctx)
	r.logger.Info("repository removed", zap.String("repo_id", repo.ID))
	return map[string]any{"removed": repo.ID}, nil
}

// Subscriptions register gated before computing the snapshot, so an event
// committed between the store read and the registration is buffered rather
// than lost. Releasing with the snapshot's cursor as the floor suppresses
// anything the snapshot already covers.

func (r *Router) subscribeRepoList(ctx context.Context, conn *gateway.Conn) (any, error) {
	r.broker.SubscribeGated(conn, gateway.TopicRepoList)
	snap, err := r.snapshots.RepoList(ctx)
	if err != nil {
		r.broker.Unsubscribe(conn, gateway.TopicRepoList)
		return nil, err
	}
	r.broker.Release(conn, gateway.TopicRepoList, 0)
	return map[string]any{"subscriptionId": gateway.TopicRepoList, "snapshot": snap}, nil
}

func (r *Router) subscribeRepo(ctx context.Context, conn *gateway.Conn, cmd *protocol.CommandPayload) (any, error) {
	topic := gateway.TopicRepo(cmd.RepoID)
	r.broker.SubscribeGated(conn, topic)
	snap, err := r.snapshots.RepoView(ctx, cmd.RepoID)
	if err != nil {
		r.broker.Unsubscribe(conn, topic)
		return nil, err
	}
	r.broker.Release(conn, topic, 0)
	return map[string]any{"subscriptionId": topic, "snapshot": snap}, nil
}

func (r *Router) subscribeSession(ctx context.Context, conn *gateway.Conn, cmd *protocol.CommandPayload) (any, error) {
	topic := gateway.TopicSession(cmd.SessionID)
	r.broker.SubscribeGated(conn, topic)
	snap, err := r.snapshots.SessionEvents(ctx, cmd.SessionID, cmd.AfterEventID, cmd.Limit)
	if err != nil {
		r.broker.Unsubscribe(conn, topic)
		return nil, asSessionErr(err)
	}
	r.broker.Release(conn, topic, snap.Cursor)
	return map[string]any{"subscriptionId": topic, "snapshot": snap}, nil
}

func (r *Router) snapshotRequest(ctx context.Context, cmd *protocol.CommandPayload) (any, error) {
	switch cmd.Target {
	case "repos", "":
		return r.snapshots.RepoList(ctx)
	case "sessions":
		return r.snapshots.RepoView(ctx, cmd.RepoID)
	case "events":
		snap, err := r.snapshots.SessionEvents(ctx, cmd.SessionID, cmd.AfterEventID, cmd.Limit)
		if err != nil {
			return nil, asSessionErr(err)
		}
		return snap, nil
	default:
		return nil, errUnknownCommand
	}
}

// publishRepoList pushes a fresh repository list snapshot to its topic.
func (r *Router) publishRepoList(ctx context.Context) {
	if r.broker.SubscriberCount(gateway.TopicRepoList) == 0 {
		return
	}
	snap, err := r.snapshots.RepoList(ctx)
	if err != nil {
		r.logger.Error("failed to build repo list snapshot", zap.Error(err))
		return
	}
	env, err := protocol.New(protocol.KindSnapshot, nil, snap)
	if err != nil {
		r.logger.Error("failed to build snapshot envelope", zap.Error(err))
		return
	}
	r.broker.Publish(gateway.TopicRepoList, env)
}

// mapError translates sentinel errors to protocol error codes.
func mapError(err error) (code, message string) {
	switch {
	case errors.Is(err, errUnknownCommand):
		return protocol.ErrorCodeUnknownCommand, err.Error()
	case errors.Is(err, lifecycle.ErrDuplicateOrchestrator):
		return protocol.ErrorCodeDuplicateOrchestrator, err.Error()
	case errors.Is(err, lifecycle.ErrSessionNotWaiting), errors.Is(err, lifecycle.ErrSessionTerminal):
		return protocol.ErrorCodeSessionNotWaiting, err.Error()
	case errors.Is(err, lifecycle.ErrNoSandboxConnection):
		return protocol.ErrorCodeNoContainer, err.Error()
	case errors.Is(err, lifecycle.ErrInvalidRole):
		return protocol.ErrorCodeInvalidMessage, err.Error()
	case errors.Is(err, errSessionNotFound):
		return protocol.ErrorCodeSessionNotFound, err.Error()
	case errors.Is(err, store.ErrRepositoryBusy):
		return protocol.ErrorCodeRepoBusy, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return protocol.ErrorCodeRepoNotFound, err.Error()
	default:
		return protocol.ErrorCodeInternalError, err.Error()
	}
}
