package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/pkg/protocol"
)

// Sink receives classified inbound envelopes and disconnect notices from the
// transport layer. The command router serves observer envelopes; the ingest
// service serves sandbox envelopes; the lifecycle controller serves
// disconnects.
type Sink interface {
	HandleSandboxEnvelope(ctx context.Context, c *Conn, env *protocol.Envelope)
	HandleObserverEnvelope(ctx context.Context, c *Conn, env *protocol.Envelope)
	HandleSandboxDisconnect(ctx context.Context, sessionID string, c *Conn)
}

// Handler accepts WebSocket connections and runs their read loops.
type Handler struct {
	registry *Registry
	broker   *Broker
	sink     Sink
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewHandler creates the transport handler.
func NewHandler(registry *Registry, broker *Broker, sink Sink, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		broker:   broker,
		sink:     sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Single-tenant, host-local deployment: no origin checks.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "gateway")),
	}
}

// ServeWS upgrades an HTTP request and services the connection until it
// closes. Mounted on the gin router at /ws.
func (h *Handler) ServeWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConn(uuid.New().String(), ws, h.logger)
	h.registry.Register(conn)

	go conn.WritePump()
	h.readPump(c.Request.Context(), conn)
}

// readPump reads envelopes until the connection drops, then runs cleanup.
func (h *Handler) readPump(ctx context.Context, conn *Conn) {
	defer h.teardown(ctx, conn)

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		conn.TouchInbound()

		env, err := protocol.Decode(message)
		if err != nil {
			code := protocol.ErrorCodeInvalidMessage
			if errors.Is(err, protocol.ErrUnknownKind) {
				code = protocol.ErrorCodeUnknownKind
			}
			conn.Send(protocol.NewError(nil, code, err.Error(), nil))
			continue
		}

		if conn.Class() == ClassUndetermined {
			if !h.classify(conn, env) {
				continue
			}
		}

		switch conn.Class() {
		case ClassSandbox:
			h.sink.HandleSandboxEnvelope(ctx, conn, env)
		case ClassObserver:
			h.sink.HandleObserverEnvelope(ctx, conn, env)
		}
	}
}

// classify fixes the connection class from its first meaningful envelope:
// an event envelope with a session id makes it a sandbox, a command (or
// subscribe) envelope makes it an observer. Returns false if the envelope
// could not classify the connection.
func (h *Handler) classify(conn *Conn, env *protocol.Envelope) bool {
	switch env.Kind {
	case protocol.KindEvent:
		if env.SessionID == nil || *env.SessionID == "" {
			conn.Send(protocol.NewError(nil, protocol.ErrorCodeInvalidMessage,
				"event envelope requires a session id", nil))
			return false
		}
		if _, err := h.registry.Classify(conn.ID, ClassSandbox, *env.SessionID); err != nil {
			conn.Send(protocol.NewError(env.SessionID, protocol.ErrorCodeInternalError, err.Error(), nil))
			return false
		}
		return true

	case protocol.KindCommand, protocol.KindSubscribe:
		if _, err := h.registry.Classify(conn.ID, ClassObserver, ""); err != nil {
			conn.Send(protocol.NewError(nil, protocol.ErrorCodeInternalError, err.Error(), nil))
			return false
		}
		return true

	default:
		conn.Send(protocol.NewError(nil, protocol.ErrorCodeInvalidMessage,
			"connection must open with an event or command envelope", nil))
		return false
	}
}

// teardown forgets the connection everywhere and, for sandbox connections
// still bound to a session, runs the disconnection path.
func (h *Handler) teardown(ctx context.Context, conn *Conn) {
	sessionID := conn.SessionID()
	class := conn.Class()

	h.registry.Forget(conn.ID)
	h.broker.Forget(conn)
	conn.Close()

	if class == ClassSandbox && sessionID != "" {
		h.sink.HandleSandboxDisconnect(ctx, sessionID, conn)
	}
	conn.logger.Debug("connection closed", zap.String("class", string(class)))
}
