package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/gateway"
	"github.com/agentplane/agentplane/pkg/protocol"
)

// maxMissedProbes is how many unanswered application-level pings a sandbox
// connection gets before the supervisor closes it.
const maxMissedProbes = 2

// Supervisor watches sandbox connections for silence. A connection quiet for
// longer than the heartbeat interval gets a probe; after maxMissedProbes
// unanswered probes the connection is closed, which routes the session
// through the normal disconnect path.
type Supervisor struct {
	registry *gateway.Registry
	interval time.Duration
	logger   *logger.Logger
}

// NewSupervisor creates the heartbeat supervisor.
func NewSupervisor(registry *gateway.Registry, interval time.Duration, log *logger.Logger) *Supervisor {
	return &Supervisor{
		registry: registry,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "supervisor")),
	}
}

// Run probes until the context is cancelled. Call in its own goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep probes every quiet sandbox connection once.
func (s *Supervisor) sweep() {
	cutoff := time.Now().Add(-s.interval)

	for _, conn := range s.registry.Sandboxes() {
		if conn.LastInbound().After(cutoff) {
			continue
		}

		missed := conn.RecordProbe()
		if missed > maxMissedProbes {
			s.logger.Warn("sandbox connection unresponsive, closing",
				zap.String("conn_id", conn.ID),
				zap.String("session_id", conn.SessionID()),
				zap.Int32("missed_probes", missed))
			conn.Close()
			continue
		}

		sessionID := conn.SessionID()
		env, err := protocol.New(protocol.KindAck, &sessionID, protocol.PingPayload{Ping: true})
		if err != nil {
			continue
		}
		conn.Send(env)
		s.logger.Debug("probed quiet sandbox",
			zap.String("session_id", sessionID),
			zap.Int32("missed_probes", missed))
	}
}
