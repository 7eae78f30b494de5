package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/gateway"
)

func newSupervisorFixture(t *testing.T, interval time.Duration) (*Supervisor, *gateway.Registry, *gateway.Conn) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	registry := gateway.NewRegistry(log)
	conn := gateway.NewConn("sb-1", nil, log)
	registry.Register(conn)
	_, err = registry.Classify(conn.ID, gateway.ClassSandbox, "sess-1")
	require.NoError(t, err)

	return NewSupervisor(registry, interval, log), registry, conn
}

func TestSupervisorClosesUnresponsiveConn(t *testing.T) {
	s, _, conn := newSupervisorFixture(t, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	// Two probes are tolerated; the third sweep gives up.
	s.sweep()
	s.sweep()
	select {
	case <-conn.Done():
		t.Fatal("connection closed before the probe budget was spent")
	default:
	}

	s.sweep()
	select {
	case <-conn.Done():
	default:
		t.Fatal("unresponsive connection was not closed")
	}
}

func TestSupervisorSparesActiveConn(t *testing.T) {
	s, _, conn := newSupervisorFixture(t, time.Minute)

	for i := 0; i < 5; i++ {
		s.sweep()
	}
	select {
	case <-conn.Done():
		t.Fatal("active connection must not be closed")
	default:
	}
}

func TestSupervisorResetsAfterActivity(t *testing.T) {
	s, _, conn := newSupervisorFixture(t, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	s.sweep()
	s.sweep()

	// A probe response clears the missed count and restarts the budget.
	conn.TouchInbound()
	time.Sleep(5 * time.Millisecond)
	s.sweep()
	s.sweep()

	select {
	case <-conn.Done():
		t.Fatal("connection closed despite answering probes")
	default:
	}
	assert.Equal(t, "sess-1", conn.SessionID())
}
