// Package gateway provides the WebSocket transport layer: connection
// tracking, sandbox/observer classification, and topic-based fan-out to
// subscribed observers.
package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send transport-level pings with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024 // 1MB; agent messages can be large
)

// Class is a connection's role, fixed after the first inbound envelope.
type Class string

const (
	ClassUndetermined Class = "undetermined"
	ClassSandbox      Class = "sandbox"
	ClassObserver     Class = "observer"
)

// Conn is a single bidirectional transport connection. Outbound envelopes
// are stamped with this connection's sequence numbers and serialized through
// a single writer goroutine so they never interleave on the wire.
type Conn struct {
	ID string

	ws     *websocket.Conn
	send   chan []byte
	seq    protocol.Sequencer
	sendMu sync.Mutex // orders seq stamping with enqueueing

	mu        sync.RWMutex
	class     Class
	sessionID string // bound session, sandbox connections only
	topics    map[string]bool

	lastInbound  atomic.Int64 // unix nanos of the last inbound envelope
	missedProbes atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
	logger    *logger.Logger
}

// NewConn wraps an accepted WebSocket connection.
func NewConn(id string, ws *websocket.Conn, log *logger.Logger) *Conn {
	c := &Conn{
		ID:     id,
		ws:     ws,
		send:   make(chan []byte, 256),
		class:  ClassUndetermined,
		topics: make(map[string]bool),
		closed: make(chan struct{}),
		logger: log.WithFields(zap.String("conn_id", id)),
	}
	c.lastInbound.Store(time.Now().UnixNano())
	return c
}

// Class returns the connection's classification.
func (c *Conn) Class() Class {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.class
}

// SessionID returns the bound session id for sandbox connections, or "".
func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Topics returns a copy of the connection's subscribed topic keys.
func (c *Conn) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// Send stamps the envelope with this connection's next sequence number and
// queues it for the writer. Delivery is best-effort: if the buffer is full
// the envelope is dropped and the observer reconciles via snapshot.
func (c *Conn) Send(env *protocol.Envelope) {
	c.sendMu.Lock()
	out := *env
	out.Seq = c.seq.Next()
	data, err := protocol.Encode(&out)
	if err != nil {
		c.sendMu.Unlock()
		c.logger.Error("failed to encode envelope", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping envelope",
			zap.String("kind", string(out.Kind)))
	}
	c.sendMu.Unlock()
}

// TouchInbound records inbound activity and clears pending heartbeat probes.
func (c *Conn) TouchInbound() {
	c.lastInbound.Store(time.Now().UnixNano())
	c.missedProbes.Store(0)
}

// LastInbound returns the time of the last inbound envelope.
func (c *Conn) LastInbound() time.Time {
	return time.Unix(0, c.lastInbound.Load())
}

// RecordProbe increments the count of unanswered heartbeat probes and
// returns the new count.
func (c *Conn) RecordProbe() int32 {
	return c.missedProbes.Add(1)
}

// Close tears the connection down. Safe to call multiple times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// WritePump pumps queued messages to the WebSocket connection. It owns all
// writes to the underlying socket.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return

		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
