package gateway

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/pkg/protocol"
)

// Topic keys.
const TopicRepoList = "repo_list"

// TopicRepo returns the topic key for a repository.
func TopicRepo(repoID string) string { return "repo:" + repoID }

// TopicSession returns the topic key for a session.
func TopicSession(sessionID string) string { return "session:" + sessionID }

// topicQueueDepth bounds the per-topic publish queue. Publishers block
// briefly under burst rather than reorder.
const topicQueueDepth = 512

// published is one queued fan-out item. EventID is the durable event id for
// event envelopes and zero otherwise; it drives the per-subscriber floor
// filter.
type published struct {
	env     *protocol.Envelope
	eventID int64
}

// subscriber is one connection's membership in a topic. A gated subscriber
// buffers deliveries until Release fixes its floor; afterwards event
// envelopes at or below the floor are suppressed, so a snapshot computed
// between SubscribeGated and Release neither misses nor duplicates events.
type subscriber struct {
	conn    *Conn
	gated   bool
	floor   int64
	pending []published
}

// Broker maps topic keys to subscribed observer connections and fans
// published envelopes out to them. All publishes for one topic funnel
// through that topic's single drain goroutine, so every subscriber observes
// the same linearization. Delivery to an individual connection is
// best-effort; slow observers reconcile via snapshots.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
	logger *logger.Logger
}

type topicState struct {
	key   string
	subs  map[string]*subscriber
	queue chan published
	done  chan struct{}
}

// NewBroker creates an empty subscription broker.
func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		topics: make(map[string]*topicState),
		logger: log.WithFields(zap.String("component", "broker")),
	}
}

// getOrCreate returns the topic state, creating its drain goroutine on first
// use. Caller must hold b.mu.
func (b *Broker) getOrCreate(key string) *topicState {
	t, ok := b.topics[key]
	if !ok {
		t = &topicState{
			key:   key,
			subs:  make(map[string]*subscriber),
			queue: make(chan published, topicQueueDepth),
			done:  make(chan struct{}),
		}
		b.topics[key] = t
		go b.drain(t)
	}
	return t
}

// drain delivers queued envelopes for one topic in publish order. Sends run
// under the broker lock so they interleave correctly with Release flushes;
// Conn.Send never blocks, so holding the lock is safe.
func (b *Broker) drain(t *topicState) {
	for {
		select {
		case <-t.done:
			return
		case p := <-t.queue:
			b.mu.Lock()
			for _, sub := range t.subs {
				b.deliver(sub, p)
			}
			b.mu.Unlock()
		}
	}
}

// deliver routes one published item to one subscriber, honoring its gate and
// floor. Caller must hold b.mu.
func (b *Broker) deliver(sub *subscriber, p published) {
	if sub.gated {
		if len(sub.pending) >= topicQueueDepth {
			b.logger.Warn("gated subscriber buffer full, dropping envelope",
				zap.String("conn_id", sub.conn.ID))
			return
		}
		sub.pending = append(sub.pending, p)
		return
	}
	if p.eventID > 0 && p.eventID <= sub.floor {
		return
	}
	sub.conn.Send(p.env)
}

// Subscribe adds a connection to a topic with immediate delivery.
func (b *Broker) Subscribe(c *Conn, topic string) {
	b.subscribe(c, topic, false)
}

// SubscribeGated adds a connection to a topic with deliveries buffered until
// Release. Used by subscription handlers that compute a snapshot after
// registering, so nothing published in between is lost.
func (b *Broker) SubscribeGated(c *Conn, topic string) {
	b.subscribe(c, topic, true)
}

func (b *Broker) subscribe(c *Conn, topic string, gated bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	t := b.getOrCreate(topic)
	t.subs[c.ID] = &subscriber{conn: c, gated: gated}
	b.mu.Unlock()

	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()

	b.logger.Debug("subscribed",
		zap.String("conn_id", c.ID),
		zap.String("topic", topic),
		zap.Bool("gated", gated))
}

// Release opens a gated subscription: buffered items above floor are
// delivered in order, and from here on event envelopes at or below floor are
// suppressed. Floor zero delivers everything. Releasing an ungated or
// unknown subscription is a no-op.
func (b *Broker) Release(c *Conn, topic string, floor int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return
	}
	sub, ok := t.subs[c.ID]
	if !ok || !sub.gated {
		return
	}

	sub.gated = false
	sub.floor = floor
	for _, p := range sub.pending {
		if p.eventID > 0 && p.eventID <= floor {
			continue
		}
		sub.conn.Send(p.env)
	}
	sub.pending = nil
}

// Unsubscribe removes a connection from a topic.
func (b *Broker) Unsubscribe(c *Conn, topic string) {
	b.mu.Lock()
	if t, ok := b.topics[topic]; ok {
		delete(t.subs, c.ID)
	}
	b.mu.Unlock()

	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

// Forget removes a connection from every topic it subscribed to.
func (b *Broker) Forget(c *Conn) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.topics = make(map[string]bool)
	c.mu.Unlock()

	b.mu.Lock()
	for _, topic := range topics {
		if t, ok := b.topics[topic]; ok {
			delete(t.subs, c.ID)
		}
	}
	b.mu.Unlock()
}

// Publish queues an envelope for in-order delivery to the topic's
// subscribers. Publishing to a topic nobody subscribes to is a no-op beyond
// queueing.
func (b *Broker) Publish(topic string, env *protocol.Envelope) {
	b.publish(topic, published{env: env})
}

// PublishEvent queues a stored-event envelope tagged with its durable id, so
// per-subscriber floors can suppress events already covered by a snapshot.
func (b *Broker) PublishEvent(topic string, eventID int64, env *protocol.Envelope) {
	b.publish(topic, published{env: env, eventID: eventID})
}

func (b *Broker) publish(topic string, p published) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	t := b.getOrCreate(topic)
	b.mu.Unlock()

	select {
	case t.queue <- p:
	default:
		// Queue overrun: drop rather than block the emitter. Observers
		// reconcile via snapshot.
		b.logger.Warn("topic queue full, dropping envelope", zap.String("topic", topic))
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		return len(t.subs)
	}
	return 0
}

// Close stops all topic drains.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, t := range b.topics {
		close(t.done)
	}
	b.topics = make(map[string]*topicState)
}
