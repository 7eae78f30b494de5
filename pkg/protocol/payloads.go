package protocol

import "encoding/json"

// Event sources: who produced a persisted event.
const (
	SourceClaude  = "claude"  // the agent itself
	SourceRunner  = "runner"  // the sandbox runner process
	SourceManager = "manager" // the control plane
)

// Runner event types the control plane reacts to.
const (
	RunnerEventProcessStarted = "process.started"
	RunnerEventProcessExited  = "process.exited"
	RunnerEventSessionIdle    = "session.idle"
)

// Manager event types the control plane synthesizes.
const (
	ManagerEventSessionStarted        = "session.started"
	ManagerEventSessionStopped        = "session.stopped"
	ManagerEventSessionError          = "session.error"
	ManagerEventUserMessage           = "user.message"
	ManagerEventContainerDisconnected = "container.disconnected"
)

// Fallback type for agent messages whose inner type field is absent.
const ClaudeMessageFallbackType = "claude.message"

// Command types accepted from observer connections.
const (
	CommandSessionStart       = "session.start"
	CommandSessionStop        = "session.stop"
	CommandSessionSendMessage = "session.send_message"
	CommandRepoAdd            = "repo.add"
	CommandRepoRemove         = "repo.remove"
	CommandSubscribeRepoList  = "subscribe.repo_list"
	CommandSubscribeRepo      = "subscribe.repo"
	CommandSubscribeSession   = "subscribe.session"
	CommandUnsubscribe        = "unsubscribe"
	CommandSnapshotRequest    = "snapshot.request"
	// Sent by the control plane to a sandbox connection.
	CommandUserMessage = "user_message"
	CommandStop        = "stop"
)

// EventPayload is the inbound payload of an event envelope from a sandbox:
// exactly one of ClaudeMessage or RunnerEvent is set.
type EventPayload struct {
	ClaudeMessage json.RawMessage `json:"claudeMessage,omitempty"`
	RunnerEvent   *RunnerEvent    `json:"runnerEvent,omitempty"`
}

// RunnerEvent is a sandbox runner lifecycle notification.
type RunnerEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StoredEvent is the canonical outbound representation of a persisted event,
// carried in event envelopes on session and repo topics.
type StoredEvent struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts"`
	Source  string          `json:"source"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CommandPayload is the flat payload of a command envelope. Fields beyond
// Type are command-specific; unused ones stay zero.
type CommandPayload struct {
	Type string `json:"type"`

	// session.start
	RepoID     string `json:"repoId,omitempty"`
	Role       string `json:"role,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	GoalPrompt string `json:"goalPrompt,omitempty"`
	Model      string `json:"model,omitempty"`

	// session.stop, session.send_message, subscribe.session
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	Force     bool   `json:"force,omitempty"`

	// repo.add / repo.remove
	Owner string `json:"owner,omitempty"`
	Name  string `json:"name,omitempty"`

	// unsubscribe
	SubscriptionID string `json:"subscriptionId,omitempty"`

	// snapshot.request
	Target       string `json:"target,omitempty"` // repos | sessions | events
	AfterEventID *int64 `json:"afterEventId,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// AckPayload is the payload of an ack envelope. CommandSeq echoes the
// sequence number of the command being acknowledged.
type AckPayload struct {
	CommandSeq uint64          `json:"commandSeq"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// PingPayload is the payload of the heartbeat probe the control plane sends
// to a quiet sandbox connection. It reuses the ack kind with CommandSeq 0.
type PingPayload struct {
	Ping bool `json:"ping"`
}

// NewAck builds an ack envelope for the given command sequence number.
func NewAck(sessionID *string, commandSeq uint64, success bool, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return New(KindAck, sessionID, AckPayload{
		CommandSeq: commandSeq,
		Success:    success,
		Data:       raw,
	})
}
