// Package bus provides the internal notification bus connecting the
// lifecycle controller, supervisor, and gateway. Observer-facing delivery
// ordering is owned by the gateway broker; this bus carries coarse
// notifications (status changes, repo activity) between components.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published on the bus.
const (
	SubjectSessionStatusChanged = "session.status_changed"
	SubjectRepoActivity         = "repo.activity"
)

// Notification is a message on the bus.
type Notification struct {
	ID        string         `json:"id"`
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewNotification creates a notification with a fresh id and timestamp.
func NewNotification(subject string, data map[string]any) *Notification {
	return &Notification{
		ID:        uuid.New().String(),
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a notification.
type Handler func(ctx context.Context, n *Notification) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the notification bus interface.
type Bus interface {
	// Publish sends a notification to a subject.
	Publish(ctx context.Context, subject string, n *Notification) error

	// Subscribe registers a handler for a subject.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts the bus down.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
