// Package events selects the internal notification bus implementation.
package events

import (
	"fmt"
	"strings"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events/bus"
)

// Provide builds the configured bus implementation: NATS when a URL is
// configured, in-memory otherwise. Returns the bus and a cleanup function.
func Provide(cfg *config.Config, log *logger.Logger) (bus.Bus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return natsBus, cleanup, nil
	}

	memBus := bus.NewMemoryBus(log)
	return memBus, func() error { return nil }, nil
}
