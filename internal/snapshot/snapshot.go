// Package snapshot assembles point-in-time views over the durable store.
// Observers receive one of these with every subscription ack and can request
// them again at any time to reconcile after dropped broadcasts.
package snapshot

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/store"
	"github.com/agentplane/agentplane/pkg/protocol"
)

const (
	// DefaultEventLimit is the tail size when the caller does not ask for one.
	DefaultEventLimit = 100

	// MaxEventLimit caps a single event page.
	MaxEventLimit = 1000
)

// RepoSummary is one row of the repository list view.
type RepoSummary struct {
	*store.Repository
	ActiveSessions int  `json:"activeSessions"`
	TotalSessions  int  `json:"totalSessions"`
	NeedsInput     bool `json:"needsInput"`
}

// RepoList is the repository list snapshot.
type RepoList struct {
	Repos []*RepoSummary `json:"repos"`
	TS    time.Time      `json:"ts"`
}

// SessionSummary is one row of a repository view.
type SessionSummary struct {
	*store.Session
	NeedsInput bool `json:"needsInput"`
}

// RepoView is the single-repository snapshot: metadata plus all sessions in
// recency order.
type RepoView struct {
	Repo     *store.Repository `json:"repo"`
	Sessions []*SessionSummary `json:"sessions"`
	TS       time.Time         `json:"ts"`
}

// EventPage is a bounded slice of a session's event log. Cursor is the
// highest event id in the page; passing it back as afterEventId continues
// forward from there. HasMore is only meaningful for forward reads.
type EventPage struct {
	SessionID string                  `json:"sessionId"`
	Events    []*protocol.StoredEvent `json:"events"`
	Cursor    int64                   `json:"cursor"`
	HasMore   bool                    `json:"hasMore"`
}

// Service builds snapshots from the store.
type Service struct {
	store  *store.Store
	logger *logger.Logger
}

// New creates the snapshot service.
func New(st *store.Store, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithFields(zap.String("component", "snapshot")),
	}
}

// RepoList returns every registered repository with derived session counts.
func (s *Service) RepoList(ctx context.Context) (*RepoList, error) {
	repos, err := s.store.ListRepos(ctx)
	if err != nil {
		return nil, err
	}

	out := &RepoList{
		Repos: make([]*RepoSummary, len(repos)),
		TS:    time.Now().UTC(),
	}

	// Session counts are independent per repository, so fan the reads out.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			sessions, err := s.store.ListSessionsByRepo(gctx, repo.ID)
			if err != nil {
				return err
			}
			summary := &RepoSummary{Repository: repo, TotalSessions: len(sessions)}
			for _, sess := range sessions {
				if !sess.Status.Terminal() {
					summary.ActiveSessions++
				}
				if sess.Status == store.StatusWaiting {
					summary.NeedsInput = true
				}
			}
			out.Repos[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RepoView returns one repository with all its sessions.
func (s *Service) RepoView(ctx context.Context, repoID string) (*RepoView, error) {
	repo, err := s.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessionsByRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	view := &RepoView{
		Repo:     repo,
		Sessions: make([]*SessionSummary, 0, len(sessions)),
		TS:       time.Now().UTC(),
	}
	for _, sess := range sessions {
		view.Sessions = append(view.Sessions, &SessionSummary{
			Session:    sess,
			NeedsInput: sess.Status == store.StatusWaiting,
		})
	}
	return view, nil
}

// SessionEvents returns a page of the session's event log. With no cursor it
// returns the most recent events in ascending order; with after set it reads
// forward from that id.
func (s *Service) SessionEvents(ctx context.Context, sessionID string, after *int64, limit int) (*EventPage, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}

	page := &EventPage{SessionID: sessionID}

	if after == nil {
		// Tail read: newest N, presented oldest-first.
		events, err := s.store.ListEvents(ctx, sessionID, store.ListEventsOptions{
			Limit:      limit,
			Descending: true,
		})
		if err != nil {
			return nil, err
		}
		for i := len(events) - 1; i >= 0; i-- {
			page.Events = append(page.Events, toStored(events[i]))
		}
	} else {
		// Forward read: fetch one extra row to learn whether more remain.
		events, err := s.store.ListEvents(ctx, sessionID, store.ListEventsOptions{
			After: after,
			Limit: limit + 1,
		})
		if err != nil {
			return nil, err
		}
		if len(events) > limit {
			page.HasMore = true
			events = events[:limit]
		}
		for _, ev := range events {
			page.Events = append(page.Events, toStored(ev))
		}
		page.Cursor = *after
	}

	if n := len(page.Events); n > 0 {
		page.Cursor = page.Events[n-1].ID
	}
	return page, nil
}

// toStored converts a store event to its wire representation.
func toStored(ev *store.Event) *protocol.StoredEvent {
	return &protocol.StoredEvent{
		ID:      ev.ID,
		TS:      ev.TS.Format(time.RFC3339Nano),
		Source:  ev.Source,
		Type:    ev.Type,
		Payload: ev.Payload,
	}
}
