package store

import (
	"fmt"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/db"
	"go.uber.org/zap"
)

// Store provides durable persistence backed by SQLite or PostgreSQL.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// New creates a Store on the given pool and initializes the schema.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't exist. The event id column is
// the store-global monotone identifier: AUTOINCREMENT prevents SQLite from
// ever reusing ids after a cascade delete; BIGSERIAL gives the same guarantee
// on PostgreSQL.
func (s *Store) initSchema() error {
	eventID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.pool.IsPostgres() {
		eventID = "BIGSERIAL PRIMARY KEY"
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP,
			UNIQUE(owner, name)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			repo_id TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'starting',
			branch TEXT NOT NULL DEFAULT '',
			base_branch TEXT NOT NULL DEFAULT '',
			worktree_path TEXT,
			container_id TEXT,
			model TEXT NOT NULL DEFAULT '',
			goal_prompt TEXT NOT NULL DEFAULT '',
			head_commit TEXT NOT NULL DEFAULT '',
			pr_url TEXT NOT NULL DEFAULT '',
			last_event_id BIGINT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			FOREIGN KEY (repo_id) REFERENCES repositories(id) ON DELETE CASCADE
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			id %s,
			session_id TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			source TEXT NOT NULL CHECK (source IN ('claude', 'runner', 'manager')),
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`, eventID),
		`CREATE INDEX IF NOT EXISTS idx_sessions_repo_id ON sessions(repo_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_repo_status ON sessions(repo_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_type ON events(session_id, type)`,
	}

	for _, stmt := range ddl {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ?-style placeholders to the driver's native form.
func (s *Store) rebind(query string) string {
	return s.pool.Writer().Rebind(query)
}
