package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/joescharf/hound/internal/lock"
	"github.com/joescharf/hound/internal/models"
	"github.com/joescharf/hound/internal/projection"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
// Each session row keeps the canonical JSON of the projection so Load
// returns exactly what was saved; agent_records mirrors it for queries.
type SQLiteStore struct {
	db     *sql.DB
	mu     *lock.SessionMutex
	logger *slog.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithSessionMutex sets the mutex Mutate runs under. Callers that also take
// the session lock elsewhere must share the same instance.
func WithSessionMutex(m *lock.SessionMutex) Option {
	return func(s *SQLiteStore) { s.mu = m }
}

// WithLogger sets the logger used to report rows Mutate had to rebuild.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes access through the pool and avoids "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	for _, o := range opts {
		o(s)
	}
	if s.mu == nil {
		s.mu = lock.NewSessionMutex(lock.DefaultTimeout)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the stored projection for id, ErrNotFound, or ErrCorrupt when
// the snapshot does not decode.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*models.Session, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, "SELECT snapshot FROM sessions WHERE id = ?", id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(snapshot), &sess); err != nil {
		return nil, fmt.Errorf("%w: session %s: %w", ErrCorrupt, id, err)
	}
	return &sess, nil
}

// Save replaces the stored session in one transaction. Readers see either
// the previous row set or the new one.
func (s *SQLiteStore) Save(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("save session: empty id")
	}
	snapshot, err := projection.Encode(sess)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", sess.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, target_url, repo_path, config_ref, status, current_phase, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target_url = excluded.target_url,
			repo_path = excluded.repo_path,
			config_ref = excluded.config_ref,
			status = excluded.status,
			current_phase = excluded.current_phase,
			snapshot = excluded.snapshot,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		sess.ID, sess.TargetURL, sess.RepoPath, sess.ConfigRef, string(sess.Status), sess.CurrentPhase,
		string(snapshot), sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM agent_records WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("clear agent records %s: %w", sess.ID, err)
	}
	for _, a := range sess.Agents {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_records (session_id, name, phase, status, attempts, last_error_kind, checkpoint_id, terminal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, a.Name, a.Phase, string(a.Status), a.Attempts, a.LastErrorKind, a.CheckpointID, boolToInt(a.Terminal),
		)
		if err != nil {
			return fmt.Errorf("save agent record %s/%s: %w", sess.ID, a.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session %s: %w", sess.ID, err)
	}
	return nil
}

// Mutate is the only sanctioned read-modify-write path.
func (s *SQLiteStore) Mutate(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error) {
	var out *models.Session
	err := s.mu.WithLock(ctx, id, func() error {
		sess, err := s.Load(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			sess = &models.Session{ID: id}
		case errors.Is(err, ErrCorrupt):
			s.logger.Warn("discarding undecodable session snapshot", "session", id, "error", err)
			sess = &models.Session{ID: id}
		case err != nil:
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		sess.ID = id
		if err := s.Save(ctx, sess); err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessions returns every stored session, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.target_url, s.repo_path, s.status, s.current_phase, s.created_at, s.updated_at,
			COUNT(a.name),
			COALESCE(SUM(CASE WHEN a.status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM sessions s
		LEFT JOIN agent_records a ON a.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum    SessionSummary
			status string
		)
		if err := rows.Scan(&sum.ID, &sum.TargetURL, &sum.RepoPath, &status, &sum.CurrentPhase,
			&sum.CreatedAt, &sum.UpdatedAt, &sum.Total, &sum.Completed, &sum.Failed); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Status = models.SessionStatus(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a session and its agent records. Deleting a missing
// session is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.mu.WithLock(ctx, id, func() error {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
		return nil
	})
}

var _ Store = (*SQLiteStore)(nil)
