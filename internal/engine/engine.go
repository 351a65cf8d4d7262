// Package engine is the operator command surface. Every operation first
// reconciles the session's stored projection from its audit log, then acts
// through the checkpoint manager while holding the session's run lock.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/joescharf/hound/internal/audit"
	"github.com/joescharf/hound/internal/checkpoint"
	"github.com/joescharf/hound/internal/invoke"
	"github.com/joescharf/hound/internal/lock"
	"github.com/joescharf/hound/internal/models"
	"github.com/joescharf/hound/internal/pipeline"
	"github.com/joescharf/hound/internal/projection"
	"github.com/joescharf/hound/internal/reconcile"
	"github.com/joescharf/hound/internal/retry"
	"github.com/joescharf/hound/internal/runlock"
	"github.com/joescharf/hound/internal/store"
	"github.com/joescharf/hound/internal/validate"
	"github.com/joescharf/hound/internal/vcs"
)

// ErrNoSession is returned when the selected session has never been started.
var ErrNoSession = errors.New("no such session")

// Config wires an Engine.
type Config struct {
	// StateDir holds the per-session audit logs and run locks.
	StateDir string
	// DBPath is the SQLite projection store. Ignored when Store is set.
	DBPath string
	Store  store.Store

	Pipeline *pipeline.Pipeline
	VCS      vcs.Backend
	Invoker  invoke.Invoker
	Policy   *retry.Policy
	Logger   *slog.Logger

	LockTimeout    time.Duration
	AttemptTimeout time.Duration
	Stagger        time.Duration
}

// Engine runs operator commands.
type Engine struct {
	pipe       *pipeline.Pipeline
	store      store.Store
	audit      *audit.Log
	manager    *checkpoint.Manager
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
}

// Open builds the store, audit log, validators and manager described by cfg.
// The store schema is migrated before Open returns.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("engine: pipeline is required")
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("engine: state directory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	validators, err := validate.Build(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	log, err := audit.Open(filepath.Join(cfg.StateDir, "sessions"))
	if err != nil {
		return nil, err
	}

	st := cfg.Store
	if st == nil {
		dbPath := cfg.DBPath
		if dbPath == "" {
			dbPath = filepath.Join(cfg.StateDir, "hound.db")
		}
		timeout := cfg.LockTimeout
		if timeout <= 0 {
			timeout = lock.DefaultTimeout
		}
		st, err = store.NewSQLiteStore(dbPath,
			store.WithSessionMutex(lock.NewSessionMutex(timeout)),
			store.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	mgr, err := checkpoint.New(checkpoint.Deps{
		Pipeline:       cfg.Pipeline,
		Store:          st,
		Audit:          log,
		VCS:            cfg.VCS,
		Invoker:        cfg.Invoker,
		Validators:     validators,
		Policy:         cfg.Policy,
		Logger:         logger,
		AttemptTimeout: cfg.AttemptTimeout,
		Stagger:        cfg.Stagger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Engine{
		pipe:       cfg.Pipeline,
		store:      st,
		audit:      log,
		manager:    mgr,
		reconciler: reconcile.New(cfg.Pipeline, log, st, logger),
		logger:     logger,
	}, nil
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Pipeline returns the pipeline the engine runs.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipe }

// SessionID derives the stable session id of a target URL and repository.
func SessionID(targetURL, repoPath string) (string, error) {
	if targetURL == "" || repoPath == "" {
		return "", fmt.Errorf("target url and repository are required")
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return "", fmt.Errorf("resolve repository path: %w", err)
	}
	sum := sha256.Sum256([]byte(targetURL + "\x00" + abs))
	return hex.EncodeToString(sum[:])[:16], nil
}

// Ref selects a session by id, or by target URL and repository.
type Ref struct {
	ID        string
	TargetURL string
	RepoPath  string
}

func (r Ref) id() (string, error) {
	if r.ID != "" {
		return r.ID, nil
	}
	return SessionID(r.TargetURL, r.RepoPath)
}

// reconcile repairs the stored projection and returns the session.
func (e *Engine) reconcile(ctx context.Context, id string) (*models.Session, bool, error) {
	out, err := e.reconciler.Reconcile(ctx, id)
	if errors.Is(err, projection.ErrNoSession) {
		return nil, false, fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	if err != nil {
		return nil, false, err
	}
	if ref := out.Session.ConfigRef; ref != "" && ref != e.pipe.Ref {
		e.logger.Warn("session was started with a different pipeline definition", "session", id, "started", ref, "current", e.pipe.Ref)
	}
	return out.Session, out.Repaired, nil
}

func targetOf(s *models.Session) checkpoint.Target {
	return checkpoint.Target{SessionID: s.ID, TargetURL: s.TargetURL, RepoPath: s.RepoPath}
}

// withRun holds the session's run lock around fn and returns the session
// as stored after fn, along with fn's error.
func (e *Engine) withRun(ctx context.Context, id string, fn func(t checkpoint.Target) error) (*models.Session, error) {
	rl := runlock.New(e.audit.Dir(id))
	if err := rl.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err := rl.Release(); err != nil {
			e.logger.Warn("release run lock", "session", id, "error", err)
		}
	}()

	sess, _, err := e.reconcile(ctx, id)
	if err != nil {
		return nil, err
	}
	t := targetOf(sess)
	runErr := fn(t)
	latest, err := e.manager.Load(ctx, t)
	if err != nil {
		return sess, errors.Join(runErr, err)
	}
	return latest, runErr
}
