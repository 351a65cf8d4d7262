// Package checkpoint schedules agents and runs each attempt under the
// checkpoint protocol: record the start, snapshot the working tree, invoke,
// validate, then commit or roll back.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joescharf/hound/internal/audit"
	"github.com/joescharf/hound/internal/failure"
	"github.com/joescharf/hound/internal/invoke"
	"github.com/joescharf/hound/internal/models"
	"github.com/joescharf/hound/internal/pipeline"
	"github.com/joescharf/hound/internal/projection"
	"github.com/joescharf/hound/internal/retry"
	"github.com/joescharf/hound/internal/store"
	"github.com/joescharf/hound/internal/validate"
	"github.com/joescharf/hound/internal/vcs"
)

// DefaultAttemptTimeout bounds a single external agent call.
const DefaultAttemptTimeout = 30 * time.Minute

// Target identifies the session an operation acts on. It is passed
// explicitly to every operation; the Manager holds no per-run state.
type Target struct {
	SessionID string
	TargetURL string
	RepoPath  string
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Store      store.Store
	Audit      *audit.Log
	VCS        vcs.Backend
	Invoker    invoke.Invoker
	Validators *validate.Registry
	Policy     *retry.Policy
	Logger     *slog.Logger

	// AttemptTimeout bounds each invocation; zero means DefaultAttemptTimeout.
	AttemptTimeout time.Duration
	// Stagger overrides the pipeline's batch stagger when positive.
	Stagger time.Duration
}

// Manager runs agents for any number of sessions.
type Manager struct {
	pipe       *pipeline.Pipeline
	store      store.Store
	audit      *audit.Log
	vcs        vcs.Backend
	invoker    invoke.Invoker
	validators *validate.Registry
	policy     *retry.Policy
	logger     *slog.Logger
	timeout    time.Duration
	stagger    time.Duration

	mu        sync.Mutex
	integrate map[string]*sync.Mutex
	inflight  map[string]bool // session/agent pairs with an attempt in this process
}

// New returns a Manager. Every dependency except Logger and Policy is
// required.
func New(d Deps) (*Manager, error) {
	switch {
	case d.Pipeline == nil:
		return nil, fmt.Errorf("checkpoint manager: pipeline is required")
	case d.Store == nil:
		return nil, fmt.Errorf("checkpoint manager: store is required")
	case d.Audit == nil:
		return nil, fmt.Errorf("checkpoint manager: audit log is required")
	case d.VCS == nil:
		return nil, fmt.Errorf("checkpoint manager: version control is required")
	case d.Invoker == nil:
		return nil, fmt.Errorf("checkpoint manager: invoker is required")
	case d.Validators == nil:
		return nil, fmt.Errorf("checkpoint manager: validators are required")
	}
	for _, def := range d.Pipeline.Agents() {
		if _, err := d.Validators.For(def.Name); err != nil {
			return nil, fmt.Errorf("checkpoint manager: %w", err)
		}
	}

	m := &Manager{
		pipe:       d.Pipeline,
		store:      d.Store,
		audit:      d.Audit,
		vcs:        d.VCS,
		invoker:    d.Invoker,
		validators: d.Validators,
		policy:     d.Policy,
		logger:     d.Logger,
		timeout:    d.AttemptTimeout,
		stagger:    d.Pipeline.Stagger,
		integrate:  make(map[string]*sync.Mutex),
		inflight:   make(map[string]bool),
	}
	if m.policy == nil {
		m.policy = retry.NewPolicy(retry.DefaultMaxAttempts, retry.DefaultBaseDelay, retry.DefaultMaxDelay)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.timeout <= 0 {
		m.timeout = DefaultAttemptTimeout
	}
	if d.Stagger > 0 {
		m.stagger = d.Stagger
	}
	return m, nil
}

// Pipeline returns the pipeline the manager schedules.
func (m *Manager) Pipeline() *pipeline.Pipeline { return m.pipe }

// record appends ev to the audit log and refreshes the stored projection in
// one critical section. The log append is the durability boundary: if it
// fails the store is left untouched and the error is KindAudit.
func (m *Manager) record(ctx context.Context, t Target, ev models.AuditEvent) (*models.Session, error) {
	ev.SessionID = t.SessionID
	return m.store.Mutate(ctx, t.SessionID, func(s *models.Session) error {
		if err := m.audit.Append(&ev); err != nil {
			return err
		}
		events, err := m.audit.ReadAll(t.SessionID)
		if err != nil {
			return err
		}
		folded, err := projection.Fold(m.pipe, events)
		if err != nil {
			return err
		}
		*s = *folded
		return nil
	})
}

// Load returns the stored session.
func (m *Manager) Load(ctx context.Context, t Target) (*models.Session, error) {
	return m.store.Load(ctx, t.SessionID)
}

func (m *Manager) integrationLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.integrate[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.integrate[sessionID] = l
	}
	return l
}

func (m *Manager) setInflight(t Target, agent string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.inflight[t.SessionID+"/"+agent] = true
	} else {
		delete(m.inflight, t.SessionID+"/"+agent)
	}
}

func (m *Manager) isInflight(t Target, agent string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[t.SessionID+"/"+agent]
}

// Create appends session_created for a new session. It is an error if the
// session already has an audit log.
func (m *Manager) Create(ctx context.Context, t Target) (*models.Session, error) {
	if m.audit.Exists(t.SessionID) {
		return nil, fmt.Errorf("session %s already exists", t.SessionID)
	}
	if err := m.vcs.Prepare(ctx, t.RepoPath); err != nil {
		return nil, failure.Wrap(err, failure.KindCheckpoint)
	}
	s, err := m.record(ctx, t, models.AuditEvent{
		Kind: models.EventSessionCreated,
		Payload: models.EventPayload{
			TargetURL: t.TargetURL,
			RepoPath:  t.RepoPath,
			ConfigRef: m.pipe.Ref,
		},
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session", t.SessionID, "target", t.TargetURL, "repo", t.RepoPath, "pipeline", m.pipe.Ref)
	return s, nil
}
