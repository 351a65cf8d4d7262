// Package reconcile repairs a session's stored projection from its audit
// log. It runs before every command and never writes to the log.
package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joescharf/hound/internal/audit"
	"github.com/joescharf/hound/internal/models"
	"github.com/joescharf/hound/internal/pipeline"
	"github.com/joescharf/hound/internal/projection"
	"github.com/joescharf/hound/internal/store"
)

// Outcome reports what a reconciliation did.
type Outcome struct {
	Session  *models.Session
	Repaired bool
}

// Reconciler recomputes stored sessions from their audit logs.
type Reconciler struct {
	pipe   *pipeline.Pipeline
	log    *audit.Log
	store  store.Store
	logger *slog.Logger
}

// New returns a Reconciler.
func New(p *pipeline.Pipeline, log *audit.Log, st store.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{pipe: p, log: log, store: st, logger: logger}
}

// Reconcile folds the session's audit log and overwrites the stored
// projection when it differs. When they already agree the store is not
// written. A session without an audit log yields projection.ErrNoSession.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string) (Outcome, error) {
	var out Outcome
	_, err := r.store.Mutate(ctx, sessionID, func(s *models.Session) error {
		events, err := r.log.ReadAll(sessionID)
		if err != nil {
			return err
		}
		folded, err := projection.Fold(r.pipe, events)
		if err != nil {
			return err
		}
		out.Session = folded
		if projection.Equal(s, folded) {
			return errUnchanged
		}
		out.Repaired = true
		*s = *folded
		return nil
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if out.Repaired {
		r.logger.Info("session store repaired from audit log", "session", sessionID)
	}
	return out, nil
}

// errUnchanged aborts Mutate without a write when the store is current.
var errUnchanged = errors.New("unchanged")

// All reconciles every session that has an audit log, returning the ids
// that needed repair.
func (r *Reconciler) All(ctx context.Context) ([]string, error) {
	ids, err := r.log.Sessions()
	if err != nil {
		return nil, err
	}
	var repaired []string
	for _, id := range ids {
		out, err := r.Reconcile(ctx, id)
		if errors.Is(err, projection.ErrNoSession) {
			continue
		}
		if err != nil {
			return repaired, err
		}
		if out.Repaired {
			repaired = append(repaired, id)
		}
	}
	return repaired, nil
}
