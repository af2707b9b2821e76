package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/isplane/subscriber-sync-server/internal/upstream"
)

// OutcomeKind classifies the result of reconciling one record.
type OutcomeKind string

const (
	// OutcomeNew means a new local entity was created
	OutcomeNew OutcomeKind = "new"

	// OutcomeUpdated means an existing local entity was overwritten
	OutcomeUpdated OutcomeKind = "updated"

	// OutcomeFailed means the record failed validation or storage
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome is the classified result of reconciling one record.
// Reason is set only for failed outcomes.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Reconciler upserts single fetched records against local storage and
// classifies the outcome. Validation and storage errors are absorbed
// into a failed Outcome so one bad record cannot abort a phase.
type Reconciler struct {
	store  Store
	logger *slog.Logger
}

// NewReconciler creates a Reconciler over the given store.
func NewReconciler(store Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		logger: logger,
	}
}

// ReconcileProfile upserts one service profile.
func (r *Reconciler) ReconcileProfile(ctx context.Context, integrationID string, rec upstream.ProfileRecord) Outcome {
	if rec.ExternalID == "" {
		return r.failed(integrationID, rec.ExternalID, fmt.Errorf("%w: profile has no external id", ErrInvalidRecord))
	}
	if rec.Name == "" {
		return r.failed(integrationID, rec.ExternalID, fmt.Errorf("%w: profile %s has no name", ErrInvalidRecord, rec.ExternalID))
	}

	result, err := r.store.UpsertProfile(ctx, integrationID, rec)
	if err != nil {
		return r.failed(integrationID, rec.ExternalID, err)
	}
	return outcomeFromResult(result)
}

// ReconcileUser upserts one subscriber.
func (r *Reconciler) ReconcileUser(ctx context.Context, integrationID string, rec upstream.UserRecord) Outcome {
	if rec.ExternalID == "" {
		return r.failed(integrationID, rec.ExternalID, fmt.Errorf("%w: user has no external id", ErrInvalidRecord))
	}
	if rec.Username == "" {
		return r.failed(integrationID, rec.ExternalID, fmt.Errorf("%w: user %s has no username", ErrInvalidRecord, rec.ExternalID))
	}

	result, err := r.store.UpsertUser(ctx, integrationID, rec)
	if err != nil {
		return r.failed(integrationID, rec.ExternalID, err)
	}
	return outcomeFromResult(result)
}

func (r *Reconciler) failed(integrationID, externalID string, err error) Outcome {
	r.logger.Warn("Record reconciliation failed",
		"integration", integrationID,
		"external_id", externalID,
		"error", err)
	return Outcome{Kind: OutcomeFailed, Reason: err.Error()}
}

func outcomeFromResult(result Result) Outcome {
	if result == ResultCreated {
		return Outcome{Kind: OutcomeNew}
	}
	return Outcome{Kind: OutcomeUpdated}
}
