package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isplane/subscriber-sync-server/internal/store"
	"github.com/isplane/subscriber-sync-server/internal/upstream"
)

// failingStore fails every upsert; used to verify error absorption.
type failingStore struct{}

func (*failingStore) UpsertProfile(context.Context, string, upstream.ProfileRecord) (store.Result, error) {
	return "", errors.New("disk on fire")
}

func (*failingStore) UpsertUser(context.Context, string, upstream.UserRecord) (store.Result, error) {
	return "", errors.New("disk on fire")
}

func (*failingStore) Close() {}

func TestReconciler_ProfileOutcomes(t *testing.T) {
	t.Parallel()

	ms := store.NewMemoryStore()
	rec := store.NewReconciler(ms, nil)
	ctx := context.Background()

	profile := upstream.ProfileRecord{ExternalID: "p-1", Name: "Basic 10M", DownloadKbps: 10240}

	first := rec.ReconcileProfile(ctx, "acme", profile)
	assert.Equal(t, store.OutcomeNew, first.Kind)

	// Same external id again is an update, never a duplicate.
	profile.Name = "Basic 10M (renamed)"
	second := rec.ReconcileProfile(ctx, "acme", profile)
	assert.Equal(t, store.OutcomeUpdated, second.Kind)
	assert.Equal(t, 1, store.ProfileCount(ms))

	// Same external id under another integration is a separate entity.
	third := rec.ReconcileProfile(ctx, "other", profile)
	assert.Equal(t, store.OutcomeNew, third.Kind)
	assert.Equal(t, 2, store.ProfileCount(ms))
}

func TestReconciler_UserOutcomes(t *testing.T) {
	t.Parallel()

	ms := store.NewMemoryStore()
	rec := store.NewReconciler(ms, nil)
	ctx := context.Background()

	user := upstream.UserRecord{ExternalID: "u-1", Username: "jdoe", ProfileExternalID: "p-1", Enabled: true}

	assert.Equal(t, store.OutcomeNew, rec.ReconcileUser(ctx, "acme", user).Kind)
	assert.Equal(t, store.OutcomeUpdated, rec.ReconcileUser(ctx, "acme", user).Kind)
	assert.Equal(t, 1, store.UserCount(ms))
}

func TestReconciler_ValidationFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		reconcile func(r *store.Reconciler) store.Outcome
	}{
		{
			name: "profile without external id",
			reconcile: func(r *store.Reconciler) store.Outcome {
				return r.ReconcileProfile(context.Background(), "acme", upstream.ProfileRecord{Name: "x"})
			},
		},
		{
			name: "profile without name",
			reconcile: func(r *store.Reconciler) store.Outcome {
				return r.ReconcileProfile(context.Background(), "acme", upstream.ProfileRecord{ExternalID: "p-1"})
			},
		},
		{
			name: "user without external id",
			reconcile: func(r *store.Reconciler) store.Outcome {
				return r.ReconcileUser(context.Background(), "acme", upstream.UserRecord{Username: "jdoe"})
			},
		},
		{
			name: "user without username",
			reconcile: func(r *store.Reconciler) store.Outcome {
				return r.ReconcileUser(context.Background(), "acme", upstream.UserRecord{ExternalID: "u-1"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ms := store.NewMemoryStore()
			rec := store.NewReconciler(ms, nil)

			outcome := tt.reconcile(rec)

			assert.Equal(t, store.OutcomeFailed, outcome.Kind)
			assert.NotEmpty(t, outcome.Reason)
			assert.Equal(t, 0, store.ProfileCount(ms))
			assert.Equal(t, 0, store.UserCount(ms))
		})
	}
}

func TestReconciler_StorageFailureIsAbsorbed(t *testing.T) {
	t.Parallel()

	rec := store.NewReconciler(&failingStore{}, nil)

	outcome := rec.ReconcileProfile(context.Background(), "acme",
		upstream.ProfileRecord{ExternalID: "p-1", Name: "Basic"})

	require.Equal(t, store.OutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Reason, "disk on fire")
}
