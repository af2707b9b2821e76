// Package store provides the local persistence contract for synced
// records and the reconciler that classifies upsert outcomes.
package store

import (
	"context"
	"errors"

	"github.com/isplane/subscriber-sync-server/internal/upstream"
)

// Result classifies what an upsert did to local storage.
type Result string

const (
	// ResultCreated means no matching entity existed and one was created
	ResultCreated Result = "created"

	// ResultUpdated means a matching entity existed and was overwritten
	ResultUpdated Result = "updated"
)

// ErrInvalidRecord is returned for records that fail validation before
// they reach storage.
var ErrInvalidRecord = errors.New("invalid record")

// Store upserts externally-sourced records into local storage.
// Upserts are idempotent on (integrationID, externalID): repeating the
// same record yields ResultUpdated, never a duplicate entity.
type Store interface {
	UpsertProfile(ctx context.Context, integrationID string, rec upstream.ProfileRecord) (Result, error)
	UpsertUser(ctx context.Context, integrationID string, rec upstream.UserRecord) (Result, error)

	// Close releases any underlying resources.
	Close()
}
