package syncer

import (
	"fmt"

	"github.com/google/uuid"
)

// ConflictError is returned by StartRun when the integration already
// has a non-terminal run. No new SyncRun is created.
type ConflictError struct {
	IntegrationID string
	ActiveRunID   uuid.UUID
}

// Error returns the error message
func (e *ConflictError) Error() string {
	return fmt.Sprintf("integration %s already has an active sync run %s", e.IntegrationID, e.ActiveRunID)
}

// NotFoundError is returned for queries about an unknown run id.
type NotFoundError struct {
	RunID uuid.UUID
}

// Error returns the error message
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sync run %s not found", e.RunID)
}
