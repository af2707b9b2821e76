// Package syncer implements the integration synchronization engine: a
// two-phase (profiles, then users) pull from the external
// subscriber-management system with per-record reconciliation, live
// progress broadcasting and cooperative cancellation.
package syncer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/isplane/subscriber-sync-server/internal/store"
	"github.com/isplane/subscriber-sync-server/internal/upstream"
)

// Status represents the observable state of a sync run.
type Status string

const (
	// StatusStarting means the run was created and is waiting to execute
	StatusStarting Status = "Starting"

	// StatusAuthenticating means the engine is establishing a session
	// with the external system
	StatusAuthenticating Status = "Authenticating"

	// StatusSyncingProfiles marks the start of the profile phase
	StatusSyncingProfiles Status = "SyncingProfiles"

	// StatusFetchingProfilePage means a profile page fetch is in flight
	StatusFetchingProfilePage Status = "FetchingProfilePage"

	// StatusProcessingProfiles means profile records are being reconciled
	StatusProcessingProfiles Status = "ProcessingProfiles"

	// StatusSyncingUsers marks the start of the user phase
	StatusSyncingUsers Status = "SyncingUsers"

	// StatusFetchingUserPage means a user page fetch is in flight
	StatusFetchingUserPage Status = "FetchingUserPage"

	// StatusProcessingUsers means user records are being reconciled
	StatusProcessingUsers Status = "ProcessingUsers"

	// StatusCompleted means both phases finished successfully
	StatusCompleted Status = "Completed"

	// StatusFailed means the run was aborted by an unrecoverable error
	StatusFailed Status = "Failed"

	// StatusCancelled means the run was stopped by a cancel request
	StatusCancelled Status = "Cancelled"
)

// statusRanks orders statuses for UI sequencing. The fetch/process pair
// of a phase shares a rank: every page after the first revisits the
// fetching status, and observed ranks must never decrease within a run.
// Terminal statuses all share the final rank; use IsTerminal to test
// for completion rather than comparing ranks.
var statusRanks = map[Status]int{
	StatusStarting:            0,
	StatusAuthenticating:      1,
	StatusSyncingProfiles:     2,
	StatusFetchingProfilePage: 3,
	StatusProcessingProfiles:  3,
	StatusSyncingUsers:        4,
	StatusFetchingUserPage:    5,
	StatusProcessingUsers:     5,
	StatusCompleted:           6,
	StatusFailed:              6,
	StatusCancelled:           6,
}

// Rank returns the status position in the forward progression, for
// display ordering only.
func (s Status) Rank() int {
	return statusRanks[s]
}

// IsTerminal reports whether the status is final. A run never leaves a
// terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase identifies which stage of the run is (or was) in progress.
type Phase string

const (
	// PhaseProfiles is the service-profile stage
	PhaseProfiles Phase = "Profiles"

	// PhaseUsers is the subscriber stage
	PhaseUsers Phase = "Users"

	// PhaseCompleted means both stages are done
	PhaseCompleted Phase = "Completed"
)

// PhaseProgress carries the per-phase counters. All counters are
// monotonically non-decreasing within a run, and
// ProcessedRecords == NewRecords + UpdatedRecords + FailedRecords at
// every observable point.
type PhaseProgress struct {
	TotalRecords     int `json:"totalRecords"`
	TotalPages       int `json:"totalPages"`
	CurrentPage      int `json:"currentPage"`
	ProcessedRecords int `json:"processedRecords"`
	NewRecords       int `json:"newRecords"`
	UpdatedRecords   int `json:"updatedRecords"`
	FailedRecords    int `json:"failedRecords"`
}

// RecordFailure describes one record that failed reconciliation.
type RecordFailure struct {
	Kind       upstream.RecordKind `json:"kind"`
	ExternalID string              `json:"externalId"`
	Reason     string              `json:"reason"`
}

// maxRetainedFailures bounds the per-run failure list kept for
// diagnosis; the FailedRecords counters keep the full count.
const maxRetainedFailures = 50

// SyncRun is one synchronization attempt for an integration. Its
// mutable state is owned exclusively by the coordinator worker driving
// it; every other reader gets a Snapshot.
type SyncRun struct {
	id            uuid.UUID
	integrationID string
	startedAt     time.Time

	cancelRequested atomic.Bool

	mu             sync.Mutex
	status         Status
	phase          Phase
	currentMessage string
	errorMessage   string
	completedAt    *time.Time
	profiles       PhaseProgress
	users          PhaseProgress
	failures       []RecordFailure
}

func newSyncRun(integrationID string) *SyncRun {
	return &SyncRun{
		id:             uuid.New(),
		integrationID:  integrationID,
		startedAt:      time.Now().UTC(),
		status:         StatusStarting,
		phase:          PhaseProfiles,
		currentMessage: "Synchronization scheduled",
	}
}

// ID returns the run identifier.
func (r *SyncRun) ID() uuid.UUID {
	return r.id
}

// IntegrationID returns the integration this run targets.
func (r *SyncRun) IntegrationID() string {
	return r.integrationID
}

// RequestCancel sets the cancel flag. The flag is observed at the next
// page checkpoint; it is never cleared.
func (r *SyncRun) RequestCancel() {
	r.cancelRequested.Store(true)
	r.mu.Lock()
	if !r.status.IsTerminal() {
		r.currentMessage = "Cancellation requested"
	}
	r.mu.Unlock()
}

// CancelRequested reports whether cancellation was requested.
func (r *SyncRun) CancelRequested() bool {
	return r.cancelRequested.Load()
}

func (r *SyncRun) setStatus(status Status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.currentMessage = message
}

func (r *SyncRun) setPhase(phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = phase
}

// finish moves the run into a terminal status and stamps completedAt.
// It is a no-op when the run is already terminal.
func (r *SyncRun) finish(status Status, message, errorMessage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return
	}
	r.status = status
	r.currentMessage = message
	r.errorMessage = errorMessage
	if status == StatusCompleted {
		r.phase = PhaseCompleted
	}
	now := time.Now().UTC()
	r.completedAt = &now
}

func (r *SyncRun) progressFor(phase Phase) *PhaseProgress {
	if phase == PhaseUsers {
		return &r.users
	}
	return &r.profiles
}

func (r *SyncRun) beginPage(phase Phase, page int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progressFor(phase).CurrentPage = page
}

func (r *SyncRun) setTotals(phase Phase, totalRecords, totalPages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pp := r.progressFor(phase)
	pp.TotalRecords = totalRecords
	pp.TotalPages = totalPages
}

func (r *SyncRun) recordOutcome(phase Phase, kind upstream.RecordKind, externalID string, outcome store.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pp := r.progressFor(phase)
	pp.ProcessedRecords++
	switch outcome.Kind {
	case store.OutcomeNew:
		pp.NewRecords++
	case store.OutcomeUpdated:
		pp.UpdatedRecords++
	case store.OutcomeFailed:
		pp.FailedRecords++
		if len(r.failures) < maxRetainedFailures {
			r.failures = append(r.failures, RecordFailure{
				Kind:       kind,
				ExternalID: externalID,
				Reason:     outcome.Reason,
			})
		}
	}
}

// progress returns a copy of the phase counters.
func (r *SyncRun) progress(phase Phase) PhaseProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.progressFor(phase)
}

// Snapshot returns an immutable copy of the run's observable state.
func (r *SyncRun) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failures []RecordFailure
	if len(r.failures) > 0 {
		failures = make([]RecordFailure, len(r.failures))
		copy(failures, r.failures)
	}

	return Snapshot{
		ID:              r.id,
		IntegrationID:   r.integrationID,
		Status:          r.status,
		StatusRank:      r.status.Rank(),
		Terminal:        r.status.IsTerminal(),
		CurrentPhase:    r.phase,
		CurrentMessage:  r.currentMessage,
		ErrorMessage:    r.errorMessage,
		CancelRequested: r.cancelRequested.Load(),
		StartedAt:       r.startedAt,
		CompletedAt:     r.completedAt,
		Profiles:        r.profiles,
		Users:           r.users,
		RecentFailures:  failures,
	}
}

// Snapshot is a read-only copy of a SyncRun's observable state, safe to
// hand to any number of concurrent readers.
type Snapshot struct {
	ID              uuid.UUID       `json:"id"`
	IntegrationID   string          `json:"integrationId"`
	Status          Status          `json:"status"`
	StatusRank      int             `json:"statusRank"`
	Terminal        bool            `json:"terminal"`
	CurrentPhase    Phase           `json:"currentPhase"`
	CurrentMessage  string          `json:"currentMessage,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	CancelRequested bool            `json:"cancelRequested"`
	StartedAt       time.Time       `json:"startedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	Profiles        PhaseProgress   `json:"profiles"`
	Users           PhaseProgress   `json:"users"`
	RecentFailures  []RecordFailure `json:"recentFailures,omitempty"`
}
