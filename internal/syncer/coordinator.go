package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isplane/subscriber-sync-server/internal/store"
	"github.com/isplane/subscriber-sync-server/internal/telemetry"
	"github.com/isplane/subscriber-sync-server/internal/upstream"
)

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	// PageSize is the number of records requested per page
	PageSize int

	// MaxPageRetries is the number of retries after a failed page fetch
	MaxPageRetries int

	// RetryInitialInterval is the first backoff delay
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the backoff delay
	RetryMaxInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.MaxPageRetries <= 0 {
		o.MaxPageRetries = 3
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 500 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 10 * time.Second
	}
	return o
}

// Option configures the Coordinator
type Option func(*Coordinator)

// WithLogger sets the coordinator logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSyncMetrics sets the sync metrics recorder
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// Coordinator owns the run registry and drives each run through its
// lifecycle on a dedicated worker goroutine. It is the single writer of
// every run's mutable state; all reads go through snapshots.
type Coordinator struct {
	runner      *phaseRunner
	broadcaster *Broadcaster
	metrics     *telemetry.SyncMetrics
	logger      *slog.Logger

	// runCtx governs the workers; cancelled only on forced shutdown
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	mu            sync.Mutex
	runs          map[uuid.UUID]*SyncRun
	byIntegration map[string][]uuid.UUID
	active        map[string]uuid.UUID
	shuttingDown  bool
}

// New creates a Coordinator over the given fetcher and store.
func New(fetcher upstream.Fetcher, st store.Store, opts Options, cfgs ...Option) *Coordinator {
	opts = opts.withDefaults()
	runCtx, cancelRun := context.WithCancel(context.Background())

	c := &Coordinator{
		broadcaster:   NewBroadcaster(),
		logger:        slog.Default(),
		runCtx:        runCtx,
		cancelRun:     cancelRun,
		runs:          make(map[uuid.UUID]*SyncRun),
		byIntegration: make(map[string][]uuid.UUID),
		active:        make(map[string]uuid.UUID),
	}

	for _, cfg := range cfgs {
		cfg(c)
	}

	c.runner = &phaseRunner{
		fetcher:              fetcher,
		reconciler:           store.NewReconciler(st, c.logger),
		pageSize:             opts.PageSize,
		maxPageRetries:       opts.MaxPageRetries,
		retryInitialInterval: opts.RetryInitialInterval,
		retryMaxInterval:     opts.RetryMaxInterval,
		logger:               c.logger,
	}

	return c
}

// StartRun creates a SyncRun for the integration and schedules it for
// execution, returning the run id immediately. Only one non-terminal
// run per integration is permitted; a concurrent second request fails
// with *ConflictError and creates nothing.
func (c *Coordinator) StartRun(integrationID string) (uuid.UUID, error) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return uuid.Nil, fmt.Errorf("coordinator is shutting down")
	}
	if activeID, ok := c.active[integrationID]; ok {
		c.mu.Unlock()
		return uuid.Nil, &ConflictError{IntegrationID: integrationID, ActiveRunID: activeID}
	}

	run := newSyncRun(integrationID)
	c.runs[run.ID()] = run
	c.byIntegration[integrationID] = append(c.byIntegration[integrationID], run.ID())
	c.active[integrationID] = run.ID()
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("Scheduled sync run",
		"integration", integrationID,
		"run_id", run.ID())

	go c.execute(run)

	return run.ID(), nil
}

// Cancel requests cooperative cancellation of the run. It returns
// immediately; the run stops at its next page checkpoint. Cancelling an
// already-terminal run is a no-op.
func (c *Coordinator) Cancel(runID uuid.UUID) error {
	c.mu.Lock()
	run, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return &NotFoundError{RunID: runID}
	}

	if run.Snapshot().Terminal {
		return nil
	}

	run.RequestCancel()
	c.broadcaster.Publish(run.Snapshot())

	c.logger.Info("Cancellation requested",
		"integration", run.IntegrationID(),
		"run_id", runID)

	return nil
}

// GetProgress returns the current snapshot of the run.
func (c *Coordinator) GetProgress(runID uuid.UUID) (Snapshot, error) {
	c.mu.Lock()
	run, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return Snapshot{}, &NotFoundError{RunID: runID}
	}
	return run.Snapshot(), nil
}

// ListRuns returns snapshots of all retained runs for the integration,
// oldest first.
func (c *Coordinator) ListRuns(integrationID string) []Snapshot {
	c.mu.Lock()
	ids := make([]uuid.UUID, len(c.byIntegration[integrationID]))
	copy(ids, c.byIntegration[integrationID])
	runs := make([]*SyncRun, 0, len(ids))
	for _, id := range ids {
		if run, ok := c.runs[id]; ok {
			runs = append(runs, run)
		}
	}
	c.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(runs))
	for _, run := range runs {
		snapshots = append(snapshots, run.Snapshot())
	}
	return snapshots
}

// Subscribe attaches to the run's live snapshot stream.
func (c *Coordinator) Subscribe(runID uuid.UUID) (<-chan Snapshot, func(), error) {
	c.mu.Lock()
	_, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return nil, nil, &NotFoundError{RunID: runID}
	}
	ch, cancel := c.broadcaster.Subscribe(runID)
	return ch, cancel, nil
}

// Shutdown requests cancellation of every active run and waits for all
// workers to stop. If ctx expires first, workers are cut off via their
// context and Shutdown returns the ctx error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = true
	for _, runID := range c.active {
		if run, ok := c.runs[runID]; ok {
			run.RequestCancel()
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.cancelRun()
		<-done
		return ctx.Err()
	}
}

// execute drives one run through both phases to a terminal status.
func (c *Coordinator) execute(run *SyncRun) {
	defer c.wg.Done()

	ctx := c.runCtx
	startTime := time.Now()
	publish := func() { c.broadcaster.Publish(run.Snapshot()) }

	c.metrics.RecordRunStarted(ctx, run.IntegrationID())
	publish()

	run.setStatus(StatusAuthenticating, "Authenticating with external system")
	publish()
	if err := c.runner.fetcher.Authenticate(ctx, run.IntegrationID()); err != nil {
		c.finishRun(ctx, run, StatusFailed, fmt.Sprintf("Authentication failed: %v", err), startTime, publish)
		return
	}

	if run.CancelRequested() {
		c.finishRun(ctx, run, StatusCancelled, "", startTime, publish)
		return
	}

	run.setStatus(StatusSyncingProfiles, "Synchronizing service profiles")
	run.setPhase(PhaseProfiles)
	publish()

	result := c.runner.run(ctx, run, profilesDescriptor, publish)
	if done := c.finishIfHalted(ctx, run, result, startTime, publish); done {
		return
	}

	// The user phase starts only after every profile record is
	// resolved: user records reference profile identifiers.
	run.setStatus(StatusSyncingUsers, "Synchronizing subscribers")
	run.setPhase(PhaseUsers)
	publish()

	result = c.runner.run(ctx, run, usersDescriptor, publish)
	if done := c.finishIfHalted(ctx, run, result, startTime, publish); done {
		return
	}

	c.finishRun(ctx, run, StatusCompleted, "", startTime, publish)
}

// finishIfHalted translates a failed or cancelled phase into the run's
// terminal status. Returns true if the run is finished.
func (c *Coordinator) finishIfHalted(
	ctx context.Context, run *SyncRun, result phaseResult, startTime time.Time, publish func(),
) bool {
	switch result.outcome {
	case phaseFailed:
		c.finishRun(ctx, run, StatusFailed, fmt.Sprintf("Page fetch failed: %v", result.err), startTime, publish)
		return true
	case phaseCancelled:
		c.finishRun(ctx, run, StatusCancelled, "", startTime, publish)
		return true
	default:
		return false
	}
}

// finishRun moves the run to its terminal status, releases the
// single-active-run slot and emits the final snapshot.
func (c *Coordinator) finishRun(
	ctx context.Context, run *SyncRun, status Status, errorMessage string, startTime time.Time, publish func(),
) {
	switch status {
	case StatusCompleted:
		run.finish(StatusCompleted, "Synchronization completed successfully", "")
	case StatusCancelled:
		run.finish(StatusCancelled, "Synchronization cancelled", "")
	default:
		run.finish(StatusFailed, "Synchronization failed", errorMessage)
	}

	c.mu.Lock()
	if c.active[run.IntegrationID()] == run.ID() {
		delete(c.active, run.IntegrationID())
	}
	c.mu.Unlock()

	snap := run.Snapshot()
	c.metrics.RecordRunFinished(ctx, run.IntegrationID(), string(status), time.Since(startTime))
	c.metrics.RecordRecords(ctx, run.IntegrationID(), string(PhaseProfiles),
		int64(snap.Profiles.NewRecords), int64(snap.Profiles.UpdatedRecords), int64(snap.Profiles.FailedRecords))
	c.metrics.RecordRecords(ctx, run.IntegrationID(), string(PhaseUsers),
		int64(snap.Users.NewRecords), int64(snap.Users.UpdatedRecords), int64(snap.Users.FailedRecords))

	c.logger.Info("Sync run finished",
		"integration", run.IntegrationID(),
		"run_id", run.ID(),
		"status", status,
		"profiles_processed", snap.Profiles.ProcessedRecords,
		"users_processed", snap.Users.ProcessedRecords,
		"error", errorMessage)

	publish()
}
