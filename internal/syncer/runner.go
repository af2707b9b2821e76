package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/isplane/subscriber-sync-server/internal/store"
	"github.com/isplane/subscriber-sync-server/internal/upstream"
)

// phaseOutcome is the terminal result of driving one phase.
type phaseOutcome int

const (
	phaseCompleted phaseOutcome = iota
	phaseFailed
	phaseCancelled
)

type phaseResult struct {
	outcome phaseOutcome
	err     error
}

// phaseDescriptor binds a phase to its record kind and the statuses
// emitted while it runs.
type phaseDescriptor struct {
	phase      Phase
	kind       upstream.RecordKind
	fetching   Status
	processing Status
}

var (
	profilesDescriptor = phaseDescriptor{
		phase:      PhaseProfiles,
		kind:       upstream.KindProfile,
		fetching:   StatusFetchingProfilePage,
		processing: StatusProcessingProfiles,
	}

	usersDescriptor = phaseDescriptor{
		phase:      PhaseUsers,
		kind:       upstream.KindUser,
		fetching:   StatusFetchingUserPage,
		processing: StatusProcessingUsers,
	}
)

// phaseRunner drives one phase of a run to completion: sequential
// 1-based pages, per-record reconciliation, retry on transient fetch
// failures and cooperative cancellation at page boundaries.
type phaseRunner struct {
	fetcher    upstream.Fetcher
	reconciler *store.Reconciler

	pageSize             int
	maxPageRetries       int
	retryInitialInterval time.Duration
	retryMaxInterval     time.Duration

	logger *slog.Logger
}

// run executes the phase. publish is called after every observable
// mutation of the run; the broadcaster coalesces under load.
//
// Already-processed counters are never rolled back: cancellation and
// failure are stop points, not undo.
func (r *phaseRunner) run(ctx context.Context, run *SyncRun, desc phaseDescriptor, publish func()) phaseResult {
	page := 1

	for {
		// Cancellation checkpoint before fetching the next page.
		if run.CancelRequested() {
			return phaseResult{outcome: phaseCancelled}
		}

		run.setStatus(desc.fetching, fmt.Sprintf("Fetching %s page %d", desc.kind, page))
		run.beginPage(desc.phase, page)
		publish()

		fetched, err := r.fetchPage(ctx, run.IntegrationID(), desc.kind, page)
		if err != nil {
			r.logger.Error("Page fetch failed, aborting phase",
				"integration", run.IntegrationID(),
				"phase", desc.phase,
				"page", page,
				"error", err)
			return phaseResult{outcome: phaseFailed, err: err}
		}

		if page == 1 {
			totalPages := (fetched.TotalRecords + r.pageSize - 1) / r.pageSize
			run.setTotals(desc.phase, fetched.TotalRecords, totalPages)
			if fetched.TotalRecords == 0 {
				publish()
				return phaseResult{outcome: phaseCompleted}
			}
		}

		run.setStatus(desc.processing, fmt.Sprintf("Processing %s page %d", desc.kind, page))
		publish()

		r.processPage(ctx, run, desc, fetched, publish)

		// Cancellation checkpoint after the page has been processed.
		// An in-flight fetch is never aborted; its records were just
		// committed above.
		if run.CancelRequested() {
			return phaseResult{outcome: phaseCancelled}
		}

		progress := run.progress(desc.phase)
		if fetched.LastPage || progress.ProcessedRecords >= progress.TotalRecords {
			return phaseResult{outcome: phaseCompleted}
		}

		page++
	}
}

// processPage reconciles every record of the page, classifying each
// outcome into the phase counters. Record failures never abort the
// page.
func (r *phaseRunner) processPage(
	ctx context.Context, run *SyncRun, desc phaseDescriptor, page *upstream.Page, publish func(),
) {
	integrationID := run.IntegrationID()

	switch desc.kind {
	case upstream.KindProfile:
		for _, rec := range page.Profiles {
			outcome := r.reconciler.ReconcileProfile(ctx, integrationID, rec)
			run.recordOutcome(desc.phase, desc.kind, rec.ExternalID, outcome)
			publish()
		}
	case upstream.KindUser:
		for _, rec := range page.Users {
			outcome := r.reconciler.ReconcileUser(ctx, integrationID, rec)
			run.recordOutcome(desc.phase, desc.kind, rec.ExternalID, outcome)
			publish()
		}
	}
}

// fetchPage retrieves one page with bounded exponential backoff.
// Transport errors and retryable upstream errors are retried up to the
// configured budget; deterministic upstream rejections fail fast.
func (r *phaseRunner) fetchPage(
	ctx context.Context, integrationID string, kind upstream.RecordKind, page int,
) (*upstream.Page, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retryInitialInterval
	policy.MaxInterval = r.retryMaxInterval

	attempts := uint(r.maxPageRetries) + 1

	return backoff.Retry(ctx, func() (*upstream.Page, error) {
		fetched, err := r.fetcher.FetchPage(ctx, integrationID, kind, page, r.pageSize)
		if err != nil {
			// Transport errors are always transient; upstream errors
			// are retried only for server-side response classes.
			var te *upstream.TransportError
			var ue *upstream.UpstreamError
			if !errors.As(err, &te) && errors.As(err, &ue) && !ue.Retryable() {
				return nil, backoff.Permanent(err)
			}
			r.logger.Warn("Page fetch attempt failed, will retry",
				"integration", integrationID,
				"kind", kind,
				"page", page,
				"error", err)
			return nil, err
		}
		return fetched, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(attempts))
}
