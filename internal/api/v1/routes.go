// Package v1 provides the sync API v1 endpoints: starting, observing,
// watching and cancelling synchronization runs.
package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/isplane/subscriber-sync-server/internal/api/common"
	"github.com/isplane/subscriber-sync-server/internal/syncer"
)

// writeWait bounds how long a websocket frame write may block.
const writeWait = 10 * time.Second

// StartRunResponse is returned when a sync run was accepted.
type StartRunResponse struct {
	RunID uuid.UUID `json:"runId"`
}

// ConflictResponse is returned when another run is already active for
// the integration.
type ConflictResponse struct {
	Error       string    `json:"error"`
	ActiveRunID uuid.UUID `json:"activeRunId"`
}

// RunListResponse carries all retained runs of one integration.
type RunListResponse struct {
	Runs []syncer.Snapshot `json:"runs"`
}

// Routes handles HTTP requests for the sync API v1 endpoints.
type Routes struct {
	coordinator      *syncer.Coordinator
	knownIntegration func(string) bool
	upgrader         websocket.Upgrader
}

// NewRoutes creates a new Routes instance over the coordinator.
func NewRoutes(coordinator *syncer.Coordinator, knownIntegration func(string) bool) *Routes {
	return &Routes{
		coordinator:      coordinator,
		knownIntegration: knownIntegration,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API carries no browser credentials; cross-origin
			// dashboard clients are expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router creates and configures the HTTP router for the sync API v1
// endpoints.
func Router(coordinator *syncer.Coordinator, knownIntegration func(string) bool) http.Handler {
	routes := NewRoutes(coordinator, knownIntegration)

	r := chi.NewRouter()

	r.Route("/{integrationId}", func(r chi.Router) {
		r.Post("/", routes.startRun)
		r.Get("/", routes.listRuns)
		r.Route("/{runId}", func(r chi.Router) {
			r.Get("/", routes.getRun)
			r.Post("/cancel", routes.cancelRun)
			r.Get("/watch", routes.watchRun)
		})
	})

	return r
}

// startRun handles POST /api/v1/sync/{integrationId}
func (routes *Routes) startRun(w http.ResponseWriter, r *http.Request) {
	integrationID := chi.URLParam(r, "integrationId")
	if !routes.knownIntegration(integrationID) {
		common.WriteErrorResponse(w, "Unknown integration: "+integrationID, http.StatusNotFound)
		return
	}

	runID, err := routes.coordinator.StartRun(integrationID)
	if err != nil {
		var conflict *syncer.ConflictError
		if errors.As(err, &conflict) {
			common.WriteJSONResponse(w, ConflictResponse{
				Error:       err.Error(),
				ActiveRunID: conflict.ActiveRunID,
			}, http.StatusConflict)
			return
		}
		common.WriteErrorResponse(w, "Failed to start sync run: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	common.WriteJSONResponse(w, StartRunResponse{RunID: runID}, http.StatusAccepted)
}

// listRuns handles GET /api/v1/sync/{integrationId}
func (routes *Routes) listRuns(w http.ResponseWriter, r *http.Request) {
	integrationID := chi.URLParam(r, "integrationId")
	if !routes.knownIntegration(integrationID) {
		common.WriteErrorResponse(w, "Unknown integration: "+integrationID, http.StatusNotFound)
		return
	}

	runs := routes.coordinator.ListRuns(integrationID)
	if runs == nil {
		runs = []syncer.Snapshot{}
	}

	common.WriteJSONResponse(w, RunListResponse{Runs: runs}, http.StatusOK)
}

// getRun handles GET /api/v1/sync/{integrationId}/{runId}
func (routes *Routes) getRun(w http.ResponseWriter, r *http.Request) {
	snap, ok := routes.resolveRun(w, r)
	if !ok {
		return
	}

	common.WriteJSONResponse(w, snap, http.StatusOK)
}

// cancelRun handles POST /api/v1/sync/{integrationId}/{runId}/cancel
func (routes *Routes) cancelRun(w http.ResponseWriter, r *http.Request) {
	snap, ok := routes.resolveRun(w, r)
	if !ok {
		return
	}

	// Cancelling a terminal run is a no-op; 204 either way.
	if err := routes.coordinator.Cancel(snap.ID); err != nil {
		common.WriteErrorResponse(w, "Unknown sync run: "+snap.ID.String(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// watchRun handles GET /api/v1/sync/{integrationId}/{runId}/watch. It
// upgrades to a websocket and pushes snapshot frames: the current
// snapshot first, then every broadcast update until the terminal
// snapshot, then a normal close.
func (routes *Routes) watchRun(w http.ResponseWriter, r *http.Request) {
	snap, ok := routes.resolveRun(w, r)
	if !ok {
		return
	}

	ch, unsubscribe, err := routes.coordinator.Subscribe(snap.ID)
	if err != nil {
		common.WriteErrorResponse(w, "Unknown sync run: "+snap.ID.String(), http.StatusNotFound)
		return
	}
	defer unsubscribe()

	conn, err := routes.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}
	defer conn.Close()

	// Reader loop; its only job is to notice the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !writeSnapshot(conn, snap) {
		return
	}

	for {
		select {
		case update, open := <-ch:
			if !open {
				deadline := time.Now().Add(writeWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "sync finished"), deadline)
				return
			}
			if !writeSnapshot(conn, update) {
				return
			}
		case <-clientGone:
			return
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap syncer.Snapshot) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(snap) == nil
}

// resolveRun parses the run id, looks the run up and verifies it
// belongs to the integration in the URL. Writes the error response and
// returns ok=false on any mismatch.
func (routes *Routes) resolveRun(w http.ResponseWriter, r *http.Request) (syncer.Snapshot, bool) {
	integrationID := chi.URLParam(r, "integrationId")

	runID, err := uuid.Parse(chi.URLParam(r, "runId"))
	if err != nil {
		common.WriteErrorResponse(w, "Invalid run id", http.StatusBadRequest)
		return syncer.Snapshot{}, false
	}

	snap, err := routes.coordinator.GetProgress(runID)
	if err != nil {
		common.WriteErrorResponse(w, "Unknown sync run: "+runID.String(), http.StatusNotFound)
		return syncer.Snapshot{}, false
	}

	if snap.IntegrationID != integrationID {
		// Run ids are not guessable across integrations.
		common.WriteErrorResponse(w, "Unknown sync run: "+runID.String(), http.StatusNotFound)
		return syncer.Snapshot{}, false
	}

	return snap, true
}
