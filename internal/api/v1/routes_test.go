package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isplane/subscriber-sync-server/internal/api"
	v1 "github.com/isplane/subscriber-sync-server/internal/api/v1"
	"github.com/isplane/subscriber-sync-server/internal/store"
	"github.com/isplane/subscriber-sync-server/internal/syncer"
	"github.com/isplane/subscriber-sync-server/internal/upstream"
)

const testIntegration = "isp-1"

// stubFetcher serves a fixed dataset. When gate is non-nil the first
// profile page fetch blocks until the channel is closed.
type stubFetcher struct {
	profiles []upstream.ProfileRecord
	users    []upstream.UserRecord
	gate     chan struct{}
}

func newStubFetcher(profiles, users int) *stubFetcher {
	f := &stubFetcher{}
	for i := 0; i < profiles; i++ {
		f.profiles = append(f.profiles, upstream.ProfileRecord{
			ExternalID: fmt.Sprintf("profile-%d", i+1),
			Name:       fmt.Sprintf("Plan %d", i+1),
		})
	}
	for i := 0; i < users; i++ {
		f.users = append(f.users, upstream.UserRecord{
			ExternalID:        fmt.Sprintf("user-%d", i+1),
			Username:          fmt.Sprintf("user%d", i+1),
			ProfileExternalID: "profile-1",
			Enabled:           true,
		})
	}
	return f
}

func (*stubFetcher) Authenticate(context.Context, string) error { return nil }

func (f *stubFetcher) FetchPage(
	ctx context.Context, _ string, kind upstream.RecordKind, page, pageSize int,
) (*upstream.Page, error) {
	if f.gate != nil && kind == upstream.KindProfile && page == 1 {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result := &upstream.Page{}
	var total int
	switch kind {
	case upstream.KindProfile:
		total = len(f.profiles)
		start, end := bounds(page, pageSize, total)
		result.Profiles = f.profiles[start:end]
	case upstream.KindUser:
		total = len(f.users)
		start, end := bounds(page, pageSize, total)
		result.Users = f.users[start:end]
	}
	result.TotalRecords = total
	result.LastPage = page*pageSize >= total
	return result, nil
}

func bounds(page, pageSize, total int) (int, int) {
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}

func newTestServer(t *testing.T, fetcher upstream.Fetcher) (*httptest.Server, *syncer.Coordinator) {
	t.Helper()

	coordinator := syncer.New(fetcher, store.NewMemoryStore(), syncer.Options{
		PageSize:             10,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	})
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coordinator.Shutdown(shutdownCtx)
	})

	router := api.NewServer(coordinator, func(id string) bool {
		return id == testIntegration
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, coordinator
}

func startRun(t *testing.T, srv *httptest.Server, integrationID string) uuid.UUID {
	t.Helper()

	resp, err := http.Post(srv.URL+"/api/v1/sync/"+integrationID, "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started v1.StartRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.NotEqual(t, uuid.Nil, started.RunID)
	return started.RunID
}

func getSnapshot(t *testing.T, srv *httptest.Server, integrationID string, runID uuid.UUID) (syncer.Snapshot, int) {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/sync/%s/%s", srv.URL, integrationID, runID))
	require.NoError(t, err)
	defer resp.Body.Close()

	var snap syncer.Snapshot
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	}
	return snap, resp.StatusCode
}

func waitTerminal(t *testing.T, srv *httptest.Server, runID uuid.UUID) syncer.Snapshot {
	t.Helper()

	var snap syncer.Snapshot
	require.Eventually(t, func() bool {
		var code int
		snap, code = getSnapshot(t, srv, testIntegration, runID)
		return code == http.StatusOK && snap.Terminal
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func TestStartRun(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, newStubFetcher(25, 40))

	runID := startRun(t, srv, testIntegration)

	snap := waitTerminal(t, srv, runID)
	assert.Equal(t, syncer.StatusCompleted, snap.Status)
	assert.Equal(t, 25, snap.Profiles.ProcessedRecords)
	assert.Equal(t, 40, snap.Users.ProcessedRecords)
}

func TestStartRun_UnknownIntegration(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, newStubFetcher(0, 0))

	resp, err := http.Post(srv.URL+"/api/v1/sync/isp-nope", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRun_Conflict(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(25, 0)
	fetcher.gate = make(chan struct{})
	srv, _ := newTestServer(t, fetcher)

	first := startRun(t, srv, testIntegration)

	resp, err := http.Post(srv.URL+"/api/v1/sync/"+testIntegration, "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var conflict v1.ConflictResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conflict))
	assert.Equal(t, first, conflict.ActiveRunID)
	assert.NotEmpty(t, conflict.Error)

	close(fetcher.gate)
	waitTerminal(t, srv, first)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, newStubFetcher(5, 5))
	runID := startRun(t, srv, testIntegration)
	waitTerminal(t, srv, runID)

	snap, code := getSnapshot(t, srv, testIntegration, runID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, runID, snap.ID)
	assert.Equal(t, testIntegration, snap.IntegrationID)
	assert.True(t, snap.Terminal)
}

func TestGetRun_Errors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, newStubFetcher(5, 5))
	runID := startRun(t, srv, testIntegration)
	waitTerminal(t, srv, runID)

	t.Run("invalid run id", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/sync/" + testIntegration + "/not-a-uuid")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown run id", func(t *testing.T) {
		_, code := getSnapshot(t, srv, testIntegration, uuid.New())
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("run id of another integration", func(t *testing.T) {
		_, code := getSnapshot(t, srv, "isp-other", runID)
		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestCancelRun(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(25, 0)
	fetcher.gate = make(chan struct{})
	srv, _ := newTestServer(t, fetcher)

	runID := startRun(t, srv, testIntegration)

	cancelURL := fmt.Sprintf("%s/api/v1/sync/%s/%s/cancel", srv.URL, testIntegration, runID)
	resp, err := http.Post(cancelURL, "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	close(fetcher.gate)
	snap := waitTerminal(t, srv, runID)
	assert.Equal(t, syncer.StatusCancelled, snap.Status)

	// Cancelling a finished run stays a 204.
	resp, err = http.Post(cancelURL, "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCancelRun_UnknownRun(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, newStubFetcher(0, 0))

	resp, err := http.Post(
		fmt.Sprintf("%s/api/v1/sync/%s/%s/cancel", srv.URL, testIntegration, uuid.New()),
		"application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, newStubFetcher(5, 5))

	first := startRun(t, srv, testIntegration)
	waitTerminal(t, srv, first)
	second := startRun(t, srv, testIntegration)
	waitTerminal(t, srv, second)

	resp, err := http.Get(srv.URL + "/api/v1/sync/" + testIntegration)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list v1.RunListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Runs, 2)
	assert.Equal(t, first, list.Runs[0].ID)
	assert.Equal(t, second, list.Runs[1].ID)
}

func TestWatchRun(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(25, 15)
	fetcher.gate = make(chan struct{})
	srv, _ := newTestServer(t, fetcher)

	runID := startRun(t, srv, testIntegration)

	wsURL := strings.Replace(
		fmt.Sprintf("%s/api/v1/sync/%s/%s/watch", srv.URL, testIntegration, runID),
		"http://", "ws://", 1)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	close(fetcher.gate)

	var frames []syncer.Snapshot
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var snap syncer.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"expected a normal close, got: %v", err)
			break
		}
		frames = append(frames, snap)
	}

	require.NotEmpty(t, frames)
	for _, frame := range frames {
		assert.Equal(t, runID, frame.ID)
	}
	for i := 1; i < len(frames); i++ {
		assert.GreaterOrEqual(t, frames[i].StatusRank, frames[i-1].StatusRank)
	}

	last := frames[len(frames)-1]
	assert.True(t, last.Terminal)
	assert.Equal(t, syncer.StatusCompleted, last.Status)
	assert.Equal(t, 25, last.Profiles.ProcessedRecords)
	assert.Equal(t, 15, last.Users.ProcessedRecords)
}

func TestWatchRun_UnknownRun(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, newStubFetcher(0, 0))

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/sync/%s/%s/watch", srv.URL, testIntegration, uuid.New()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, newStubFetcher(0, 0))

	for _, path := range []string{"/health", "/readiness", "/version"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}
