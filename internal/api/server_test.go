package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"caucode/internal/scheduler"
	"caucode/internal/service"
	"caucode/internal/solvedac"
	"caucode/internal/store"
	"caucode/internal/taskq"
)

type stubAPI struct{}

func (stubAPI) UserShow(context.Context, string) (*solvedac.User, error) {
	return nil, solvedac.ErrUserNotFound
}

func testServer(t *testing.T) (http.Handler, *taskq.Queue, *scheduler.Scheduler) {
	t.Helper()

	q, err := taskq.New(taskq.Config{Workers: 2, Poll: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	q.Start()
	t.Cleanup(q.Stop)

	sched := scheduler.New(scheduler.DefaultConfig(), zerolog.Nop())

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	repo := store.NewSQLiteRepo(db)

	profiles := service.NewProfileService(repo, stubAPI{}, q, 6*time.Hour, zerolog.Nop())
	return NewServer(q, sched, profiles), q, sched
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	h, _, _ := testServer(t)

	rec := doReq(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "caucode_up 1")
}

func TestSystemStatus(t *testing.T) {
	h, _, _ := testServer(t)

	rec := doReq(t, h, http.MethodGet, "/api/admin/system/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body["system_status"])
	assert.Contains(t, body, "background_services")
}

func TestQueueStatsEndpoint(t *testing.T) {
	h, q, _ := testServer(t)

	_, err := q.Submit("noop", func(ctx context.Context) (any, error) { return nil, nil }, taskq.DefaultOptions())
	require.NoError(t, err)

	rec := doReq(t, h, http.MethodGet, "/api/admin/tasks/queue/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats taskq.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.True(t, stats.IsRunning)
	assert.Equal(t, uint64(1), stats.Total)
}

func TestTaskStatusEndpoint(t *testing.T) {
	h, q, _ := testServer(t)

	id, err := q.Submit("quick", func(ctx context.Context) (any, error) { return "done", nil }, taskq.DefaultOptions())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := q.Status(id)
		return ok && v.Status == taskq.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rec := doReq(t, h, http.MethodGet, "/api/admin/tasks/"+id+"/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var view taskq.StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, id, view.ID)
	assert.Equal(t, taskq.StatusCompleted, view.Status)

	rec = doReq(t, h, http.MethodGet, "/api/admin/tasks/tsk_missing/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTaskEndpoint(t *testing.T) {
	h, q, _ := testServer(t)

	block := make(chan struct{})
	defer close(block)
	id, err := q.Submit("stuck", func(ctx context.Context) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}, taskq.DefaultOptions())
	require.NoError(t, err)

	rec := doReq(t, h, http.MethodDelete, "/api/admin/tasks/"+id)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodDelete, "/api/admin/tasks/tsk_missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupEndpointValidation(t *testing.T) {
	h, _, _ := testServer(t)

	rec := doReq(t, h, http.MethodPost, "/api/admin/tasks/cleanup?days=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/admin/tasks/cleanup?days=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/admin/tasks/cleanup")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Zero(t, body["removed"])
}

func TestSchedulerJobEndpoints(t *testing.T) {
	h, _, sched := testServer(t)

	require.NoError(t, sched.Register(scheduler.Job{
		ID:       "demo_job",
		Name:     "Demo",
		Trigger:  scheduler.Every(time.Hour),
		Callback: func(ctx context.Context) error { return nil },
	}))

	rec := doReq(t, h, http.MethodGet, "/api/admin/scheduler/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "demo_job")

	rec = doReq(t, h, http.MethodPost, "/api/admin/scheduler/jobs/demo_job/pause")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/admin/scheduler/jobs/demo_job/resume")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/admin/scheduler/jobs/nope/pause")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfileSyncEndpoint(t *testing.T) {
	h, _, _ := testServer(t)

	rec := doReq(t, h, http.MethodPost, "/api/admin/profiles/sync")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var report service.SyncReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Zero(t, report.Candidates)
}
