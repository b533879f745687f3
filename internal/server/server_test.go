package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curbgrid/curbgrid/internal/controller"
	"github.com/curbgrid/curbgrid/internal/metrics"
	"github.com/curbgrid/curbgrid/internal/registry"
	"github.com/curbgrid/curbgrid/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	promReg := prometheus.NewRegistry()
	reg := registry.NewRegistry()
	ctrl := controller.New(
		controller.Config{SnapshotPath: filepath.Join(t.TempDir(), "snapshot.json")},
		reg, nil, metrics.NewCollector(promReg))
	require.NoError(t, ctrl.Start())
	return New(ctrl, promReg)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func submitJob(t *testing.T, srv *Server, token string, redundancy int) types.Request {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/requests/job", map[string]any{
		"owner_id":       "alice",
		"display_token":  token,
		"duration_hours": 2,
		"redundancy":     redundancy,
		"deadline":       time.Now().Add(24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var req types.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	return req
}

func submitVehicle(t *testing.T, srv *Server, plate string) types.Request {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/requests/vehicle", map[string]any{
		"owner_id":     "bob",
		"plate":        plate,
		"state_code":   "CA",
		"make":         "Ford",
		"model":        "F-150 Lightning",
		"year":         2023,
		"departure_at": time.Now().Add(8 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var req types.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	return req
}

func approve(t *testing.T, srv *Server, id types.RequestID) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/requests/"+string(id)+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "curbgrid_queue_pending")
}

func TestSubmitJobRequest(t *testing.T) {
	srv := newTestServer(t)

	req := submitJob(t, srv, "fold", 2)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, types.RequestPending, req.Status)
	require.NotNil(t, req.Job)
	assert.Equal(t, 2, req.Job.Redundancy)
}

func TestSubmitJobRequestInvalid(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/requests/job", map[string]any{
		"owner_id": "alice",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobMalformedBody(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/requests/job",
		bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingAndApproveFlow(t *testing.T) {
	srv := newTestServer(t)

	vehicleReq := submitVehicle(t, srv, "NEW111")
	jobReq := submitJob(t, srv, "render", 1)

	rec := doJSON(t, srv, http.MethodGet, "/api/requests/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []types.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Len(t, pending, 2)

	approve(t, srv, vehicleReq.ID)
	approve(t, srv, jobReq.ID)

	// The job is now running on the approved vehicle.
	rec = doJSON(t, srv, http.MethodGet, "/api/jobs/"+string(jobReq.Job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, string(types.JobInProgress), status["status"])

	rec = doJSON(t, srv, http.MethodGet, "/api/jobs/in-progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, jobReq.Job.ID, jobs[0].ID)
}

func TestApproveTwiceConflicts(t *testing.T) {
	srv := newTestServer(t)

	req := submitJob(t, srv, "once", 1)
	approve(t, srv, req.ID)

	rec := doJSON(t, srv, http.MethodPost, "/api/requests/"+string(req.ID)+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doJSON(t, srv, http.MethodPost, "/api/requests/"+string(req.ID)+"/reject", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApproveUnknownRequest(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/requests/nope/approve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStatusUnknown(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteJob(t *testing.T) {
	srv := newTestServer(t)

	vehicleReq := submitVehicle(t, srv, "DONE42")
	jobReq := submitJob(t, srv, "done", 1)
	approve(t, srv, vehicleReq.ID)
	approve(t, srv, jobReq.ID)

	rec := doJSON(t, srv, http.MethodPost, "/api/jobs/"+string(jobReq.Job.ID)+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Idempotent: a second completion is still OK.
	rec = doJSON(t, srv, http.MethodPost, "/api/jobs/"+string(jobReq.Job.ID)+"/complete", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/jobs/"+string(jobReq.Job.ID), nil)
	var status map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, string(types.JobCompleted), status["status"])
}

func TestCompleteQueuedJobConflicts(t *testing.T) {
	srv := newTestServer(t)

	jobReq := submitJob(t, srv, "stuck", 1)
	approve(t, srv, jobReq.ID)

	rec := doJSON(t, srv, http.MethodPost, "/api/jobs/"+string(jobReq.Job.ID)+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTriggerCheckpoint(t *testing.T) {
	srv := newTestServer(t)

	vehicleReq := submitVehicle(t, srv, "CKPT77")
	jobReq := submitJob(t, srv, "ckpt", 1)
	approve(t, srv, vehicleReq.ID)
	approve(t, srv, jobReq.ID)

	rec := doJSON(t, srv, http.MethodPost, "/api/jobs/"+string(jobReq.Job.ID)+"/checkpoint", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/jobs/missing/checkpoint", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVehicleRegisteredLookup(t *testing.T) {
	srv := newTestServer(t)

	submitVehicle(t, srv, "LOOKUP1")

	rec := doJSON(t, srv, http.MethodGet,
		"/api/vehicles/registered?plate=lookup1&state_code=ca", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["registered"], "a pending registration occupies the signature")
	assert.Equal(t, "LOOKUP1|CA", body["signature"])

	rec = doJSON(t, srv, http.MethodGet,
		"/api/vehicles/registered?plate=other&state_code=ca", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["registered"])

	rec = doJSON(t, srv, http.MethodGet, "/api/vehicles/registered", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDuplicateVehicleConflicts(t *testing.T) {
	srv := newTestServer(t)

	submitVehicle(t, srv, "DUP123")

	rec := doJSON(t, srv, http.MethodPost, "/api/requests/vehicle", map[string]any{
		"owner_id":     "carol",
		"plate":        "dup123",
		"state_code":   "ca",
		"departure_at": time.Now().Add(time.Hour),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	submitVehicle(t, srv, "STAT11")

	rec := doJSON(t, srv, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, float64(1), status["pending_requests"])
	assert.Contains(t, status, "uptime")
}
