package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanrelay/internal/domain"
	"chanrelay/internal/maintenance"
	rtsup "chanrelay/internal/runtime/supervisor"
	logx "chanrelay/pkg/logx"
)

type fakeJobs struct {
	list []domain.JobStatus
}

func (f fakeJobs) List(context.Context) ([]domain.JobStatus, error) { return f.list, nil }

func (f fakeJobs) Status(_ context.Context, id string) (domain.JobStatus, error) {
	for _, st := range f.list {
		if st.ID == id {
			return st, nil
		}
	}
	return domain.JobStatus{}, errors.Wrapf(domain.ErrNotFound, "job %s", id)
}

func newTestServer() *Server {
	jobs := fakeJobs{list: []domain.JobStatus{
		{ID: "a", Active: true, Running: true, Phase: domain.PhaseWaiting, Cursor: 124},
		{ID: "b", Phase: domain.PhaseStopped},
	}}
	return New(Sources{
		Jobs: jobs,
		Runtime: func() map[string]rtsup.Snapshot {
			return map[string]rtsup.Snapshot{"relay": {Counters: rtsup.Counters{Active: 2}}}
		},
		Maintenance: func() []maintenance.JobStats { return []maintenance.JobStats{{Name: "reconcile", Runs: 3}} },
		Ready:       func() bool { return true },
	}, logx.Nop())
}

func get(t *testing.T, h http.Handler, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestJobsEndpoints(t *testing.T) {
	t.Parallel()
	h := newTestServer().Handler(Config{})

	rec := get(t, h, "/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, int64(124), list[0].Cursor)

	rec = get(t, h, "/jobs/b", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st domain.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, domain.PhaseStopped, st.Phase)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/jobs/zzz", "").Code)
}

func TestSnapshotsAndHealth(t *testing.T) {
	t.Parallel()
	h := newTestServer().Handler(Config{})

	rec := get(t, h, "/supervisor", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]rtsup.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(2), snap["relay"].Counters.Active)

	rec = get(t, h, "/maintenance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reconcile"`)

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", "").Code)

	starting := New(Sources{Ready: func() bool { return false }}, logx.Nop()).Handler(Config{})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, starting, "/healthz", "").Code)
	assert.Equal(t, http.StatusNotFound, get(t, starting, "/jobs", "").Code)
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()
	h := newTestServer().Handler(Config{Token: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/jobs", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/jobs", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/jobs", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/jobs?token=s3cret", "").Code)
}

func TestProfilerMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(Config{}), "/debug/pprof/", "").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(Config{Profiler: true}), "/debug/pprof/", "").Code)
}

func TestApplyLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	ctx := context.Background()

	err := s.Apply(ctx, Config{Enabled: true, Addr: "0.0.0.0:0"})
	assert.Error(t, err, "public bind without token")
	assert.Empty(t, s.Addr())

	require.NoError(t, s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Same config keeps the listener.
	require.NoError(t, s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	assert.Equal(t, addr, s.Addr())

	require.NoError(t, s.Apply(ctx, Config{Enabled: false}))
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:6061"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":6061"))
	assert.False(t, isLoopbackAddr("10.0.0.1:6061"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
