package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/metrics"
	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/store/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeLauncher struct {
	mu      sync.Mutex
	started [][]string
	stopped []string
	running []string
}

func (f *fakeLauncher) Launch(targets []portal.CrawlTarget) ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var started, skipped []string
	for _, target := range targets {
		key := target.Key()
		dup := false
		for _, r := range f.running {
			if r == key {
				dup = true
				break
			}
		}
		if dup {
			skipped = append(skipped, key)
			continue
		}
		started = append(started, key)
	}
	f.started = append(f.started, started)
	return started, skipped
}

func (f *fakeLauncher) Stop(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.running {
		if r == key {
			f.running = append(f.running[:i], f.running[i+1:]...)
			f.stopped = append(f.stopped, key)
			return true
		}
	}
	return false
}

func (f *fakeLauncher) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.running...)
}

type apiEnv struct {
	cps      *memory.CheckpointStore
	docs     *memory.DocumentStore
	launcher *fakeLauncher
	server   *Server
}

func newAPIEnv(t *testing.T, cfg Config) *apiEnv {
	t.Helper()
	env := &apiEnv{
		cps:      memory.NewCheckpointStore(),
		docs:     memory.NewDocumentStore(),
		launcher: &fakeLauncher{},
	}
	srv, err := NewServer(cfg, Deps{
		Checkpoints: env.cps,
		Documents:   env.docs,
		Launcher:    env.launcher,
	}, zap.NewNop())
	require.NoError(t, err)
	env.server = srv
	return env
}

func (e *apiEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func mustTarget(t *testing.T, key string) portal.CrawlTarget {
	t.Helper()
	target, err := portal.ParseTarget(key)
	require.NoError(t, err)
	return target
}

func seedCheckpoint(t *testing.T, env *apiEnv, key string, page int, suspended bool, reason string) {
	t.Helper()
	target := mustTarget(t, key)
	require.NoError(t, env.cps.Put(context.Background(), portal.Checkpoint{
		Target:                    target,
		LastGoodPage:              page,
		RecordsSeenOnLastGoodPage: 20,
		UpdatedAt:                 time.Now().UTC(),
	}))
	if suspended {
		require.NoError(t, env.cps.Suspend(context.Background(), target, reason))
	}
}

func TestNewServerValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Config{}, Deps{Documents: memory.NewDocumentStore()}, zap.NewNop())
	require.ErrorContains(t, err, "checkpoint store")

	_, err = NewServer(Config{}, Deps{Checkpoints: memory.NewCheckpointStore()}, zap.NewNop())
	require.ErrorContains(t, err, "document store")
}

func TestHealthAndReadyProbes(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListTargets(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	seedCheckpoint(t, env, "awarded/2019/modal", 7, false, "")
	seedCheckpoint(t, env, "active/2024-01-01..2024-03-31/server-filter", 2, true, "recovery attempts exhausted")

	rec := env.do(t, http.MethodGet, "/v1/targets", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Targets []targetStatus `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Targets, 2)

	var awarded *targetStatus
	for i := range body.Targets {
		if body.Targets[i].Target == "awarded/2019/modal" {
			awarded = &body.Targets[i]
		}
	}
	require.NotNil(t, awarded)
	assert.Equal(t, 7, awarded.LastGoodPage)
	assert.Equal(t, 8, awarded.ResumePage)
	assert.False(t, awarded.Suspended)
}

func TestListSuspendedFilters(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	seedCheckpoint(t, env, "awarded/2019/modal", 7, false, "")
	seedCheckpoint(t, env, "cancelled/2020/modal", 4, true, "recovery attempts exhausted")

	rec := env.do(t, http.MethodGet, "/v1/targets/suspended", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Targets []targetStatus `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Targets, 1)
	assert.Equal(t, "cancelled/2020/modal", body.Targets[0].Target)
	assert.Contains(t, body.Targets[0].SuspendedReason, "exhausted")
}

func TestResumeTarget(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	seedCheckpoint(t, env, "cancelled/2020/modal", 4, true, "recovery attempts exhausted")

	rec := env.do(t, http.MethodPost, "/v1/targets/cancelled/2020/modal/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cp, err := env.cps.Get(context.Background(), mustTarget(t, "cancelled/2020/modal"))
	require.NoError(t, err)
	assert.False(t, cp.Suspended)
	assert.Empty(t, cp.SuspendedReason)
}

func TestResumeTargetErrors(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/v1/targets/awarded/2019/modal/resume", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/targets/bogus/2019/modal/resume", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListFailedDocuments(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	_, err := env.docs.EnsureRefs(context.Background(), []portal.DocumentRef{
		{DocID: "D-1", TenderID: "T-1", RemoteLocation: "https://portal.example/docs/a.pdf"},
		{DocID: "D-2", TenderID: "T-1", RemoteLocation: "https://portal.example/docs/b.pdf"},
	})
	require.NoError(t, err)
	require.NoError(t, env.docs.MarkFailed(context.Background(), "D-2", "status 404"))

	rec := env.do(t, http.MethodGet, "/v1/documents/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Documents []failedDocument `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Documents, 1)
	assert.Equal(t, "D-2", body.Documents[0].DocID)
	assert.Equal(t, "status 404", body.Documents[0].FailureReason)
}

func TestDocumentStats(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	_, err := env.docs.EnsureRefs(context.Background(), []portal.DocumentRef{
		{DocID: "D-1", TenderID: "T-1", RemoteLocation: "https://portal.example/docs/a.pdf"},
		{DocID: "D-2", TenderID: "T-1", RemoteLocation: "https://portal.example/docs/b.pdf"},
	})
	require.NoError(t, err)
	require.NoError(t, env.docs.MarkFailed(context.Background(), "D-1", "boom"))

	rec := env.do(t, http.MethodGet, "/v1/documents/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 1, body.ByStatus["pending"])
	assert.Equal(t, 1, body.ByStatus["failed"])
}

func TestRequeueDocument(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	_, err := env.docs.EnsureRefs(context.Background(), []portal.DocumentRef{
		{DocID: "D-1", TenderID: "T-1", RemoteLocation: "https://portal.example/docs/a.pdf"},
	})
	require.NoError(t, err)
	require.NoError(t, env.docs.MarkFailed(context.Background(), "D-1", "boom"))

	rec := env.do(t, http.MethodPost, "/v1/documents/D-1/requeue", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ref, err := env.docs.Get(context.Background(), "D-1")
	require.NoError(t, err)
	assert.Equal(t, portal.ExtractionPending, ref.Status)
	assert.Zero(t, ref.Attempts)
}

func TestRequeueDocumentErrors(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	_, err := env.docs.EnsureRefs(context.Background(), []portal.DocumentRef{
		{DocID: "D-1", TenderID: "T-1", RemoteLocation: "https://portal.example/docs/a.pdf"},
	})
	require.NoError(t, err)
	require.NoError(t, env.docs.MarkSuccess(context.Background(), "D-1", "text", nil, ""))

	rec := env.do(t, http.MethodPost, "/v1/documents/missing/requeue", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Success is terminal; reopening it is a state conflict.
	rec = env.do(t, http.MethodPost, "/v1/documents/D-1/requeue", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitCrawl(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	body := []byte(`{"targets":["awarded/2019/modal","contracts/2021/server-filter"]}`)
	rec := env.do(t, http.MethodPost, "/v1/crawls", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Started []string `json:"started"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"awarded/2019/modal", "contracts/2021/server-filter"}, resp.Started)
}

func TestSubmitCrawlValidation(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/v1/crawls", []byte(`{invalid`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/crawls", []byte(`{"targets":[]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/crawls", []byte(`{"targets":["bogus/2019/modal"]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bogus")
}

func TestSubmitCrawlWithoutLauncher(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Config{}, Deps{
		Checkpoints: memory.NewCheckpointStore(),
		Documents:   memory.NewDocumentStore(),
	}, zap.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewReader([]byte(`{"targets":["awarded/2019/modal"]}`)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListRunningCrawls(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	env.launcher.running = []string{"awarded/2019/modal"}

	rec := env.do(t, http.MethodGet, "/v1/crawls", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "awarded/2019/modal")
}

func TestStopCrawl(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	env.launcher.running = []string{"awarded/2019/modal"}

	rec := env.do(t, http.MethodDelete, "/v1/crawls/awarded/2019/modal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"awarded/2019/modal"}, env.launcher.stopped)

	// Stopped already, so a second delete finds nothing live.
	rec = env.do(t, http.MethodDelete, "/v1/crawls/awarded/2019/modal", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/crawls/bogus/2019/modal", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{AuthEnabled: true, APIKey: "secret"})

	rec := env.do(t, http.MethodGet, "/v1/targets", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/targets", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open for the kubelet.
	rec = env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
