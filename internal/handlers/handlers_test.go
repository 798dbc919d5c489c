package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bias-lab/biaslab-go/internal/analysis"
	"github.com/bias-lab/biaslab-go/internal/article"
	"github.com/bias-lab/biaslab-go/internal/auth"
	"github.com/bias-lab/biaslab-go/internal/bias"
	"github.com/bias-lab/biaslab-go/internal/calibration"
	"github.com/bias-lab/biaslab-go/internal/db"
	"github.com/bias-lab/biaslab-go/internal/monitor"
	"github.com/bias-lab/biaslab-go/internal/ratelimit"
	"github.com/bias-lab/biaslab-go/internal/sse"
	"github.com/bias-lab/biaslab-go/internal/tasks"
)

const testKey = "secret"

type fakeService struct {
	analyzeErr error
	jobs       map[string]*analysis.Job
	stream     chan sse.Event
	feedback   analysis.FeedbackInput
}

func (f *fakeService) Analyze(_ context.Context, in analysis.Input, _ bias.ProgressFunc) (*db.Analysis, error) {
	if f.analyzeErr != nil {
		return nil, f.analyzeErr
	}
	if in.URL == "" && in.Text == "" {
		return nil, analysis.ErrEmptyInput
	}
	return &db.Analysis{ID: "01J", URL: in.URL, Source: "Axios", Band: bias.BandLow}, nil
}

func (f *fakeService) AnalyzeBatch(ctx context.Context, urls []string) ([]analysis.BatchItem, error) {
	if len(urls) == 0 || len(urls) > analysis.MaxBatch {
		return nil, analysis.ErrBatchSize
	}
	items := make([]analysis.BatchItem, len(urls))
	for i, u := range urls {
		items[i].URL = u
		if strings.Contains(u, "paywall") {
			items[i].Err = fmt.Errorf("%w: status 403", article.ErrUpstream)
			items[i].Error = items[i].Err.Error()
			continue
		}
		items[i].Analysis = &db.Analysis{ID: fmt.Sprintf("id-%d", i), URL: u}
	}
	return items, nil
}

func (f *fakeService) Submit(_ context.Context, in analysis.Input) (*analysis.Job, error) {
	if in.URL == "" {
		return nil, tasks.ErrQueueFull
	}
	return &analysis.Job{ID: "job-1", Status: analysis.JobQueued, Input: in}, nil
}

func (f *fakeService) Job(id string) (*analysis.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, analysis.ErrNotFound
	}
	return j, nil
}

func (f *fakeService) JobEvents(id string) (*analysis.Job, <-chan sse.Event, func(), error) {
	j, err := f.Job(id)
	if err != nil {
		return nil, nil, nil, err
	}
	ch := make(chan sse.Event, 2)
	if j.Status == analysis.JobRunning {
		ch <- sse.Event{Type: analysis.EventProgress, Data: []byte(`{"progress":60}`)}
		ch <- sse.Event{Type: analysis.EventResult, Data: []byte(`{"id":"01J"}`)}
	}
	return j, ch, func() {}, nil
}

func (f *fakeService) AnalysisEvents() (<-chan sse.Event, func()) {
	return f.stream, func() {}
}

func (f *fakeService) Get(_ context.Context, id string) (*db.Analysis, error) {
	if id != "01J" {
		return nil, analysis.ErrNotFound
	}
	return &db.Analysis{ID: id}, nil
}

func (f *fakeService) Recent(context.Context, int) ([]db.Analysis, error) {
	return nil, nil
}

func (f *fakeService) SubmitFeedback(_ context.Context, id string, in analysis.FeedbackInput) (*db.Feedback, error) {
	if len(in.Scores) != 5 {
		return nil, fmt.Errorf("%w: missing scores", analysis.ErrInvalidFeedback)
	}
	f.feedback = in
	return &db.Feedback{ID: 1, AnalysisID: id, Rater: in.Rater}, nil
}

type fakeOps struct{}

func (fakeOps) Snapshot() monitor.OpsSnapshot {
	return monitor.OpsSnapshot{ArticlesProcessed: 3, TargetResponseTimeMs: 500}
}
func (fakeOps) Performance() []monitor.PerformancePoint { return make([]monitor.PerformancePoint, 12) }
func (fakeOps) Throughput() []monitor.ThroughputPoint   { return make([]monitor.ThroughputPoint, 24) }
func (fakeOps) Portfolio(context.Context, int) ([]db.SourceStat, error) {
	return []db.SourceStat{{Source: "Axios", Articles: 2}}, nil
}
func (fakeOps) OpsLog(context.Context, int) ([]db.OpsLogEntry, error) { return nil, errors.New("db down") }
func (fakeOps) RunOnce(context.Context) (*calibration.Result, error) {
	return &calibration.Result{Cycle: 1, CycleAccuracy: 91}, nil
}

type fakeHealth struct{ status string }

func (f fakeHealth) Check(context.Context) monitor.HealthReport {
	return monitor.HealthReport{Status: f.status, Checks: map[string]monitor.CheckResult{"db": {Status: f.status}}}
}

func newTestRouter(svc *fakeService, health string) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(RouterConfig{
		Analyses: NewAnalysisHandler(svc, logger),
		Ops:      NewOpsHandler(fakeOps{}, fakeOps{}, fakeOps{}, fakeHealth{health}, logger),
		Auth:     auth.NewKeyAuth([]string{testKey}, logger),
		Limiter:  ratelimit.New(),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("# metrics"))
		}),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.RemoteAddr = "192.0.2.1:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad scheme", analysis.ErrInvalidURL), http.StatusBadRequest},
		{analysis.ErrEmptyInput, http.StatusBadRequest},
		{analysis.ErrBatchSize, http.StatusBadRequest},
		{article.ErrBlockedHost, http.StatusBadRequest},
		{analysis.ErrInvalidFeedback, http.StatusBadRequest},
		{analysis.ErrNotFound, http.StatusNotFound},
		{article.ErrNotArticle, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: timeout", article.ErrUpstream), http.StatusBadGateway},
		{tasks.ErrQueueFull, http.StatusServiceUnavailable},
		{tasks.ErrStopped, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestPublicRoutes(t *testing.T) {
	h := newTestRouter(&fakeService{}, monitor.HealthOK)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "# metrics", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestRouter(&fakeService{}, monitor.HealthDown)
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"down"`)
}

func TestAuthRequired(t *testing.T) {
	h := newTestRouter(&fakeService{}, monitor.HealthOK)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", strings.NewReader(`{"url":"https://a.example/x"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/ops/metrics", nil)
	req.Header.Set("X-API-Key", testKey)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalyze(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc, monitor.HealthOK)

	rec := do(t, h, http.MethodPost, "/v1/analyze", `{"url":"https://www.axios.com/2025/08/09/x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var an db.Analysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &an))
	assert.Equal(t, "01J", an.ID)

	rec = do(t, h, http.MethodPost, "/v1/analyze", `{"url":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid JSON body"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/analyze", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.analyzeErr = errors.New("pool exhausted")
	rec = do(t, h, http.MethodPost, "/v1/analyze", `{"url":"https://a.example/x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

func TestAnalyzeBatch(t *testing.T) {
	h := newTestRouter(&fakeService{}, monitor.HealthOK)

	rec := do(t, h, http.MethodPost, "/v1/analyze/batch", `{"urls":["https://a.example/1","https://paywall.example/2"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out []batchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, http.StatusOK, out[0].Status)
	assert.NotNil(t, out[0].Analysis)
	assert.Equal(t, http.StatusBadGateway, out[1].Status)
	assert.Contains(t, out[1].Error, "status 403")

	rec = do(t, h, http.MethodPost, "/v1/analyze/batch", `{"urls":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobs(t *testing.T) {
	svc := &fakeService{jobs: map[string]*analysis.Job{
		"done":    {ID: "done", Status: analysis.JobComplete, Result: &db.Analysis{ID: "01J"}},
		"failed":  {ID: "failed", Status: analysis.JobFailed, Error: "article fetch failed"},
		"running": {ID: "running", Status: analysis.JobRunning, Progress: 40},
	}}
	h := newTestRouter(svc, monitor.HealthOK)

	rec := do(t, h, http.MethodPost, "/v1/jobs", `{"url":"https://a.example/x"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/v1/jobs/job-1", rec.Header().Get("Location"))

	rec = do(t, h, http.MethodPost, "/v1/jobs", `{"text":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	rec = do(t, h, http.MethodGet, "/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/jobs/done/events", "")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "event: result\ndata: {\"id\":\"01J\""), rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/jobs/failed/events", "")
	assert.Contains(t, rec.Body.String(), "event: error\ndata: {\"error\":\"article fetch failed\"}")

	rec = do(t, h, http.MethodGet, "/v1/jobs/running/events", "")
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: progress\ndata: {\"progress\":40"), body)
	assert.Contains(t, body, "event: progress\ndata: {\"progress\":60}")
	assert.True(t, strings.HasSuffix(body, "event: result\ndata: {\"id\":\"01J\"}\n\n"), body)
}

func TestStreamAnalyses(t *testing.T) {
	svc := &fakeService{stream: make(chan sse.Event, 1)}
	srv := httptest.NewServer(newTestRouter(svc, monitor.HealthOK))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/analyses/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	svc.stream <- sse.Event{Type: "analysis", Data: []byte(`{"id":"01J"}`)}

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: analysis", sc.Text())
	require.True(t, sc.Scan())
	assert.Equal(t, `data: {"id":"01J"}`, sc.Text())
}

func TestAnalysesAndFeedback(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc, monitor.HealthOK)

	rec := do(t, h, http.MethodGet, "/v1/analyses?limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/analyses?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/analyses/01J", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/analyses/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body := `{"rater":"ana","scores":{"ideological_stance":50,"factual_grounding":80,"framing_choices":30,"emotional_tone":20,"source_transparency":70}}`
	rec = do(t, h, http.MethodPost, "/v1/analyses/01J/feedback", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 80, svc.feedback.Scores["factual_grounding"])

	rec = do(t, h, http.MethodPost, "/v1/analyses/01J/feedback", `{"scores":{"emotional_tone":20}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpsEndpoints(t *testing.T) {
	h := newTestRouter(&fakeService{}, monitor.HealthOK)

	rec := do(t, h, http.MethodGet, "/api/ops/metrics", "")
	assert.Contains(t, rec.Body.String(), `"articles_processed":3`)

	rec = do(t, h, http.MethodGet, "/api/ops/performance", "")
	var perf []monitor.PerformancePoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &perf))
	assert.Len(t, perf, 12)

	rec = do(t, h, http.MethodGet, "/api/ops/throughput", "")
	var tp []monitor.ThroughputPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tp))
	assert.Len(t, tp, 24)

	rec = do(t, h, http.MethodGet, "/api/ops/portfolio", "")
	assert.Contains(t, rec.Body.String(), `"source":"Axios"`)

	rec = do(t, h, http.MethodGet, "/api/ops/log", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/ops/calibrate", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cycle_accuracy":91`)
}

func TestCalibrateRateLimited(t *testing.T) {
	h := newTestRouter(&fakeService{}, monitor.HealthOK)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/ops/calibrate", "").Code)
	}
	rec := do(t, h, http.MethodPost, "/api/ops/calibrate", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	h := newTestRouter(&fakeService{}, monitor.HealthOK)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/analyze", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
