package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/deep-eval/internal/auth"
	"github.com/yourusername/deep-eval/internal/jobs"
	"github.com/yourusername/deep-eval/internal/queue"
	"github.com/yourusername/deep-eval/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, string, []byte) error {
	return errors.New("connection refused")
}

type fakeWorkers struct{ beats []worker.Beat }

func (f fakeWorkers) List(context.Context) ([]worker.Beat, error) { return f.beats, nil }

type env struct {
	router *gin.Engine
	broker *queue.RedisBroker
}

func newEnv(t *testing.T, enq jobs.Enqueuer, extra func(*RouterDeps)) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := jobs.NewStore(rdb, "deep-eval", time.Hour)
	broker := queue.NewRedisBroker(rdb, queue.Options{Name: "deep-eval"})
	if enq == nil {
		enq = broker
	}
	deps := RouterDeps{
		Submitter: jobs.NewDispatcher(store, enq, "/status", logger),
		Status:    jobs.NewStatusReader(store),
		Workers:   fakeWorkers{},
		Queue:     broker,
		Redis:     rdb,
	}
	if extra != nil {
		extra(&deps)
	}
	return &env{router: NewRouter(deps), broker: broker}
}

func (e *env) do(t *testing.T, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestSubmitAcceptsAndStatusShowsPending(t *testing.T) {
	e := newEnv(t, nil, nil)

	rec, body := e.do(t, http.MethodPost, "/api/jobs", `{"doc_ref":"https://cdn.example.com/a.pdf","correlation_id":"u-1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "/status/"+jobID, body["status_url"])

	rec, view := e.do(t, http.MethodGet, "/status/"+jobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", view["state"])
	assert.EqualValues(t, 0, view["progress"])
	assert.Nil(t, view["unknown"])

	rec, _ = e.do(t, http.MethodGet, "/api/status/"+jobID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	stats, err := e.broker.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
}

func TestSubmitAcceptsLegacyFieldNames(t *testing.T) {
	e := newEnv(t, nil, nil)

	rec, body := e.do(t, http.MethodPost, "/api/data", `{"student_uploaded_pdf_url":"https://cdn.example.com/a.pdf","uid":4217,"model_answer_url":"https://cdn.example.com/m.pdf"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	d, err := e.broker.TryPull(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	var envl jobs.Envelope
	require.NoError(t, json.Unmarshal(d.Body, &envl))
	assert.Equal(t, body["job_id"], envl.JobID)
	assert.Equal(t, "4217", envl.CorrelationID)
	assert.Equal(t, "https://cdn.example.com/m.pdf", envl.ModelAnswerRef)
}

func TestSubmitValidationError(t *testing.T) {
	e := newEnv(t, nil, nil)

	rec, body := e.do(t, http.MethodPost, "/api/jobs", `{"doc_ref":"ftp://x","correlation_id":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", body["code"])
	fields, ok := body["fields"].([]any)
	require.True(t, ok)
	assert.Len(t, fields, 2)

	stats, err := e.broker.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestSubmitMalformedJSON(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, body := e.do(t, http.MethodPost, "/api/jobs", `{"doc_ref":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", body["code"])
}

func TestSubmitQueueUnavailable(t *testing.T) {
	e := newEnv(t, failingQueue{}, nil)

	rec, body := e.do(t, http.MethodPost, "/api/jobs", `{"doc_ref":"https://cdn.example.com/a.pdf","correlation_id":"u-1"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "QUEUE_UNAVAILABLE", body["code"])
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	_, view := e.do(t, http.MethodGet, "/status/"+jobID, "")
	assert.Equal(t, "FAILED", view["state"])
	errInfo, _ := view["error"].(map[string]any)
	assert.Equal(t, string(jobs.KindQueueUnavailable), errInfo["kind"])
}

func TestStatusUnknownJob(t *testing.T) {
	e := newEnv(t, nil, nil)

	rec, view := e.do(t, http.MethodGet, "/status/does-not-exist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, view["unknown"])
	assert.Equal(t, "PENDING", view["state"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestSubmitRequiresAPIKeyWhenConfigured(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("k3y"), bcrypt.MinCost)
	require.NoError(t, err)
	e := newEnv(t, nil, func(d *RouterDeps) {
		d.RequireAPIKey = auth.NewManager(string(hash)).RequireAPIKey()
	})
	payload := `{"doc_ref":"https://cdn.example.com/a.pdf","correlation_id":"u-1"}`

	rec, body := e.do(t, http.MethodPost, "/api/jobs", payload)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	rec, _ = e.do(t, http.MethodPost, "/api/jobs", payload, "X-API-Key", "k3y")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/status/anything", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t, nil, nil)

	rec, body := e.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "deep-eval-api", body["service"])

	rec, body = e.do(t, http.MethodGet, "/health/workers", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no_workers", body["status"])

	rec, body = e.do(t, http.MethodGet, "/health/redis", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	q, _ := body["queue"].(map[string]any)
	assert.EqualValues(t, 0, q["pending"])
}

func TestHealthWorkersReportsCapacity(t *testing.T) {
	e := newEnv(t, nil, func(d *RouterDeps) {
		d.Workers = fakeWorkers{beats: []worker.Beat{
			{ID: "w1", Concurrency: 4, Busy: 1},
			{ID: "w2", Concurrency: 2, Busy: 2},
		}}
	})

	rec, body := e.do(t, http.MethodGet, "/health/workers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["busy"])
	assert.EqualValues(t, 6, body["capacity"])
}

func TestParseInfo(t *testing.T) {
	raw := "# Server\r\nredis_version:7.2.4\r\nos:Linux\r\n\r\n# Clients\r\nconnected_clients:3\r\n"
	assert.Equal(t, map[string]string{"redis_version": "7.2.4", "connected_clients": "3"}, parseInfo(raw, infoKeys))
}
