package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/exam-importer/internal/cryptoutil"
	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/importjob"
	"github.com/JakeFAU/exam-importer/internal/policy/ratelimit"
	"github.com/JakeFAU/exam-importer/internal/storage/memory"
)

func TestServer_SubmitImport_Succeeds(t *testing.T) {
	t.Parallel()

	repo := memory.NewJobStore()
	server := newTestServer(t, repo, Config{})

	rec := do(server, http.MethodPost, "/v1/imports", "owner-1", `{"login":"ana","password":"pw"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["job_id"])

	job, err := repo.GetJob(context.Background(), body["job_id"])
	require.NoError(t, err)
	require.Equal(t, importer.JobPending, job.Status)
	require.Equal(t, "owner-1", job.OwnerID)
}

func TestServer_SubmitImport_BadInput(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, memory.NewJobStore(), Config{})

	rec := do(server, http.MethodPost, "/v1/imports", "owner-1", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(server, http.MethodPost, "/v1/imports", "owner-1", `{"login":"ana","password":"  "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "password")
}

func TestServer_RequiresOwnerHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, memory.NewJobStore(), Config{})
	rec := do(server, http.MethodPost, "/v1/imports", "", `{"login":"ana","password":"pw"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_SubmitImport_RateLimited(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1})
	server := newTestServerWithLimiter(t, memory.NewJobStore(), limiter)

	first := do(server, http.MethodPost, "/v1/imports", "owner-1", `{"login":"ana","password":"pw"}`)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := do(server, http.MethodPost, "/v1/imports", "owner-1", `{"login":"ana","password":"pw"}`)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.NotEmpty(t, second.Header().Get("Retry-After"))

	other := do(server, http.MethodPost, "/v1/imports", "owner-2", `{"login":"bia","password":"pw"}`)
	require.Equal(t, http.StatusAccepted, other.Code)
}

func TestServer_GetImport_ScopedToOwner(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, memory.NewJobStore(), Config{})
	jobID := submit(t, server, "owner-1")

	rec := do(server, http.MethodGet, "/v1/imports/"+jobID, "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"PENDING"`)
	require.NotContains(t, rec.Body.String(), "pw")

	rec = do(server, http.MethodGet, "/v1/imports/"+jobID, "owner-2", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(server, http.MethodGet, "/v1/imports/missing", "owner-1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListImports(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, memory.NewJobStore(), Config{})
	submit(t, server, "owner-1")
	submit(t, server, "owner-1")
	submit(t, server, "owner-2")

	rec := do(server, http.MethodGet, "/v1/imports?limit=10", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Jobs []importer.ImportJob `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 2)

	rec = do(server, http.MethodGet, "/v1/imports", "owner-3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"jobs":[]}`, rec.Body.String())

	rec = do(server, http.MethodGet, "/v1/imports?limit=-1", "owner-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, memory.NewJobStore(), Config{AuthEnabled: true, APIKey: "secret"})

	rec := do(server, http.MethodGet, "/v1/imports", "owner-1", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/imports", nil)
	req.Header.Set("X-User-ID", "owner-1")
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(server, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ready := NewServer(panickingService{}, Config{}, zap.NewNop(), pingerFunc(func(context.Context) error { return nil }))
	require.Equal(t, http.StatusOK, do(ready, http.MethodGet, "/readyz", "", "").Code)

	down := NewServer(panickingService{}, Config{}, zap.NewNop(), pingerFunc(func(context.Context) error {
		return errors.New("connection refused")
	}))
	require.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/readyz", "", "").Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, memory.NewJobStore(), Config{})
	do(server, http.MethodGet, "/healthz", "", "")

	rec := do(server, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "importer_http_requests_total")
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(panickingService{}, Config{}, zap.NewNop())
	rec := do(server, http.MethodGet, "/v1/imports/job-1", "owner-1", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, memory.NewJobStore(), Config{})
	rec := do(server, http.MethodGet, "/healthz", "", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func newTestServer(t *testing.T, repo *memory.JobStore, cfg Config) *Server {
	t.Helper()
	svc, err := importjob.NewService(importjob.ServiceDeps{Repo: repo, Encryptor: cryptoutil.NoopEncryptor{}})
	require.NoError(t, err)
	return NewServer(svc, cfg, zap.NewNop())
}

func newTestServerWithLimiter(t *testing.T, repo *memory.JobStore, limiter importjob.Limiter) *Server {
	t.Helper()
	svc, err := importjob.NewService(importjob.ServiceDeps{
		Repo:      repo,
		Encryptor: cryptoutil.NoopEncryptor{},
		Limiter:   limiter,
	})
	require.NoError(t, err)
	return NewServer(svc, Config{}, zap.NewNop())
}

func do(server *Server, method, path, owner, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func submit(t *testing.T, server *Server, owner string) string {
	t.Helper()
	rec := do(server, http.MethodPost, "/v1/imports", owner, `{"login":"ana","password":"pw"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["job_id"]
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type panickingService struct{}

func (panickingService) Create(context.Context, string, importer.Credentials) (string, error) {
	panic("boom")
}

func (panickingService) Get(context.Context, string, string) (importer.ImportJob, error) {
	panic("boom")
}

func (panickingService) ListMine(context.Context, string, int, int) ([]importer.ImportJob, error) {
	panic("boom")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacked client: %w", err)
		}
	}
	return nil
}
