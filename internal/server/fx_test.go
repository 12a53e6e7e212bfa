package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/exam-importer/internal/config"
	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/stream"
)

func TestBuildRequiresCryptoKey(t *testing.T) {
	cfg := loadConfig(t, "http://producer.invalid/stream")
	cfg.Crypto.InsecureNoop = false

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "crypto.key")
}

func TestBuildRejectsBadCryptoKey(t *testing.T) {
	cfg := loadConfig(t, "http://producer.invalid/stream")
	cfg.Crypto.Key = "c2hvcnQ="

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "crypto.key")
}

func TestBuildRequiresStreamEndpoint(t *testing.T) {
	cfg := loadConfig(t, "")

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "stream client init failed")
}

func TestOpenInfraMemoryDefaults(t *testing.T) {
	cfg := loadConfig(t, "")
	cfg.Storage.ArchiveEnabled = true

	in, err := OpenInfra(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { in.Close(context.Background()) })

	assert.NotNil(t, in.Jobs)
	assert.NotNil(t, in.Questions)
	assert.NotNil(t, in.History)
	assert.NotNil(t, in.Archive)
	assert.NotNil(t, in.Reputation)
	assert.Nil(t, in.Publisher)
	assert.Empty(t, in.pingers)
}

func TestAppImportsEndToEnd(t *testing.T) {
	producer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stream.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email != "ana" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for i, subject := range []string{"Math", "History"} {
			q := importer.ScrapedQuestion{
				ID:          fmt.Sprintf("q%d", i),
				SubjectName: subject,
				Statement:   fmt.Sprintf("Question %d?", i),
				Alternatives: []importer.Alternative{
					{Letter: "A", Text: "yes", IsCorrect: true},
					{Letter: "B", Text: "no"},
				},
			}
			raw, _ := json.Marshal(q)
			fmt.Fprintf(w, "event: question\ndata: %s\n\n", raw)
		}
		fmt.Fprint(w, "event: done\ndata: {\"total\":2}\n\n")
		w.(http.Flusher).Flush()
	}))
	t.Cleanup(producer.Close)

	cfg := loadConfig(t, producer.URL)
	cfg.Progress.MaxBatchWait = 5 * time.Millisecond
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	rec := serve(app, http.MethodPost, "/v1/imports", `{"login":"ana","password":"pw"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	worked, err := app.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	rec = serve(app, http.MethodGet, "/v1/imports/"+submitted.JobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Job importer.ImportJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, importer.JobCompleted, got.Job.Status)
	assert.Equal(t, importer.Metrics{Found: 2, Imported: 2, RewardPoints: 20}, got.Job.Metrics)

	worked, err = app.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func loadConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Stream.Endpoint = endpoint
	cfg.Crypto.InsecureNoop = true
	return &cfg
}

func serve(app *App, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("X-User-ID", "owner-1")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	return rec
}
