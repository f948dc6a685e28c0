package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praghav/modelqueue/internal/common/constants"
	"github.com/praghav/modelqueue/internal/config"
	"github.com/praghav/modelqueue/internal/scheduler"
	"github.com/praghav/modelqueue/internal/scheduler/pool"
	"github.com/praghav/modelqueue/internal/scheduler/queue"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Checkpoint.Path = filepath.Join(t.TempDir(), "scheduler.ckpt")
	cfg.Checkpoint.IntervalSecs = 3600

	sched := scheduler.New(cfg, func(modelID string) pool.Backend {
		return pool.BackendFunc(func(ctx context.Context, r *queue.Request) error {
			return nil
		})
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer stopCancel()
		_ = sched.Stop(stopCtx)
		cancel()
	})
	return NewServer(sched)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndStatus(t *testing.T) {
	s := startServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/requests", submitBody{
		ModelID:         "llama-7b",
		Priority:        "high",
		EstimatedTokens: 128,
		Metadata:        map[string]string{"tenant": "acme"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var submitted queue.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.NotEmpty(t, submitted.ID)
	assert.Equal(t, constants.PriorityHigh, submitted.Priority)

	require.Eventually(t, func() bool {
		rec := doJSON(t, s, http.MethodGet, "/v1/requests/"+submitted.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var got queue.Request
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		return got.State == constants.RequestStateCompleted
	}, 3*time.Second, 2*time.Millisecond)
}

func TestSubmitValidationErrors(t *testing.T) {
	s := startServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/requests", submitBody{
		ModelID:  "llama-7b",
		Priority: "platinum",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewBufferString("{not json"))
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestStatusUnknownRequest(t *testing.T) {
	s := startServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/requests/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelUnknownRequest(t *testing.T) {
	s := startServer(t)
	rec := doJSON(t, s, http.MethodDelete, "/v1/requests/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsAndHealth(t *testing.T) {
	s := startServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/requests", submitBody{
		ModelID:  "llama-7b",
		Priority: "normal",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []scheduler.ModelStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "llama-7b", stats[0].ModelID)

	rec = doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDrainEndpoint(t *testing.T) {
	s := startServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/requests", submitBody{
		ModelID:  "llama-7b",
		Priority: "normal",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/models/llama-7b/drain?timeout_secs=1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/models/never-served/drain", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/models/%s/drain?timeout_secs=-1", "llama-7b"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
