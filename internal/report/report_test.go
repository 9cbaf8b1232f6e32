package report

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbot/internal/logger"
	"syncbot/internal/models"
)

func TestPush_PostsResult(t *testing.T) {
	var (
		gotAuth string
		gotPath string
		got     models.Result
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	p := NewPusher(Options{BaseURL: server.URL + "/", Token: "secret", Logger: logger.Discard()})
	res := &models.Result{RunID: "run-1", UserID: "u1", Step: models.StepEnd, Summary: "Sync completed"}
	res.Phase("attach").Created = 3
	p.Push(context.Background(), res)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/syncbot/result", gotPath)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, models.StepEnd, got.Step)
	require.Contains(t, got.Counts, "attach")
	assert.Equal(t, 3, got.Counts["attach"].Created)
}

func TestPush_FailureIsLogged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer server.Close()

	var buf bytes.Buffer
	p := NewPusher(Options{BaseURL: server.URL, Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	p.Push(context.Background(), &models.Result{UserID: "u1"})

	assert.Contains(t, buf.String(), "Failed to push sync result")
	assert.Contains(t, buf.String(), "502")
}

func TestPush_DisabledWithoutURL(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	p := NewPusher(Options{Logger: logger.Discard()})
	p.Push(context.Background(), &models.Result{UserID: "u1"})
	assert.Zero(t, calls.Load())
}
