package dispatch_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexfarlander/stitch-run-sub010/pkg/dispatch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWebhookDispatcher_DeliversPayload(t *testing.T) {
	var received dispatch.Dispatch

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "run-1", r.Header.Get("X-Stitch-Run-ID"))
		assert.Equal(t, "enrich_2", r.Header.Get("X-Stitch-Node-Key"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	d := dispatch.NewWebhookDispatcher(testLogger())

	err := d.Dispatch(t.Context(), dispatch.Dispatch{
		RunID:      "run-1",
		NodeKey:    "enrich_2",
		WorkerType: "enrich",
		Config:     map[string]any{"webhook_url": server.URL},
		Input:      map[string]any{"lead": "acme"},
	})
	require.NoError(t, err)

	assert.Equal(t, "run-1", received.RunID)
	assert.Equal(t, "enrich_2", received.NodeKey)
	assert.Equal(t, "enrich", received.WorkerType)
	assert.Equal(t, map[string]any{"lead": "acme"}, received.Input)
}

func TestWebhookDispatcher_MissingURL(t *testing.T) {
	d := dispatch.NewWebhookDispatcher(testLogger())

	err := d.Dispatch(t.Context(), dispatch.Dispatch{
		RunID:   "run-1",
		NodeKey: "a",
		Config:  map[string]any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook_url")
}

func TestWebhookDispatcher_WorkerRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := dispatch.NewWebhookDispatcher(testLogger())

	err := d.Dispatch(t.Context(), dispatch.Dispatch{
		RunID:   "run-1",
		NodeKey: "a",
		Config:  map[string]any{"webhook_url": server.URL},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
