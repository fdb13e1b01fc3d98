package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/counter"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/harvest"
)

var now = time.Date(2024, time.April, 2, 3, 0, 0, 0, time.UTC)

func sushiEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	body, err := os.ReadFile(filepath.Join("..", "..", "pkg", "counter", "testdata", "tr_5.json"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newOrchestrator(t *testing.T, baseURL string, start bool) *harvest.Orchestrator {
	t.Helper()
	registry, err := counter.NewRegistry()
	require.NoError(t, err)

	o, err := harvest.NewOrchestrator(
		harvest.WithRegistry(registry),
		harvest.WithCredentialSource(harvest.StaticCredentials{{
			ID:         "cred-1",
			BaseURL:    baseURL,
			Version:    counter.Version5,
			CustomerID: "cust-42",
		}}),
		harvest.WithSchedules(harvest.Schedule{Name: "monthly", Frequency: "1M", Reports: []string{"tr"}}),
		harvest.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	if start {
		require.NoError(t, o.Start(context.Background()))
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			o.Shutdown(ctx)
		})
	}
	return o
}

type client struct {
	t   *testing.T
	url string
}

func (c client) do(method, path, body string) (int, map[string]any) {
	c.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.url+path, reader)
	require.NoError(c.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestServer(t *testing.T) {
	endpoint := sushiEndpoint(t)
	o := newOrchestrator(t, endpoint.URL, true)

	srv := httptest.NewServer(New(o, WithIntegrationStats(func() map[string]any {
		return map[string]any{"mongo": map[string]any{"inserted": 4}}
	})).Routes())
	defer srv.Close()
	c := client{t: t, url: srv.URL}

	status, body := c.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, body = c.do(http.MethodPost, "/api/v1/runs", "")
	require.Equal(t, http.StatusCreated, status, body)
	runID := body["run"].(map[string]any)["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx, runID))

	t.Run("runs", func(t *testing.T) {
		status, body := c.do(http.MethodGet, "/api/v1/runs/"+runID, "")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "completed", body["status"])
		assert.EqualValues(t, 1, body["succeeded"])
		assert.Equal(t, harvest.TriggerManual, body["trigger"])

		status, body = c.do(http.MethodGet, "/api/v1/runs?status=completed", "")
		require.Equal(t, http.StatusOK, status)
		assert.EqualValues(t, 1, body["count"])

		status, _ = c.do(http.MethodGet, "/api/v1/runs/missing", "")
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = c.do(http.MethodGet, "/api/v1/runs?limit=many", "")
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("jobs", func(t *testing.T) {
		status, body := c.do(http.MethodGet, "/api/v1/jobs?run_id="+runID+"&status=finished", "")
		require.Equal(t, http.StatusOK, status)
		require.EqualValues(t, 1, body["count"])
		job := body["jobs"].([]any)[0].(map[string]any)
		assert.Equal(t, "cred-1", job["credential_id"])
		assert.Equal(t, "tr", job["report_id"])
		jobID := job["id"].(string)

		status, body = c.do(http.MethodGet, "/api/v1/jobs/"+jobID, "")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "finished", body["status"])
		assert.EqualValues(t, 4, body["result"].(map[string]any)["records"])

		// finished jobs can neither be retried nor cancelled
		status, _ = c.do(http.MethodPost, "/api/v1/jobs/"+jobID+"/retry", "")
		assert.Equal(t, http.StatusConflict, status)
		status, _ = c.do(http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", "")
		assert.Equal(t, http.StatusConflict, status)

		status, _ = c.do(http.MethodGet, "/api/v1/jobs/missing", "")
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("trigger", func(t *testing.T) {
		status, body := c.do(http.MethodPost, "/api/v1/runs", `{"force":true}`)
		require.Equal(t, http.StatusOK, status)
		assert.Nil(t, body["run"])
		assert.Equal(t, "nothing due", body["message"])

		status, _ = c.do(http.MethodPost, "/api/v1/runs", `{"schedules":["weekly"]}`)
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = c.do(http.MethodPost, "/api/v1/runs", `{"date":"April 2nd"}`)
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = c.do(http.MethodPost, "/api/v1/runs", `{`)
		assert.Equal(t, http.StatusBadRequest, status)

		// an earlier reference day makes February due
		status, body = c.do(http.MethodPost, "/api/v1/runs", `{"date":"2024-03-15"}`)
		require.Equal(t, http.StatusCreated, status)
		run := body["run"].(map[string]any)
		assert.Equal(t, "2024-02-01T00:00:00Z", run["period_start"])
		require.NoError(t, o.Wait(ctx, run["id"].(string)))
	})

	t.Run("stats", func(t *testing.T) {
		status, body := c.do(http.MethodGet, "/api/v1/stats", "")
		require.Equal(t, http.StatusOK, status)
		h := body["harvest"].(map[string]any)
		assert.EqualValues(t, 2, h["runs_created"])
		assert.EqualValues(t, 2, h["jobs_finished"])
		assert.Contains(t, body["integrations"], "mongo")
	})
}

func TestServerBeforeStart(t *testing.T) {
	o := newOrchestrator(t, "https://sushi.example.org", false)
	srv := httptest.NewServer(New(o).Routes())
	defer srv.Close()

	status, body := client{t: t, url: srv.URL}.do(http.MethodPost, "/api/v1/runs", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body["error"], "not started")
}

func TestServerStartStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(newOrchestrator(t, "https://sushi.example.org", false))

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, "127.0.0.1:0") }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

var _ Harvester = (*harvest.Orchestrator)(nil)
