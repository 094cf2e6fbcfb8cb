package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"floodworker/pkg/resilience"
)

type received struct {
	apiKey        string
	hydrograph    string
	hydrographFn  string
	tide          string
	hasTide       bool
	executionTime string
}

func workerServer(t *testing.T, status int, reply any, got *received) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/model-worker/execute", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		if got != nil {
			got.apiKey = r.Header.Get("X-API-Key")
			got.executionTime = r.FormValue("executionTime")
			f, h, err := r.FormFile("hydrographFile")
			require.NoError(t, err)
			b, _ := io.ReadAll(f)
			got.hydrograph, got.hydrographFn = string(b), h.Filename
			if f, _, err := r.FormFile("tideFile"); err == nil {
				b, _ := io.ReadAll(f)
				got.tide, got.hasTide = string(b), true
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute_Success(t *testing.T) {
	var got received
	srv := workerServer(t, http.StatusOK, map[string]any{
		"success": true, "message": "ok", "pltData": "DATA",
	}, &got)
	c := NewClient(srv.URL+"/model-worker/", "k-1", 5*time.Second)

	resp, err := c.Execute(context.Background(), Request{
		Hydrograph:    []byte("H1"),
		Tide:          []byte("T1"),
		ExecutionTime: "120",
	})

	require.NoError(t, err)
	assert.Equal(t, "DATA", resp.PltData)
	assert.Equal(t, "k-1", got.apiKey)
	assert.Equal(t, "H1", got.hydrograph)
	assert.Equal(t, HydrographFilename, got.hydrographFn)
	assert.True(t, got.hasTide)
	assert.Equal(t, "T1", got.tide)
	assert.Equal(t, "120", got.executionTime)
}

func TestExecute_NoTide(t *testing.T) {
	var got received
	srv := workerServer(t, http.StatusOK, map[string]any{"success": true, "pltData": "X"}, &got)
	c := NewClient(srv.URL+"/model-worker", "", 5*time.Second)

	_, err := c.Execute(context.Background(), Request{Hydrograph: []byte("H1"), ExecutionTime: "60"})

	require.NoError(t, err)
	assert.False(t, got.hasTide)
	assert.Empty(t, got.apiKey)
}

func TestExecute_WorkerReportedFailureDoesNotTrip(t *testing.T) {
	srv := workerServer(t, http.StatusInternalServerError, map[string]any{
		"success":   false,
		"errorKind": "ExecutionFailed",
		"message":   "model execution failed with code 2",
		"details":   "bad input",
	}, nil)
	c := NewClient(srv.URL+"/model-worker", "", 5*time.Second)

	for i := 0; i < 10; i++ {
		_, err := c.Execute(context.Background(), Request{Hydrograph: []byte("H1")})
		var we *WorkerError
		require.True(t, errors.As(err, &we))
		assert.Equal(t, http.StatusInternalServerError, we.StatusCode)
		assert.Equal(t, "ExecutionFailed", we.Kind)
		assert.Equal(t, "bad input", we.Details)
	}
	assert.Equal(t, resilience.CircuitClosed.String(), c.Breaker().State)
}

func TestExecute_UnreachableOpensBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := NewClient(url+"/model-worker", "", time.Second)

	for i := 0; i < resilience.DefaultCircuitBreakerConfig().FailureThreshold; i++ {
		_, err := c.Execute(context.Background(), Request{Hydrograph: []byte("H1")})
		assert.ErrorIs(t, err, ErrUnavailable)
	}

	_, err := c.Execute(context.Background(), Request{Hydrograph: []byte("H1")})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestExecute_NonJSONReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<html>bad gateway</html>", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", time.Second)

	_, err := c.Execute(context.Background(), Request{Hydrograph: []byte("H1")})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model-worker/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"UP"}`))
	}))
	defer srv.Close()

	assert.NoError(t, NewClient(srv.URL+"/model-worker", "", time.Second).Health(context.Background()))
	assert.ErrorIs(t, NewClient(srv.URL+"/elsewhere", "", time.Second).Health(context.Background()), ErrUnavailable)
}
