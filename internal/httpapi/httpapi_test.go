package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"logcollector/internal/types"
)

type fakeStatus struct {
	sources   map[string]types.SourceStats
	listeners map[int]string
}

func (f fakeStatus) SourceStats() map[string]types.SourceStats { return f.sources }
func (f fakeStatus) ListenerStatus() map[int]string            { return f.listeners }

func TestHealthzReturnsOK(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	srv := New("127.0.0.1:0", logger, fakeStatus{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestStatusReflectsProvider(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	status := fakeStatus{
		sources:   map[string]types.SourceStats{"src1": {QueueSize: 3, Port: 5514}},
		listeners: map[int]string{5514: "udp"},
	}
	srv := New("127.0.0.1:0", logger, status)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Sources["src1"].QueueSize)
	require.Equal(t, "udp", resp.Listeners[5514])
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	srv := New("127.0.0.1:0", logger, fakeStatus{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
