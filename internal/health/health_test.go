package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logcollector/internal/types"
)

type fakeSources struct{}

func (fakeSources) Snapshot() map[string]types.SourceStats {
	return map[string]types.SourceStats{"src1": {QueueSize: 1, ActiveWorkers: 1}}
}

func TestConfigureSendsHeartbeatAndRequiresOK(t *testing.T) {
	var received types.HECEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "text/plain; charset=utf-8", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter(logrus.New(), fakeSources{})
	err := r.Configure(context.Background(), types.HealthConfig{HECURL: srv.URL, HECToken: "tok", IntervalSeconds: 1})
	require.NoError(t, err)
	assert.Equal(t, "Heartbeat", received.Source)
}

func TestConfigureFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	r := NewReporter(logrus.New(), fakeSources{})
	err := r.Configure(context.Background(), types.HealthConfig{HECURL: srv.URL, HECToken: "tok", IntervalSeconds: 1})
	require.Error(t, err)
}

func TestLoopPostsPeriodically(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter(logrus.New(), fakeSources{})
	require.NoError(t, r.Configure(context.Background(), types.HealthConfig{HECURL: srv.URL, HECToken: "tok", IntervalSeconds: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 2 }, 5*time.Second, 50*time.Millisecond)
}
