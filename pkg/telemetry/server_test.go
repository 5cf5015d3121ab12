package telemetry_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soheilrt/play-scraper/pkg/telemetry"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	addr := freeAddr(t)
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := telemetry.NewServer(addr, mux)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- telemetry.Serve(ctx, srv, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	telemetry.WorkerTasksClaimed.Inc()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK &&
			assert.Contains(t, string(body), "crawlkeeper_worker_tasks_claimed_total")
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServe_ListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	srv := telemetry.NewServer(l.Addr().String(), http.NewServeMux())
	err = telemetry.Serve(context.Background(), srv, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestSetState_OnlyOneActive(t *testing.T) {
	states := []string{"idle", "active"}
	telemetry.SetState("active", states)
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.WorkerState.WithLabelValues("active")))

	telemetry.SetState("idle", states)
	assert.Equal(t, 0.0, testutil.ToFloat64(telemetry.WorkerState.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.WorkerState.WithLabelValues("idle")))
}
