package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/orderengine/internal/health"
)

func failingStorage() healthcheck.Checker {
	return healthcheck.NewPingChecker("storage", func(context.Context) error {
		return errors.New("connection refused")
	})
}

func TestServiceMuxRoutes(t *testing.T) {
	t.Parallel()

	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, r.URL.Path)
	})

	tests := []struct {
		name     string
		severity healthcheck.Severity
		path     string
		wantCode int
		wantBody string
	}{
		{name: "liveness ignores checks", severity: healthcheck.Critical, path: "/livez", wantCode: http.StatusOK, wantBody: "ok"},
		{name: "critical failure blocks readiness", severity: healthcheck.Critical, path: "/readyz", wantCode: http.StatusServiceUnavailable},
		{name: "optional failure keeps readiness", severity: healthcheck.Optional, path: "/readyz", wantCode: http.StatusOK, wantBody: "ready"},
		{name: "full report reflects critical failure", severity: healthcheck.Critical, path: "/healthz", wantCode: http.StatusServiceUnavailable},
		{name: "metrics are exposed", severity: healthcheck.Critical, path: "/metrics", wantCode: http.StatusOK},
		{name: "api mounted under v1", severity: healthcheck.Critical, path: "/v1/orders/42", wantCode: http.StatusTeapot, wantBody: "/v1/orders/42"},
		{name: "unknown path", severity: healthcheck.Critical, path: "/orders", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			health := healthcheck.NewHandler("test")
			health.Register("storage", failingStorage(), tt.severity)

			rec := httptest.NewRecorder()
			serviceMux(health, api).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestServiceMuxWithoutAPI(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	serviceMux(healthcheck.NewHandler("test"), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartMetricsServerStopsOnCancel(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := startMetricsServer(ctx, addr, log.WithField("test", "metrics-server"), healthcheck.NewHandler("test"), nil)
	require.NotNil(t, srv)

	url := fmt.Sprintf("http://%s/livez", addr)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return true
		}
		resp.Body.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartMetricsServerBusyAddr(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ListenAndServe падает в горутине; Run при этом не останавливается.
	srv := startMetricsServer(ctx, busy.Addr().String(), log.WithField("test", "metrics-busy"), healthcheck.NewHandler("test"), nil)
	assert.NotNil(t, srv)
}

func TestShutdownHTTP(t *testing.T) {
	t.Run("nil server", func(t *testing.T) {
		assert.NotPanics(t, func() { shutdownHTTP(nil, log.WithField("test", "shutdown")) })
	})

	t.Run("running server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(healthcheck.Live))
		defer srv.Close()

		shutdownHTTP(srv.Config, log.WithField("test", "shutdown"))

		_, err := http.Get(srv.URL)
		assert.Error(t, err)
	})
}

func freeAddr(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}
