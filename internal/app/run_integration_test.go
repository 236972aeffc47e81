package app

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/orderengine/internal/health"
)

func localConfig() Config {
	cfg := DefaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	return cfg
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := Run(ctx, localConfig())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunRejectsConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "storage driver", mutate: func(c *Config) { c.StorageDriver = "invalid-driver" }, want: "unsupported storage driver"},
		{name: "timezone", mutate: func(c *Config) { c.Timezone = "Nowhere/City" }, want: "Nowhere/City"},
		{name: "postgres dsn", mutate: func(c *Config) { c.StorageDriver = StorageDriverPostgres }, want: "PostgresDSN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := localConfig()
			tt.mutate(&cfg)

			err := Run(context.Background(), cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRuntimeDependenciesPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("OE_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("OE_POSTGRES_TEST_DSN is not set")
	}

	cfg := localConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresMaxConns = 4

	logger := log.WithField("test", "postgres-deps")
	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer deps.close(logger)

	assert.NotNil(t, deps.repo)
	assert.NotNil(t, deps.outboxRepo)
	assert.NotNil(t, deps.timelineRepo)
	assert.NotNil(t, deps.idempotencyRepo)
	assert.Equal(t, healthcheck.StatusHealthy, deps.storageChecker.Check(context.Background()).Status)
}
