package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderengine/internal/storage/postgres"
)

func envOf(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	env := envOf(map[string]string{envPostgresDSN: " postgres://env "})

	tests := []struct {
		name string
		args []string
		want config
	}{
		{"up all", []string{"up"}, config{cmd: commandUp, dsn: "postgres://env", timeout: 30 * time.Second}},
		{"down steps", []string{"DOWN", "2"}, config{cmd: commandDown, steps: 2, dsn: "postgres://env", timeout: 30 * time.Second}},
		{"flags win", []string{"-dsn", "postgres://flag", "-timeout", "5s", "status"}, config{cmd: commandStatus, dsn: "postgres://flag", timeout: 5 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := parseConfig(tt.args, env, io.Discard)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg)
		})
	}
}

func TestParseConfigRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{"no command", nil, map[string]string{envPostgresDSN: "x"}, "command is required"},
		{"unknown command", []string{"sideways"}, map[string]string{envPostgresDSN: "x"}, `unknown command "sideways"`},
		{"bad steps", []string{"up", "-1"}, map[string]string{envPostgresDSN: "x"}, "non-negative"},
		{"status steps", []string{"status", "1"}, map[string]string{envPostgresDSN: "x"}, "status takes no steps"},
		{"extra args", []string{"up", "1", "2"}, map[string]string{envPostgresDSN: "x"}, "unexpected arguments: 2"},
		{"no dsn", []string{"up"}, nil, envPostgresDSN},
		{"zero timeout", []string{"-timeout", "0s", "up"}, map[string]string{envPostgresDSN: "x"}, "-timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseConfig(tt.args, envOf(tt.env), io.Discard)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseConfigHelp(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	_, err := parseConfig([]string{"-h"}, envOf(nil), &out)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, out.String(), "-dsn")
}

type fakeSchema struct {
	calls   []string
	failing error
	version int64
}

func (f *fakeSchema) MigrateUp(_ context.Context, steps int) error {
	f.calls = append(f.calls, "up:"+strconv.Itoa(steps))
	return f.failing
}

func (f *fakeSchema) MigrateDown(_ context.Context, steps int) error {
	f.calls = append(f.calls, "down:"+strconv.Itoa(steps))
	return f.failing
}

func (f *fakeSchema) MigrationStatus(context.Context) (int64, int, error) {
	f.calls = append(f.calls, "status")
	return f.version, int(f.version), nil
}

func TestApply(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		cfg   config
		calls []string
	}{
		{config{cmd: commandUp}, []string{"up:0", "status"}},
		{config{cmd: commandDown, steps: 1}, []string{"down:1", "status"}},
		{config{cmd: commandStatus}, []string{"status"}},
	} {
		db := &fakeSchema{version: 3}
		version, applied, err := apply(context.Background(), db, tt.cfg)
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
		assert.Equal(t, 3, applied)
		assert.Equal(t, tt.calls, db.calls, string(tt.cfg.cmd))
	}

	db := &fakeSchema{failing: errors.New("dirty database")}
	_, _, err := apply(context.Background(), db, config{cmd: commandUp})
	assert.ErrorContains(t, err, "migrate up: dirty database")
	assert.Equal(t, []string{"up:0"}, db.calls, "status is skipped after failure")
}

func TestApplyPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("OE_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("OE_POSTGRES_TEST_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	for _, cfg := range []config{
		{cmd: commandUp},
		{cmd: commandDown, steps: 1},
		{cmd: commandUp},
	} {
		_, _, err := apply(ctx, store, cfg)
		require.NoError(t, err, string(cfg.cmd))
	}
	version, _, err := apply(ctx, store, config{cmd: commandStatus})
	require.NoError(t, err)
	assert.Positive(t, version)
}
