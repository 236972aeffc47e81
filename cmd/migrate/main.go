// Команда migrate управляет схемой PostgreSQL движка заказов.
//
//	migrate [-dsn DSN] [-timeout 30s] up|down|status [steps]
//
// up без steps применяет все миграции, down без steps откатывает одну.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/storage/postgres"
)

const envPostgresDSN = "OE_POSTGRES_DSN"

type command string

const (
	commandUp     command = "up"
	commandDown   command = "down"
	commandStatus command = "status"
)

type config struct {
	cmd     command
	steps   int
	dsn     string
	timeout time.Duration
}

// schema — операции Store, нужные команде.
type schema interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (int64, int, error)
}

func parseConfig(args []string, getenv func(string) string, output io.Writer) (config, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(output)

	cfg := config{}
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN, default $"+envPostgresDSN)
	fs.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	var errs []error
	rest := fs.Args()
	switch {
	case len(rest) == 0:
		errs = append(errs, errors.New("command is required: up, down or status"))
	case len(rest) > 2:
		errs = append(errs, fmt.Errorf("unexpected arguments: %s", strings.Join(rest[2:], " ")))
	}
	if len(rest) > 0 {
		cfg.cmd = command(strings.ToLower(rest[0]))
		switch cfg.cmd {
		case commandUp, commandDown, commandStatus:
		default:
			errs = append(errs, fmt.Errorf("unknown command %q", rest[0]))
		}
	}
	if len(rest) > 1 {
		steps, err := strconv.Atoi(rest[1])
		if err != nil || steps < 0 {
			errs = append(errs, fmt.Errorf("steps must be a non-negative integer, got %q", rest[1]))
		}
		cfg.steps = steps
	}
	if cfg.cmd == commandStatus && cfg.steps != 0 {
		errs = append(errs, errors.New("status takes no steps"))
	}
	cfg.dsn = strings.TrimSpace(cfg.dsn)
	if cfg.dsn == "" {
		cfg.dsn = strings.TrimSpace(getenv(envPostgresDSN))
	}
	if cfg.dsn == "" {
		errs = append(errs, fmt.Errorf("-dsn or %s is required", envPostgresDSN))
	}
	if cfg.timeout <= 0 {
		errs = append(errs, errors.New("-timeout must be positive"))
	}
	return cfg, errors.Join(errs...)
}

// apply выполняет команду и возвращает итоговую версию схемы и число применённых миграций.
func apply(ctx context.Context, db schema, cfg config) (int64, int, error) {
	var err error
	switch cfg.cmd {
	case commandUp:
		err = db.MigrateUp(ctx, cfg.steps)
	case commandDown:
		err = db.MigrateDown(ctx, cfg.steps)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("migrate %s: %w", cfg.cmd, err)
	}
	return db.MigrationStatus(ctx)
}

func main() {
	logger := log.WithField("component", "migrate")

	cfg, err := parseConfig(os.Args[1:], os.Getenv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logger.WithError(err).Fatal("invalid arguments")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("migration failed")
	}
}

func run(ctx context.Context, cfg config, logger *log.Entry) error {
	store, err := postgres.Open(ctx, cfg.dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer store.Close()

	version, applied, err := apply(ctx, store, cfg)
	if err != nil {
		return err
	}
	logger.WithFields(log.Fields{"command": cfg.cmd, "version": version, "applied": applied}).Info("schema migrated")
	return nil
}
