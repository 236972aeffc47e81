// Команда dlq-reprocess перечитывает DLQ и возвращает события в рабочий топик.
// По умолчанию работает в режиме dry-run и только печатает кандидатов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/messaging/kafka"
)

const (
	envKafkaBrokers = "OE_KAFKA_BROKERS"

	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func (c config) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:], os.Getenv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.WithError(err).Fatal("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("dlq replay failed")
	}
	log.WithFields(summary.fields()).WithField("mode", cfg.mode()).Info("dlq replay finished")
}

func parseConfig(args []string, getenv func(string) string, output io.Writer) (config, error) {
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		cfg     config
		brokers string
	)
	fs.StringVar(&brokers, "brokers", "", "comma separated kafka brokers, defaults to "+envKafkaBrokers)
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "topic to read dead letters from")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "topic for records without original topic")
	fs.IntVar(&cfg.limit, "limit", defaultLimit, "max records to scan across all partitions")
	fs.BoolVar(&cfg.execute, "execute", false, "publish records instead of printing them")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "start each partition from the last limit records")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this long without messages")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv(envKafkaBrokers)
	}
	cfg.brokers = splitList(brokers)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)

	var problems []error
	if len(cfg.brokers) == 0 {
		problems = append(problems, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers))
	}
	if cfg.sourceTopic == "" || cfg.targetTopic == "" {
		problems = append(problems, errors.New("source and target topics must not be empty"))
	}
	if cfg.sourceTopic != "" && cfg.sourceTopic == cfg.targetTopic {
		problems = append(problems, errors.New("source and target topics must differ"))
	}
	if cfg.limit <= 0 {
		problems = append(problems, errors.New("limit must be positive"))
	}
	if cfg.idleTimeout <= 0 {
		problems = append(problems, errors.New("idle-timeout must be positive"))
	}
	if err := errors.Join(problems...); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// run подключается к Kafka, а в режиме execute ещё и создаёт producer.
func run(ctx context.Context, cfg config) (summary, error) {
	src, err := dialSource(cfg.brokers)
	if err != nil {
		return summary{}, err
	}
	defer closeQuietly("source", src)

	var sink recordSink = dryRunSink{logger: log.WithField("component", "dlq-replay")}
	if cfg.execute {
		producer, err := kafka.NewProducer(cfg.brokers)
		if err != nil {
			return summary{}, err
		}
		defer closeQuietly("producer", producer)
		sink = producer
	}

	return newReplayer(src, sink, cfg).Run(ctx)
}

func closeQuietly(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.WithError(err).WithField("resource", name).Warn("close failed")
	}
}
