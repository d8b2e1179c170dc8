package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/glimte/rabbit-patterns/health"
	"github.com/glimte/rabbit-patterns/internal/config"
	"github.com/glimte/rabbit-patterns/internal/logging"
	"github.com/glimte/rabbit-patterns/internal/memorybroker"
	"github.com/glimte/rabbit-patterns/internal/metrics"
	"github.com/glimte/rabbit-patterns/internal/rabbitmq"
	"github.com/glimte/rabbit-patterns/patterns"
)

// flags holds the global command-line flags
type flags struct {
	configPath  string
	envFile     string
	url         string
	logLevel    string
	logFormat   string
	logFile     string
	metricsAddr string
	inMemory    bool
}

// app is the state shared by every command of one invocation
type app struct {
	fs    afero.Fs
	flags flags

	cfg       config.Config
	logger    *slog.Logger
	logCloser io.Closer
	collector *metrics.Collector
	server    *metrics.Server
	registry  *health.Registry
	memory    *memorybroker.Broker
	conn      *rabbitmq.ConnectionManager
}

func newApp(fs afero.Fs) *app {
	return &app{
		fs:       fs,
		logger:   slog.Default(),
		registry: health.NewRegistry(),
	}
}

// setup loads the configuration and applies the flags the user set; flags
// win over the environment, which wins over the file.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.fs, a.flags.configPath, a.flags.envFile, os.LookupEnv)
	if err != nil {
		return err
	}

	changed := cmd.Flags().Changed
	if changed("url") {
		cfg.Broker.URL = a.flags.url
	}
	if changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = a.flags.logFormat
	}
	if changed("log-file") {
		cfg.Log.File = a.flags.logFile
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = a.flags.metricsAddr
	}
	if changed("in-memory") {
		cfg.Broker.InMemory = a.flags.inMemory
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.logger = logger
	a.logCloser = closer
	slog.SetDefault(logger)

	a.collector = metrics.NewCollector()
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, a.collector.Handler())
		mux.Handle("/healthz", health.NewHandler(a.registry, 5*time.Second))

		server, err := metrics.Listen(cfg.Metrics.Addr, mux, logger)
		if err != nil {
			return err
		}
		a.server = server
	}

	return nil
}

// connect opens the broker session; the in-memory broker stands in for a
// real one when configured
func (a *app) connect(ctx context.Context) (*rabbitmq.ConnectionManager, error) {
	opts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(a.logger),
		rabbitmq.WithAMQPConfig(a.cfg.AMQPConfig()),
	}
	if timeout := a.cfg.Broker.DialTimeout.Std(); timeout > 0 {
		opts = append(opts, rabbitmq.WithDialTimeout(timeout))
	}

	if a.cfg.Broker.InMemory {
		a.memory = memorybroker.New(memorybroker.WithLogger(a.logger))
		opts = append(opts, rabbitmq.WithDialer(a.memory.Dial))
		a.logger.Warn("using the in-memory broker; nothing leaves this process")
	}

	conn := rabbitmq.NewConnectionManager(a.cfg.Broker.URL, opts...)
	conn.AddStateListener(a.collector)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	a.conn = conn

	a.registry.Register(health.NewBrokerChecker(conn))
	return conn, nil
}

// fanout returns the fanout pattern with the configured entity names
func (a *app) fanout() patterns.Pattern {
	return patterns.FanoutOf(a.cfg.Fanout.Exchange, a.cfg.Fanout.Queues...)
}

func (a *app) runner(conn *rabbitmq.ConnectionManager, pattern patterns.Pattern) *patterns.Runner {
	opts := []patterns.RunnerOption{
		patterns.WithRunnerLogger(a.logger),
		patterns.WithRunnerRecorder(a.collector),
	}
	if timeout := a.cfg.Harness.ConfirmTimeout.Std(); timeout > 0 {
		opts = append(opts, patterns.WithPublisherConfirms(timeout))
	}
	return patterns.NewRunner(conn, pattern, opts...)
}

// close releases everything setup and connect acquired
func (a *app) close() error {
	var errs []error

	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
