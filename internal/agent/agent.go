package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stone-age-io/pigzd/internal/classify"
	"github.com/stone-age-io/pigzd/internal/compressor"
	"github.com/stone-age-io/pigzd/internal/config"
	natsclient "github.com/stone-age-io/pigzd/internal/nats"
	"github.com/stone-age-io/pigzd/internal/orchestrator"
	"github.com/stone-age-io/pigzd/internal/probe"
	"github.com/stone-age-io/pigzd/internal/scheduler"
	"github.com/stone-age-io/pigzd/internal/store"
	"github.com/stone-age-io/pigzd/internal/strategy"
	"github.com/stone-age-io/pigzd/internal/tasks"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	mib = 1 << 20

	// finalPublishTimeout bounds the acked publish of batches that finish
	// while the agent shuts down
	finalPublishTimeout = 5 * time.Second
)

// eventPublisher sends batch events to JetStream
type eventPublisher interface {
	Publish(subject string, data []byte) error
	PublishSync(subject string, data []byte, timeout time.Duration) error
}

// Agent is the long-running daemon: scheduled jobs plus the optional NATS
// command transport
type Agent struct {
	config    *config.Config
	logger    *zap.Logger
	driver    *orchestrator.Driver
	store     *store.Store
	nats      *natsclient.Client
	events    eventPublisher
	handlers  *natsclient.CommandHandlers
	scheduler *scheduler.Scheduler
	version   string
	ctx       context.Context
	cancel    context.CancelFunc
}

// New loads the configuration at configPath and builds every component
func New(configPath string, version string) (*Agent, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := InitLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting pigzd",
		zap.String("version", version),
		zap.String("device_id", cfg.DeviceID))

	driver, err := NewDriver(cfg, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		config:  cfg,
		logger:  logger,
		driver:  driver,
		version: version,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := a.connect(); err != nil {
		cancel()
		return nil, multierr.Append(err, a.closeResources())
	}
	return a, nil
}

// connect opens the history store and NATS and registers scheduled jobs
func (a *Agent) connect() error {
	cfg := a.config

	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		a.store = st
		a.logger.Info("History store opened", zap.String("path", cfg.Store.Path))
	}

	// Left as a nil interface when NATS is off so no heartbeat job is made
	var publisher scheduler.Publisher
	if cfg.NATS.Enabled {
		client, err := natsclient.NewClient(&cfg.NATS, a.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.nats = client
		a.events = client
		publisher = client

		a.handlers = natsclient.NewCommandHandlers(a.logger, cfg.SubjectPrefix, cfg.DeviceID, a.driver, a.recordBatch)
		if err := a.handlers.SubscribeAll(a.ctx, client); err != nil {
			return fmt.Errorf("failed to subscribe to commands: %w", err)
		}
	} else {
		a.logger.Info("NATS disabled; running scheduled jobs only")
	}

	sched, err := scheduler.New(a.ctx, a.logger, cfg, a.driver, publisher, a.recordBatch, a.version)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	a.scheduler = sched
	return nil
}

// NewDriver builds the batch pipeline from configuration
func NewDriver(cfg *config.Config, logger *zap.Logger) (*orchestrator.Driver, error) {
	p, err := probe.New(cfg.Probe.Source, cfg.Probe.ExporterURL, logger, probe.NewHTTPClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create resource probe: %w", err)
	}

	comp, err := compressor.New(cfg.Compressor.Backend, cfg.Compressor.Binary, cfg.Compressor.Format, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	executor := tasks.NewExecutor(logger, comp, p, cfg.Compressor.TaskTimeout)
	selector := strategy.NewSelector(StrategyConfig(cfg), 0, logger)

	return orchestrator.New(logger, executor, classify.New(logger), selector, cfg.Strategy.DefaultLevel), nil
}

// StrategyConfig converts the megabyte settings to selector tunables
func StrategyConfig(cfg *config.Config) strategy.Config {
	return strategy.Config{
		BaseThresholdBytes: cfg.Strategy.BaseThresholdMB * mib,
		MemoryFloorBytes:   cfg.Strategy.MemoryFloorMB * mib,
		MinThresholdBytes:  cfg.Strategy.MinThresholdMB * mib,
		LevelAdjustment:    cfg.Strategy.LevelAdjustment,
	}
}

// recordBatch stores a finished batch and publishes it as an event
func (a *Agent) recordBatch(ctx context.Context, resp *orchestrator.BatchResponse) {
	if a.store != nil {
		// A cancelled batch is still recorded
		if err := a.store.SaveBatch(context.WithoutCancel(ctx), resp); err != nil {
			a.logger.Warn("Failed to save batch history",
				zap.String("batch_id", resp.BatchID),
				zap.Error(err))
		}
	}

	if a.events == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		a.logger.Error("Failed to marshal batch event", zap.Error(err))
		return
	}
	subject := natsclient.Subject(a.config.SubjectPrefix, a.config.DeviceID, "batches")

	// Once shutdown began the connection drains right after, so wait for the ack
	if a.ctx.Err() != nil {
		err = a.events.PublishSync(subject, data, finalPublishTimeout)
	} else {
		err = a.events.Publish(subject, data)
	}
	if err != nil {
		a.logger.Warn("Failed to publish batch event",
			zap.String("batch_id", resp.BatchID),
			zap.Error(err))
	}
}

// Start starts the scheduled jobs and returns
func (a *Agent) Start() {
	a.scheduler.Start()
	a.logger.Info("Agent running",
		zap.String("device_id", a.config.DeviceID),
		zap.String("version", a.version),
		zap.String("compressor", a.driver.Executor().Compressor().Name()))
}

// Run starts the agent and blocks until a shutdown signal
func (a *Agent) Run() error {
	a.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		a.logger.Info("Received shutdown signal")
	case <-a.ctx.Done():
		a.logger.Info("Context cancelled")
	}

	return a.Shutdown()
}

// Shutdown cancels running batches, stops the scheduler and releases
// connections
func (a *Agent) Shutdown() error {
	a.logger.Info("Shutting down agent gracefully")
	a.cancel()

	var err error
	if a.scheduler != nil {
		err = multierr.Append(err, a.scheduler.Shutdown())
	}
	err = multierr.Append(err, a.closeResources())

	if err != nil {
		a.logger.Error("Errors during shutdown", zap.Error(err))
	} else {
		a.logger.Info("Agent shutdown complete")
	}
	_ = a.logger.Sync()
	return err
}

func (a *Agent) closeResources() error {
	var err error
	if a.nats != nil {
		err = multierr.Append(err, a.nats.Drain(a.config.NATS.DrainTimeout))
		a.nats = nil
		a.events = nil
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
		a.store = nil
	}
	return err
}

// InitLogger creates the process logger: JSON to a rotated file and
// console output on stdout
func InitLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stdout), level),
	}

	if cfg.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     28, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(fileWriter), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
