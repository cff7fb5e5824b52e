// Package scheduler runs the daemon's periodic jobs: the heartbeat and the
// watch folders.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/stone-age-io/pigzd/internal/config"
	natsclient "github.com/stone-age-io/pigzd/internal/nats"
	"github.com/stone-age-io/pigzd/internal/orchestrator"
	"github.com/stone-age-io/pigzd/internal/probe"
	"github.com/stone-age-io/pigzd/internal/tasks"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// heartbeatSampleWindow is the CPU sampling interval for heartbeats
const heartbeatSampleWindow = time.Second

// Publisher publishes telemetry events
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Scheduler owns the gocron scheduler and its jobs
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *zap.Logger
	config    *config.Config
	driver    *orchestrator.Driver
	publisher Publisher
	onBatch   natsclient.BatchFunc
	version   string
}

// Heartbeat is the periodic liveness event
type Heartbeat struct {
	DeviceID     string                   `json:"device_id"`
	Version      string                   `json:"version"`
	Timestamp    string                   `json:"timestamp"`
	Compressor   string                   `json:"compressor"`
	Resources    probe.Payload            `json:"resources"`
	AgentMetrics *tasks.AgentMetrics      `json:"agent_metrics"`
	TaskMetrics  *tasks.TaskHealthMetrics `json:"task_metrics"`
}

// New creates the scheduler and registers the configured jobs. publisher
// and onBatch may be nil; without a publisher no heartbeat job is created.
// Jobs stop when ctx is cancelled.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config, driver *orchestrator.Driver, publisher Publisher, onBatch natsclient.BatchFunc, version string) (*Scheduler, error) {
	gs, err := gocron.NewScheduler(gocron.WithLogger(zapLogger{logger.Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Scheduler{
		scheduler: gs,
		logger:    logger,
		config:    cfg,
		driver:    driver,
		publisher: publisher,
		onBatch:   onBatch,
		version:   version,
	}

	if err := s.registerJobs(ctx); err != nil {
		return nil, multierr.Append(err, gs.Shutdown())
	}
	return s, nil
}

func (s *Scheduler) registerJobs(ctx context.Context) error {
	hb := s.config.Tasks.Heartbeat
	if hb.Enabled && s.publisher != nil {
		if err := s.addJob(ctx, "heartbeat", hb.Interval, s.publishHeartbeat); err != nil {
			return err
		}
		s.logger.Info("Heartbeat job registered", zap.Duration("interval", hb.Interval))
	}

	for _, w := range s.config.Tasks.Watch {
		w := w
		name := "watch:" + w.Path
		if err := s.addJob(ctx, name, w.Interval, func(ctx context.Context) error {
			return s.runWatch(ctx, w)
		}); err != nil {
			return err
		}
		s.logger.Info("Watch job registered",
			zap.String("path", w.Path),
			zap.Duration("interval", w.Interval),
			zap.Bool("decompress", w.Decompress))
	}

	return nil
}

// addJob registers a singleton interval job. A run still in progress when
// the next one is due causes that run to be skipped.
func (s *Scheduler) addJob(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithEventListeners(
			gocron.AfterJobRunsWithError(func(_ uuid.UUID, jobName string, err error) {
				s.logger.Error("Scheduled job failed",
					zap.String("job", jobName),
					zap.Error(err))
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to register %s job: %w", name, err)
	}
	return nil
}

// Start starts running jobs
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.scheduler.Jobs())))
}

// Shutdown stops the scheduler and waits for running jobs
func (s *Scheduler) Shutdown() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) publishHeartbeat(ctx context.Context) error {
	executor := s.driver.Executor()
	snap := probe.SampleWindow(ctx, executor.Probe(), heartbeatSampleWindow)

	hb := Heartbeat{
		DeviceID:     s.config.DeviceID,
		Version:      s.version,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Compressor:   executor.Compressor().Name(),
		Resources:    snap.Payload(),
		AgentMetrics: executor.GetAgentMetrics(),
		TaskMetrics:  executor.GetTaskMetrics(),
	}

	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	subject := natsclient.Subject(s.config.SubjectPrefix, s.config.DeviceID, "heartbeat")
	if err := s.publisher.Publish(subject, data); err != nil {
		return err
	}

	executor.RecordHeartbeat()
	return nil
}

// runWatch processes every eligible file in a watch folder as one batch
func (s *Scheduler) runWatch(ctx context.Context, w config.WatchConfig) error {
	paths, err := s.driver.ScanFolder(w.Path, w.Decompress)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", w.Path, err)
	}
	s.driver.Executor().RecordWatchRun()

	if len(paths) == 0 {
		s.logger.Debug("Watch folder has nothing to process", zap.String("path", w.Path))
		return nil
	}

	resp, err := s.driver.Run(ctx, orchestrator.BatchRequest{
		Paths:      paths,
		Level:      w.Level,
		Decompress: w.Decompress,
	})
	if err != nil {
		return fmt.Errorf("watch batch for %s failed: %w", w.Path, err)
	}

	if s.onBatch != nil {
		s.onBatch(ctx, resp)
	}
	return nil
}

// zapLogger adapts zap to the gocron logger interface
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l zapLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
func (l zapLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l zapLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
