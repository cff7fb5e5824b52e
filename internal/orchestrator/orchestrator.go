// Package orchestrator drives a batch from request to ordered results:
// expand inputs, classify, plan, execute under the plan's concurrency
// policy and aggregate resource usage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stone-age-io/pigzd/internal/classify"
	"github.com/stone-age-io/pigzd/internal/probe"
	"github.com/stone-age-io/pigzd/internal/strategy"
	"github.com/stone-age-io/pigzd/internal/tasks"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrEmptyRequest is returned for a batch without input paths
var ErrEmptyRequest = errors.New("batch request has no paths")

// BatchRequest is one client-initiated batch
type BatchRequest struct {
	Paths      []string `json:"paths"`
	Level      int      `json:"level,omitempty"`
	Decompress bool     `json:"decompress,omitempty"`

	// Threads overrides the lane budget when > 0
	Threads int `json:"threads,omitempty"`
}

// BatchResponse carries one result per expanded input, in input order.
// Duplicate and colliding inputs keep their slot with a failed result.
type BatchResponse struct {
	BatchID          string                 `json:"batch_id"`
	Operation        tasks.Operation        `json:"operation"`
	Mode             strategy.Mode          `json:"mode,omitempty"`
	Threshold        int64                  `json:"threshold_bytes,omitempty"`
	ConcurrencyLimit int                    `json:"concurrency_limit,omitempty"`
	LogicalCPUs      int                    `json:"logical_cpus"`
	Results          []tasks.TaskResult     `json:"results"`
	UsageBefore      probe.ResourceSnapshot `json:"usage_before"`
	UsageAfter       probe.ResourceSnapshot `json:"usage_after"`
	Usage            probe.Usage            `json:"usage"`
	StartedAt        time.Time              `json:"started_at"`
	Duration         time.Duration          `json:"duration_ns"`
}

// Counts tallies results by status
func (r *BatchResponse) Counts() (succeeded, failed, cancelled int) {
	for _, res := range r.Results {
		switch res.Status {
		case tasks.StatusSuccess:
			succeeded++
		case tasks.StatusCancelled:
			cancelled++
		default:
			failed++
		}
	}
	return succeeded, failed, cancelled
}

// Driver runs batches. It is safe for concurrent use; concurrent batches
// share the executor's counters but not their plans.
type Driver struct {
	logger       *zap.Logger
	executor     *tasks.Executor
	classifier   *classify.Classifier
	selector     *strategy.Selector
	defaultLevel int
}

// New creates a driver. defaultLevel applies to requests without a level.
func New(logger *zap.Logger, executor *tasks.Executor, classifier *classify.Classifier, selector *strategy.Selector, defaultLevel int) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultLevel < strategy.MinLevel || defaultLevel > strategy.MaxLevel {
		defaultLevel = 6
	}
	return &Driver{
		logger:       logger,
		executor:     executor,
		classifier:   classifier,
		selector:     selector,
		defaultLevel: defaultLevel,
	}
}

// Executor returns the task executor batches run on
func (d *Driver) Executor() *tasks.Executor {
	return d.executor
}

// Run executes a batch. The error return is reserved for batch-level
// preconditions (empty request, invalid level, compressor unavailable);
// per-input failures are reported in the results.
func (d *Driver) Run(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	if len(req.Paths) == 0 {
		return nil, ErrEmptyRequest
	}

	op := tasks.OperationCompress
	if req.Decompress {
		op = tasks.OperationDecompress
	} else {
		if req.Level == 0 {
			req.Level = d.defaultLevel
		}
		if req.Level < strategy.MinLevel || req.Level > strategy.MaxLevel {
			return nil, fmt.Errorf("compression level %d out of range [%d,%d]", req.Level, strategy.MinLevel, strategy.MaxLevel)
		}
	}
	if req.Threads < 0 {
		return nil, fmt.Errorf("thread override must be positive, got %d", req.Threads)
	}

	comp := d.executor.Compressor()
	if err := comp.Check(ctx); err != nil {
		return nil, &tasks.SpawnError{Tool: comp.Name(), Err: err}
	}

	resp := &BatchResponse{
		BatchID:     uuid.NewString(),
		Operation:   op,
		LogicalCPUs: d.selector.LogicalCPUs(),
		StartedAt:   time.Now(),
	}
	logger := d.logger.With(zap.String("batch_id", resp.BatchID))

	inputs := d.expandInputs(req.Paths, req.Decompress)
	d.markConflicts(inputs, op)
	resp.Results = make([]tasks.TaskResult, len(inputs))

	// slots[i] is the result index of the i-th classified file
	var (
		files []classify.Info
		slots []int
	)
	for i, in := range inputs {
		err := in.err
		var info classify.Info
		if err == nil {
			info, err = d.classifier.Classify(in.path)
		}
		if err != nil {
			logger.Warn("Input rejected", zap.String("path", in.path), zap.Error(err))
			resp.Results[i] = tasks.FailedResult(in.path, op, err)
			d.executor.RecordResult(resp.Results[i])
			continue
		}
		files = append(files, info)
		slots = append(slots, i)
	}

	sampleCtx := context.WithoutCancel(ctx)
	resp.UsageBefore = d.executor.Probe().Sample(sampleCtx)

	if len(files) > 0 {
		plan, err := d.selector.Plan(strategy.Request{
			Files:      files,
			Snapshot:   resp.UsageBefore,
			Level:      req.Level,
			Decompress: req.Decompress,
			Threads:    req.Threads,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to plan batch: %w", err)
		}

		resp.Mode = plan.Mode
		resp.Threshold = plan.Threshold
		resp.ConcurrencyLimit = plan.ConcurrencyLimit

		logger.Info("Starting batch",
			zap.String("operation", string(op)),
			zap.String("mode", string(plan.Mode)),
			zap.Int("tasks", len(plan.Tasks)),
			zap.Int("concurrency_limit", plan.ConcurrencyLimit))

		d.execute(ctx, plan, func(i int, res tasks.TaskResult) {
			resp.Results[slots[i]] = res
		})
	}

	resp.UsageAfter = d.executor.Probe().Sample(sampleCtx)
	resp.Usage = probe.Delta(resp.UsageBefore, resp.UsageAfter)
	resp.Duration = time.Since(resp.StartedAt)
	d.executor.RecordBatch(string(resp.Mode))

	succeeded, failed, cancelled := resp.Counts()
	logger.Info("Batch finished",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("cancelled", cancelled),
		zap.Duration("duration", resp.Duration),
		zap.Float64("cpu_percent", resp.Usage.CPUPercent))

	return resp, nil
}

// execute runs the plan and reports each result with its task index.
// Each index is reported exactly once.
func (d *Driver) execute(ctx context.Context, plan strategy.ExecutionPlan, report func(int, tasks.TaskResult)) {
	if plan.Mode != strategy.ModeParallel {
		for i, task := range plan.Tasks {
			report(i, d.runOrCancel(ctx, task))
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(plan.ConcurrencyLimit)

	for i, task := range plan.Tasks {
		if ctx.Err() != nil {
			report(i, d.runOrCancel(ctx, task))
			continue
		}
		i, task := i, task
		g.Go(func() error {
			report(i, d.executor.Run(ctx, task))
			return nil
		})
	}

	// Tasks never return errors; failures are carried in their results
	_ = g.Wait()
}

// runOrCancel runs a task unless the batch was cancelled before it started
func (d *Driver) runOrCancel(ctx context.Context, task tasks.CompressionTask) tasks.TaskResult {
	if ctx.Err() != nil {
		res := tasks.CancelledResult(task)
		d.executor.RecordResult(res)
		return res
	}
	return d.executor.Run(ctx, task)
}
