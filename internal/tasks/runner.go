package tasks

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/stone-age-io/pigzd/internal/compressor"
	"go.uber.org/zap"
)

// OutputPath returns where a task writes its output. Compression appends
// the backend extension; decompression strips it, or appends ".out" when
// the source does not carry it.
func (e *Executor) OutputPath(task CompressionTask) string {
	ext := e.compressor.Extension()
	if task.Operation != OperationDecompress {
		return task.SourcePath + ext
	}

	lower := strings.ToLower(task.SourcePath)
	if strings.HasSuffix(lower, strings.ToLower(ext)) && len(task.SourcePath) > len(ext) {
		trimmed := task.SourcePath[:len(task.SourcePath)-len(ext)]
		if !strings.HasSuffix(trimmed, string(os.PathSeparator)) {
			return trimmed
		}
	}
	return task.SourcePath + ".out"
}

// Run executes one task to a terminal state. The source is deleted only
// after the compressor and the integrity check both succeed. Every failure
// path removes the partial output and leaves the source untouched.
func (e *Executor) Run(ctx context.Context, task CompressionTask) TaskResult {
	start := time.Now()
	res := TaskResult{
		SourcePath: task.SourcePath,
		Operation:  task.Operation,
		Level:      task.Level,
		Threads:    task.Threads,
	}

	e.transition(task, StatePending)
	if ctx.Err() != nil {
		res = CancelledResult(task)
		e.transition(task, StateCancelled)
		e.RecordResult(res)
		return res
	}

	// Probe samples must not be cut short by a cancelled batch
	sampleCtx := context.WithoutCancel(ctx)
	res.UsageBefore = e.probe.Sample(sampleCtx)

	taskCtx, cancel := e.taskContext(ctx)
	defer cancel()

	output := e.OutputPath(task)
	res.OutputPath = output

	e.transition(task, StateRunning)
	var out compressor.Result
	if task.Operation == OperationDecompress {
		out = e.compressor.Decompress(taskCtx, task.SourcePath, output, task.Threads)
	} else {
		out = e.compressor.Compress(taskCtx, task.SourcePath, output, task.Level, task.Threads)
	}
	if err := e.stageError(ctx, taskCtx, StateRunning, task, out); err != nil {
		return e.fail(sampleCtx, task, res, start, err)
	}

	e.transition(task, StateVerifying)
	archive := output
	if task.Operation == OperationDecompress {
		archive = task.SourcePath
	}
	if err := e.stageError(ctx, taskCtx, StateVerifying, task, e.compressor.Verify(taskCtx, archive)); err != nil {
		return e.fail(sampleCtx, task, res, start, err)
	}

	srcSize := fileSize(task.SourcePath, task.SizeBytes)
	outSize := fileSize(output, 0)
	if task.Operation == OperationDecompress {
		res.OriginalSize, res.CompressedSize = outSize, srcSize
	} else {
		res.OriginalSize, res.CompressedSize = srcSize, outSize
	}

	e.transition(task, StateSucceeded)
	if err := e.removeFile(task.SourcePath); err != nil {
		warn := &CleanupWarning{Path: task.SourcePath, Err: err}
		res.Warning = warn.Error()
		e.logger.Warn("Source kept after successful task",
			zap.String("source", task.SourcePath),
			zap.Error(err))
	} else {
		res.SourceRemoved = true
	}

	res.Status = StatusSuccess
	res.UsageAfter = e.probe.Sample(sampleCtx)
	res.Duration = time.Since(start)

	e.logger.Info("Task succeeded",
		zap.String("source", task.SourcePath),
		zap.String("output", output),
		zap.String("operation", string(task.Operation)),
		zap.Int64("original_size", res.OriginalSize),
		zap.Int64("compressed_size", res.CompressedSize),
		zap.Int("threads", task.Threads),
		zap.Duration("duration", res.Duration))

	e.RecordResult(res)
	return res
}

// taskContext applies the per-task timeout
func (e *Executor) taskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.taskTimeout > 0 {
		return context.WithTimeout(ctx, e.taskTimeout)
	}
	return context.WithCancel(ctx)
}

// stageError maps a compressor outcome onto a task error, or nil on success
func (e *Executor) stageError(parent, taskCtx context.Context, stage State, task CompressionTask, out compressor.Result) error {
	if out.OK() {
		return nil
	}

	if taskCtx.Err() != nil {
		if parent.Err() != nil {
			return context.Canceled
		}
		return &TimeoutError{Stage: stage, Timeout: e.taskTimeout}
	}

	if out.Err != nil {
		return &SpawnError{Tool: e.compressor.Name(), Err: out.Err}
	}

	if stage == StateVerifying {
		path := e.OutputPath(task)
		if task.Operation == OperationDecompress {
			path = task.SourcePath
		}
		return &VerificationFailedError{Path: path, ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	return &CompressionFailedError{Operation: task.Operation, ExitCode: out.ExitCode, Stderr: out.Stderr}
}

// fail removes any partial output and finishes the result as failed or cancelled
func (e *Executor) fail(sampleCtx context.Context, task CompressionTask, res TaskResult, start time.Time, err error) TaskResult {
	if rmErr := os.Remove(res.OutputPath); rmErr != nil && !os.IsNotExist(rmErr) {
		e.logger.Warn("Failed to remove partial output",
			zap.String("output", res.OutputPath),
			zap.Error(rmErr))
	}

	res.ErrorKind = KindOf(err)
	res.Error = err.Error()
	res.Status = StatusFailed
	final := StateFailed
	if res.ErrorKind == KindCancelled {
		res.Status = StatusCancelled
		final = StateCancelled
	}

	res.UsageAfter = e.probe.Sample(sampleCtx)
	res.Duration = time.Since(start)
	e.transition(task, final)

	e.logger.Error("Task did not succeed",
		zap.String("source", task.SourcePath),
		zap.String("status", string(res.Status)),
		zap.String("error_kind", string(res.ErrorKind)),
		zap.Error(err))

	e.RecordResult(res)
	return res
}

func (e *Executor) transition(task CompressionTask, state State) {
	e.logger.Debug("Task state",
		zap.String("source", task.SourcePath),
		zap.String("state", string(state)))
	if e.onState != nil {
		e.onState(task, state)
	}
}

func fileSize(path string, fallback int64) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return fallback
	}
	return info.Size()
}
