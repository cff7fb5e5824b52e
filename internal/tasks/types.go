package tasks

import (
	"time"

	"github.com/stone-age-io/pigzd/internal/probe"
)

// Category is the coarse content category of an input file
type Category string

const (
	CategoryText    Category = "text"
	CategoryBinary  Category = "binary"
	CategoryUnknown Category = "unknown"
)

// Operation is the direction of a task
type Operation string

const (
	OperationCompress   Operation = "compress"
	OperationDecompress Operation = "decompress"
)

// Status is the terminal status of a task
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// State is a task's position in the runner state machine
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateVerifying State = "verifying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// CompressionTask is one unit of work. Tasks are built by the strategy
// selector and passed by value; nothing mutates them afterwards.
type CompressionTask struct {
	SourcePath string    `json:"source_path"`
	SizeBytes  int64     `json:"size_bytes"`
	Category   Category  `json:"category"`
	Level      int       `json:"level,omitempty"` // 1-9; 0 when decompressing
	Threads    int       `json:"threads"`
	Operation  Operation `json:"operation"`
}

// TaskResult is the outcome of one task. Sizes are reported the same way in
// both directions: OriginalSize is the uncompressed byte count and
// CompressedSize the compressed one.
type TaskResult struct {
	SourcePath     string                 `json:"source_path"`
	OutputPath     string                 `json:"output_path,omitempty"`
	Operation      Operation              `json:"operation,omitempty"`
	OriginalSize   int64                  `json:"original_size"`
	CompressedSize int64                  `json:"compressed_size"`
	Status         Status                 `json:"status"`
	ErrorKind      ErrorKind              `json:"error_kind,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Warning        string                 `json:"warning,omitempty"`
	SourceRemoved  bool                   `json:"source_removed"`
	Level          int                    `json:"level,omitempty"`
	Threads        int                    `json:"threads,omitempty"`
	Duration       time.Duration          `json:"duration_ns"`
	UsageBefore    probe.ResourceSnapshot `json:"usage_before"`
	UsageAfter     probe.ResourceSnapshot `json:"usage_after"`
}

// Succeeded reports whether the task finished with status success
func (r TaskResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Usage returns the resource usage measured across the task
func (r TaskResult) Usage() probe.Usage {
	return probe.Delta(r.UsageBefore, r.UsageAfter)
}

// FailedResult builds the result for an input that never became a task
func FailedResult(path string, op Operation, err error) TaskResult {
	return TaskResult{
		SourcePath: path,
		Operation:  op,
		Status:     StatusFailed,
		ErrorKind:  KindOf(err),
		Error:      err.Error(),
	}
}

// CancelledResult builds the result for a task that was never started
func CancelledResult(task CompressionTask) TaskResult {
	return TaskResult{
		SourcePath: task.SourcePath,
		Operation:  task.Operation,
		Status:     StatusCancelled,
		ErrorKind:  KindCancelled,
		Error:      "batch cancelled before task started",
		Level:      task.Level,
		Threads:    task.Threads,
	}
}
