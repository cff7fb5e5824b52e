package tasks

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/stone-age-io/pigzd/internal/compressor"
	"github.com/stone-age-io/pigzd/internal/probe"
	"github.com/stone-age-io/pigzd/internal/utils"
	"go.uber.org/zap"
)

// TransitionFunc observes a task entering a state
type TransitionFunc func(task CompressionTask, state State)

// Executor runs single tasks through the run/verify/cleanup state machine.
// It holds no per-task state and is safe for concurrent use.
type Executor struct {
	logger      *zap.Logger
	compressor  compressor.Compressor
	probe       probe.Probe
	taskTimeout time.Duration
	stats       *ExecutorStats
	taskStats   *TaskStats
	onState     TransitionFunc

	// removeFile deletes the source after a verified success
	removeFile func(name string) error
}

// ExecutorStats tracks executor statistics for self-monitoring
type ExecutorStats struct {
	mu              sync.RWMutex
	startTime       time.Time
	tasksSucceeded  int64
	tasksFailed     int64
	tasksCancelled  int64
	bytesOriginal   int64
	bytesCompressed int64
	cleanupWarnings int64
	lastError       string
	lastErrorTime   time.Time
}

// TaskStats tracks scheduled job execution for monitoring
type TaskStats struct {
	mu            sync.RWMutex
	lastHeartbeat time.Time
	lastWatchRun  time.Time
	lastBatch     time.Time

	heartbeatCount int64
	watchRunCount  int64
	batchCount     int64
	batchModes     map[string]int64
}

// AgentMetrics represents agent self-monitoring metrics
type AgentMetrics struct {
	MemoryUsageMB   float64 `json:"memory_usage_mb"`
	Goroutines      int     `json:"goroutines"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	TasksSucceeded  int64   `json:"tasks_succeeded"`
	TasksFailed     int64   `json:"tasks_failed"`
	TasksCancelled  int64   `json:"tasks_cancelled"`
	BytesOriginal   int64   `json:"bytes_original"`
	BytesCompressed int64   `json:"bytes_compressed"`
	CleanupWarnings int64   `json:"cleanup_warnings"`
	LastError       string  `json:"last_error,omitempty"`
	LastErrorTime   string  `json:"last_error_time,omitempty"`
}

// TaskHealthMetrics represents scheduled job health
type TaskHealthMetrics struct {
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	LastWatchRun  string `json:"last_watch_run,omitempty"`
	LastBatch     string `json:"last_batch,omitempty"`

	HeartbeatCount int64 `json:"heartbeat_count"`
	WatchRunCount  int64 `json:"watch_run_count"`
	BatchCount     int64 `json:"batch_count"`

	// Batches per execution mode
	BatchModes map[string]int64 `json:"batch_modes,omitempty"`
}

// NewExecutor creates a task executor. A zero taskTimeout disables the
// per-task deadline.
func NewExecutor(logger *zap.Logger, comp compressor.Compressor, p probe.Probe, taskTimeout time.Duration) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		logger:      logger,
		compressor:  comp,
		probe:       p,
		taskTimeout: taskTimeout,
		stats:       &ExecutorStats{startTime: time.Now()},
		taskStats:   &TaskStats{batchModes: make(map[string]int64)},
		removeFile:  os.Remove,
	}
}

// Compressor returns the backend tasks run on
func (e *Executor) Compressor() compressor.Compressor {
	return e.compressor
}

// Probe returns the resource probe used around each task
func (e *Executor) Probe() probe.Probe {
	return e.probe
}

// OnTransition registers a hook called on every state change
func (e *Executor) OnTransition(fn TransitionFunc) {
	e.onState = fn
}

// GetAgentMetrics returns current agent performance metrics
func (e *Executor) GetAgentMetrics() *AgentMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()

	metrics := &AgentMetrics{
		// mem.Sys is the full process footprint, not just the heap
		MemoryUsageMB:   utils.Round(float64(mem.Sys) / 1024 / 1024),
		Goroutines:      runtime.NumGoroutine(),
		UptimeSeconds:   int64(time.Since(e.stats.startTime).Seconds()),
		TasksSucceeded:  e.stats.tasksSucceeded,
		TasksFailed:     e.stats.tasksFailed,
		TasksCancelled:  e.stats.tasksCancelled,
		BytesOriginal:   e.stats.bytesOriginal,
		BytesCompressed: e.stats.bytesCompressed,
		CleanupWarnings: e.stats.cleanupWarnings,
	}

	if !e.stats.lastErrorTime.IsZero() {
		metrics.LastError = e.stats.lastError
		metrics.LastErrorTime = e.stats.lastErrorTime.Format(time.RFC3339)
	}

	return metrics
}

// GetTaskMetrics returns scheduled job execution metrics
func (e *Executor) GetTaskMetrics() *TaskHealthMetrics {
	e.taskStats.mu.RLock()
	defer e.taskStats.mu.RUnlock()

	metrics := &TaskHealthMetrics{
		HeartbeatCount: e.taskStats.heartbeatCount,
		WatchRunCount:  e.taskStats.watchRunCount,
		BatchCount:     e.taskStats.batchCount,
		BatchModes:     make(map[string]int64, len(e.taskStats.batchModes)),
	}
	for mode, n := range e.taskStats.batchModes {
		metrics.BatchModes[mode] = n
	}

	if !e.taskStats.lastHeartbeat.IsZero() {
		metrics.LastHeartbeat = e.taskStats.lastHeartbeat.Format(time.RFC3339)
	}
	if !e.taskStats.lastWatchRun.IsZero() {
		metrics.LastWatchRun = e.taskStats.lastWatchRun.Format(time.RFC3339)
	}
	if !e.taskStats.lastBatch.IsZero() {
		metrics.LastBatch = e.taskStats.lastBatch.Format(time.RFC3339)
	}

	return metrics
}

// RecordHeartbeat records a heartbeat execution
func (e *Executor) RecordHeartbeat() {
	e.taskStats.mu.Lock()
	defer e.taskStats.mu.Unlock()
	e.taskStats.lastHeartbeat = time.Now()
	e.taskStats.heartbeatCount++
}

// RecordWatchRun records a watch-folder scan
func (e *Executor) RecordWatchRun() {
	e.taskStats.mu.Lock()
	defer e.taskStats.mu.Unlock()
	e.taskStats.lastWatchRun = time.Now()
	e.taskStats.watchRunCount++
}

// RecordBatch records a completed batch. mode is empty when no input
// survived classification.
func (e *Executor) RecordBatch(mode string) {
	e.taskStats.mu.Lock()
	defer e.taskStats.mu.Unlock()
	e.taskStats.lastBatch = time.Now()
	e.taskStats.batchCount++
	if mode != "" {
		e.taskStats.batchModes[mode]++
	}
}

// RecordResult updates the counters for a finished task
func (e *Executor) RecordResult(res TaskResult) {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()

	switch res.Status {
	case StatusSuccess:
		e.stats.tasksSucceeded++
		e.stats.bytesOriginal += res.OriginalSize
		e.stats.bytesCompressed += res.CompressedSize
		if res.Warning != "" {
			e.stats.cleanupWarnings++
		}
	case StatusCancelled:
		e.stats.tasksCancelled++
	default:
		e.stats.tasksFailed++
		e.stats.lastError = res.Error
		e.stats.lastErrorTime = time.Now()
	}
}
