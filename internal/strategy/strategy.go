// Package strategy turns classified inputs and a resource snapshot into an
// execution plan: how many tasks run at once and with how many threads.
package strategy

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/stone-age-io/pigzd/internal/classify"
	"github.com/stone-age-io/pigzd/internal/probe"
	"github.com/stone-age-io/pigzd/internal/tasks"
	"go.uber.org/zap"
)

// Mode is the batch execution strategy
type Mode string

const (
	ModeSingle     Mode = "single"
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

const (
	MinLevel = 1
	MaxLevel = 9

	mib = 1 << 20
)

// ErrNoFiles is returned when a plan is requested for an empty batch
var ErrNoFiles = errors.New("no input files")

// Config holds the tunables of the selector
type Config struct {
	// BaseThresholdBytes is the average file size at and above which a
	// batch runs sequentially
	BaseThresholdBytes int64

	// MemoryFloorBytes is the available memory below which the threshold
	// is scaled down proportionally
	MemoryFloorBytes uint64

	// MinThresholdBytes bounds the scaled threshold from below
	MinThresholdBytes int64

	// LevelAdjustment is added to the level of text files and subtracted
	// from the level of binary and unknown files
	LevelAdjustment int
}

// DefaultConfig returns the stock tunables
func DefaultConfig() Config {
	return Config{
		BaseThresholdBytes: 100 * mib,
		MemoryFloorBytes:   2048 * mib,
		MinThresholdBytes:  1 * mib,
		LevelAdjustment:    2,
	}
}

// Request is everything the selector needs to plan a batch
type Request struct {
	Files      []classify.Info
	Snapshot   probe.ResourceSnapshot
	Level      int
	Decompress bool

	// Threads overrides the lane budget when > 0
	Threads int
}

// ExecutionPlan is built once per batch and only read afterwards
type ExecutionPlan struct {
	Mode             Mode                    `json:"mode"`
	Tasks            []tasks.CompressionTask `json:"tasks"`
	ConcurrencyLimit int                     `json:"concurrency_limit"`
	Threshold        int64                   `json:"threshold_bytes"`
	AverageSize      int64                   `json:"average_size_bytes"`
	LogicalCPUs      int                     `json:"logical_cpus"`
	LaneBudget       int                     `json:"lane_budget"`
}

// Selector decides the execution strategy for a batch
type Selector struct {
	cfg         Config
	logicalCPUs int
	logger      *zap.Logger
}

// NewSelector creates a selector. logicalCPUs <= 0 uses runtime.NumCPU.
func NewSelector(cfg Config, logicalCPUs int, logger *zap.Logger) *Selector {
	if logicalCPUs <= 0 {
		logicalCPUs = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	def := DefaultConfig()
	if cfg.BaseThresholdBytes <= 0 {
		cfg.BaseThresholdBytes = def.BaseThresholdBytes
	}
	if cfg.MinThresholdBytes <= 0 {
		cfg.MinThresholdBytes = def.MinThresholdBytes
	}
	if cfg.MinThresholdBytes > cfg.BaseThresholdBytes {
		cfg.MinThresholdBytes = cfg.BaseThresholdBytes
	}
	if cfg.LevelAdjustment < 0 {
		cfg.LevelAdjustment = 0
	}

	return &Selector{cfg: cfg, logicalCPUs: logicalCPUs, logger: logger}
}

// LogicalCPUs returns the CPU count plans are built against
func (s *Selector) LogicalCPUs() int {
	return s.logicalCPUs
}

// Threshold returns the sequential/parallel cut-over for the given
// available memory. It is non-decreasing in availableMemory. Zero means the
// memory counter could not be read and yields the baseline.
func (s *Selector) Threshold(availableMemory uint64) int64 {
	base := s.cfg.BaseThresholdBytes
	floor := s.cfg.MemoryFloorBytes
	if availableMemory == 0 {
		s.logger.Warn("Available memory unknown, using baseline threshold",
			zap.Int64("threshold_bytes", base))
		return base
	}
	if floor == 0 || availableMemory >= floor {
		return base
	}

	scaled := int64(float64(base) * float64(availableMemory) / float64(floor))
	return max(scaled, s.cfg.MinThresholdBytes)
}

// Level returns the compression level for a file of the given category
func (s *Selector) Level(base int, category tasks.Category) int {
	base = min(max(base, MinLevel), MaxLevel)
	if category == tasks.CategoryText {
		return min(base+s.cfg.LevelAdjustment, MaxLevel)
	}
	return max(base-s.cfg.LevelAdjustment, MinLevel)
}

// Plan builds the execution plan for a batch. Tasks keep the order of
// req.Files.
func (s *Selector) Plan(req Request) (ExecutionPlan, error) {
	n := len(req.Files)
	if n == 0 {
		return ExecutionPlan{}, ErrNoFiles
	}
	if !req.Decompress && (req.Level < MinLevel || req.Level > MaxLevel) {
		return ExecutionPlan{}, fmt.Errorf("compression level %d out of range [%d,%d]", req.Level, MinLevel, MaxLevel)
	}

	budget := s.logicalCPUs
	if req.Threads > 0 {
		budget = min(req.Threads, s.logicalCPUs)
	}

	var total int64
	for _, f := range req.Files {
		total += f.SizeBytes
	}

	plan := ExecutionPlan{
		Threshold:   s.Threshold(req.Snapshot.AvailableMemoryBytes),
		AverageSize: total / int64(n),
		LogicalCPUs: s.logicalCPUs,
		LaneBudget:  budget,
	}

	threads := budget
	switch {
	case n == 1:
		plan.Mode = ModeSingle
		plan.ConcurrencyLimit = 1
	case plan.AverageSize >= plan.Threshold:
		plan.Mode = ModeSequential
		plan.ConcurrencyLimit = 1
	default:
		plan.Mode = ModeParallel
		plan.ConcurrencyLimit = min(n, budget)
		threads = Allocate(plan.ConcurrencyLimit, budget)
	}

	plan.Tasks = make([]tasks.CompressionTask, n)
	for i, f := range req.Files {
		task := tasks.CompressionTask{
			SourcePath: f.Path,
			SizeBytes:  f.SizeBytes,
			Category:   f.Category,
			Threads:    threads,
			Operation:  tasks.OperationCompress,
		}
		if req.Decompress {
			task.Operation = tasks.OperationDecompress
		} else {
			task.Level = s.Level(req.Level, f.Category)
		}
		plan.Tasks[i] = task
	}

	s.logger.Info("Execution plan ready",
		zap.String("mode", string(plan.Mode)),
		zap.Int("files", n),
		zap.Int64("average_size", plan.AverageSize),
		zap.Int64("threshold", plan.Threshold),
		zap.Int("concurrency_limit", plan.ConcurrencyLimit),
		zap.Int("threads_per_task", threads),
		zap.Uint64("available_memory", req.Snapshot.AvailableMemoryBytes))

	return plan, nil
}
