// Package probe samples host resource usage (CPU, available memory, disk I/O)
// for the strategy selector and for per-task usage reporting.
//
// Probes hold no cached counters: every Sample reads the OS (or exporter)
// once and returns a value. CPU utilization over an interval is derived from
// two snapshots with Delta.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stone-age-io/pigzd/internal/utils"
	"go.uber.org/zap"
)

// ResourceSnapshot is a point-in-time view of host resources.
// Fields the OS could not provide are left zero.
type ResourceSnapshot struct {
	CPUPercent           float64   `json:"cpu_percent"`
	AvailableMemoryBytes uint64    `json:"available_memory_bytes"`
	DiskReadBytes        uint64    `json:"disk_read_bytes"`
	DiskWriteBytes       uint64    `json:"disk_write_bytes"`
	Timestamp            time.Time `json:"timestamp"`

	// Cumulative CPU seconds since boot, summed over all cores
	CPUBusySeconds  float64 `json:"cpu_busy_seconds,omitempty"`
	CPUTotalSeconds float64 `json:"cpu_total_seconds,omitempty"`
}

// Payload is the resource metrics payload served to observability callers
type Payload struct {
	CPUPercent float64 `json:"cpu_percent"`
	DiskRead   uint64  `json:"disk_read"`
	DiskWrite  uint64  `json:"disk_write"`
}

// Payload projects the snapshot onto the metrics payload
func (s ResourceSnapshot) Payload() Payload {
	return Payload{
		CPUPercent: s.CPUPercent,
		DiskRead:   s.DiskReadBytes,
		DiskWrite:  s.DiskWriteBytes,
	}
}

// Usage is the resource consumption between two snapshots
type Usage struct {
	CPUPercent     float64       `json:"cpu_percent"`
	DiskReadBytes  uint64        `json:"disk_read_bytes"`
	DiskWriteBytes uint64        `json:"disk_write_bytes"`
	Elapsed        time.Duration `json:"elapsed_ns"`
}

// Probe samples host resources. Implementations must be safe for concurrent use.
type Probe interface {
	// Sample reads current counters. It never fails; unavailable
	// counters are reported as zero.
	Sample(ctx context.Context) ResourceSnapshot

	// Name returns the probe name for logging
	Name() string
}

// New creates the probe for the configured source: "builtin" (default) or "exporter"
func New(source, exporterURL string, logger *zap.Logger, httpClient *http.Client) (Probe, error) {
	source = strings.ToLower(source)
	if source == "" {
		source = "builtin"
	}

	switch source {
	case "builtin":
		logger.Info("Using builtin resource probe (gopsutil)")
		return NewBuiltin(logger), nil
	case "exporter":
		if exporterURL == "" {
			return nil, fmt.Errorf("exporter_url required for exporter source")
		}
		if httpClient == nil {
			httpClient = NewHTTPClient()
		}
		logger.Info("Using exporter resource probe", zap.String("url", exporterURL))
		return NewExporter(exporterURL, logger, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown probe source: %s", source)
	}
}

// Delta computes usage between two snapshots taken in that order
func Delta(before, after ResourceSnapshot) Usage {
	u := Usage{
		DiskReadBytes:  utils.SubCounter(before.DiskReadBytes, after.DiskReadBytes),
		DiskWriteBytes: utils.SubCounter(before.DiskWriteBytes, after.DiskWriteBytes),
	}
	if !before.Timestamp.IsZero() && after.Timestamp.After(before.Timestamp) {
		u.Elapsed = after.Timestamp.Sub(before.Timestamp)
	}

	total := after.CPUTotalSeconds - before.CPUTotalSeconds
	busy := after.CPUBusySeconds - before.CPUBusySeconds
	if total > 0 && busy >= 0 {
		u.CPUPercent = utils.Round(busy / total * 100)
	}
	return u
}

// SampleWindow takes two samples d apart and returns the second one with
// CPUPercent replaced by the utilization measured across the window.
// If ctx ends early the second sample is taken immediately.
func SampleWindow(ctx context.Context, p Probe, d time.Duration) ResourceSnapshot {
	before := p.Sample(ctx)
	if d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	after := p.Sample(ctx)
	if after.CPUTotalSeconds > before.CPUTotalSeconds {
		after.CPUPercent = Delta(before, after).CPUPercent
	}
	return after
}

// cpuPercentSinceBoot is the utilization a lone snapshot reports
func cpuPercentSinceBoot(busy, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return utils.Round(busy / total * 100)
}
