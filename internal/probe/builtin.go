package probe

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// partitionSuffix matches the part of a device name that marks a partition
// of another listed device (sda1, nvme0n1p2, mmcblk0p1)
var partitionSuffix = regexp.MustCompile(`^p?[0-9]+$`)

// Builtin samples resources using gopsutil
type Builtin struct {
	logger *zap.Logger
}

// NewBuiltin creates a new gopsutil-based probe
func NewBuiltin(logger *zap.Logger) *Builtin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builtin{logger: logger}
}

func (b *Builtin) Name() string {
	return "builtin (gopsutil)"
}

func (b *Builtin) Sample(ctx context.Context) ResourceSnapshot {
	snap := ResourceSnapshot{
		Timestamp: time.Now().UTC(),
	}

	times, err := cpu.TimesWithContext(ctx, false) // false = combined
	if err != nil || len(times) == 0 {
		b.logger.Debug("CPU times unavailable", zap.Error(err))
	} else {
		snap.CPUBusySeconds, snap.CPUTotalSeconds = cpuSeconds(times[0])
		snap.CPUPercent = cpuPercentSinceBoot(snap.CPUBusySeconds, snap.CPUTotalSeconds)
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		b.logger.Debug("Memory stats unavailable", zap.Error(err))
	} else {
		snap.AvailableMemoryBytes = vmem.Available
	}

	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		b.logger.Debug("Disk I/O counters unavailable", zap.Error(err))
	} else {
		snap.DiskReadBytes, snap.DiskWriteBytes = sumDiskCounters(counters)
	}

	return snap
}

// cpuSeconds returns busy and total CPU seconds; iowait counts as idle
func cpuSeconds(t cpu.TimesStat) (busy, total float64) {
	total = t.User + t.System + t.Idle + t.Nice +
		t.Iowait + t.Irq + t.Softirq + t.Steal
	idle := t.Idle + t.Iowait
	return total - idle, total
}

// sumDiskCounters adds up read/write bytes across physical devices.
// Partitions are skipped when their parent device is also listed so the
// same I/O is not counted twice.
func sumDiskCounters(counters map[string]disk.IOCountersStat) (read, write uint64) {
	for name, io := range counters {
		if isPartitionOf(name, counters) {
			continue
		}
		read += io.ReadBytes
		write += io.WriteBytes
	}
	return read, write
}

func isPartitionOf(name string, counters map[string]disk.IOCountersStat) bool {
	for parent := range counters {
		if parent == name || !strings.HasPrefix(name, parent) {
			continue
		}
		suffix := name[len(parent):]
		if !partitionSuffix.MatchString(suffix) {
			continue
		}
		// dm-1 / dm-10: a digit-terminated parent needs the "p" separator
		last := parent[len(parent)-1]
		if last >= '0' && last <= '9' && suffix[0] != 'p' {
			continue
		}
		return true
	}
	return false
}
