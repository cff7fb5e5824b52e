package probe

import (
	"runtime"
)

// MetricNames defines platform-specific Prometheus metric names
type MetricNames struct {
	CPUTime         string   // Counter: total CPU time per core and mode
	CPUIdleModes    []string // Mode label values counted as idle
	MemoryAvailable []string // Gauges tried in order: available memory bytes
	DiskReadBytes   string   // Counter: disk read bytes
	DiskWriteBytes  string   // Counter: disk write bytes
}

// GetMetricNames returns platform-specific metric names for Prometheus exporters
func GetMetricNames() MetricNames {
	switch runtime.GOOS {
	case "windows":
		return MetricNames{
			CPUTime:         "windows_cpu_time_total",
			CPUIdleModes:    []string{"idle"},
			MemoryAvailable: []string{"windows_memory_available_bytes"},
			DiskReadBytes:   "windows_logical_disk_read_bytes_total",
			DiskWriteBytes:  "windows_logical_disk_write_bytes_total",
		}
	default:
		// node_exporter naming on Linux, FreeBSD and unknown platforms
		return MetricNames{
			CPUTime:         "node_cpu_seconds_total",
			CPUIdleModes:    []string{"idle", "iowait"},
			MemoryAvailable: []string{"node_memory_MemAvailable_bytes", "node_memory_MemFree_bytes", "node_memory_free_bytes"},
			DiskReadBytes:   "node_disk_read_bytes_total",
			DiskWriteBytes:  "node_disk_written_bytes_total",
		}
	}
}

// GetDefaultExporterURL returns the default exporter URL
func GetDefaultExporterURL() string {
	if runtime.GOOS == "windows" {
		return "http://localhost:9182/metrics" // windows_exporter default
	}
	return "http://localhost:9100/metrics" // node_exporter default
}
