// Package metrics renders executor counters in the Prometheus text
// exposition format.
package metrics

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stone-age-io/pigzd/internal/tasks"
	"google.golang.org/protobuf/proto"
)

const namespace = "pigzd"

// Source provides the counters exposed as metrics
type Source interface {
	GetAgentMetrics() *tasks.AgentMetrics
	GetTaskMetrics() *tasks.TaskHealthMetrics
}

// Families builds the metric families for the current counters, sorted by name
func Families(src Source) []*dto.MetricFamily {
	agent := src.GetAgentMetrics()
	health := src.GetTaskMetrics()

	families := []*dto.MetricFamily{
		counterVec("tasks_total", "Compression tasks finished, by status.", "status", map[string]float64{
			string(tasks.StatusSuccess):   float64(agent.TasksSucceeded),
			string(tasks.StatusFailed):    float64(agent.TasksFailed),
			string(tasks.StatusCancelled): float64(agent.TasksCancelled),
		}),
		counter("original_bytes_total", "Uncompressed bytes handled by successful tasks.", float64(agent.BytesOriginal)),
		counter("compressed_bytes_total", "Compressed bytes handled by successful tasks.", float64(agent.BytesCompressed)),
		counter("cleanup_warnings_total", "Successful tasks whose source could not be removed.", float64(agent.CleanupWarnings)),
		counter("heartbeats_total", "Heartbeats published.", float64(health.HeartbeatCount)),
		counter("watch_runs_total", "Watch folder runs.", float64(health.WatchRunCount)),
		counter("batches_total", "Batches run.", float64(health.BatchCount)),
		gauge("memory_usage_megabytes", "Process memory obtained from the OS.", agent.MemoryUsageMB),
		gauge("goroutines", "Number of goroutines.", float64(agent.Goroutines)),
		gauge("uptime_seconds", "Seconds since the executor started.", float64(agent.UptimeSeconds)),
	}

	modes := make(map[string]float64, len(health.BatchModes))
	for mode, n := range health.BatchModes {
		modes[mode] = float64(n)
	}
	if len(modes) > 0 {
		families = append(families, counterVec("batch_mode_total", "Batches run, by execution mode.", "mode", modes))
	}

	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	return families
}

// Write encodes families in the text exposition format
func Write(w io.Writer, families []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Render returns the text exposition for src
func Render(src Source) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, Families(src)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func counter(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(namespace + "_" + name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: proto.Float64(value)}},
		},
	}
}

func gauge(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(namespace + "_" + name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: proto.Float64(value)}},
		},
	}
}

// counterVec builds one counter per label value, ordered by label value
func counterVec(name, help, label string, values map[string]float64) *dto.MetricFamily {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mf := &dto.MetricFamily{
		Name: proto.String(namespace + "_" + name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, k := range keys {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{{Name: proto.String(label), Value: proto.String(k)}},
			Counter: &dto.Counter{Value: proto.Float64(values[k])},
		})
	}
	return mf
}
