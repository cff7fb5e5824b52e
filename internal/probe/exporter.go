package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// maxScrapeBytes bounds how much of an exporter response is parsed
const maxScrapeBytes = 10 * 1024 * 1024

// Exporter samples resources by scraping a Prometheus node/windows exporter
type Exporter struct {
	exporterURL string
	logger      *zap.Logger
	httpClient  *http.Client
	names       MetricNames
}

// NewExporter creates a probe that scrapes the exporter at url
func NewExporter(url string, logger *zap.Logger, httpClient *http.Client) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		exporterURL: url,
		logger:      logger,
		httpClient:  httpClient,
		names:       GetMetricNames(),
	}
}

func (e *Exporter) Name() string {
	return fmt.Sprintf("exporter (%s)", e.exporterURL)
}

// Sample scrapes the exporter once. A failed scrape is logged and yields a
// snapshot with only the timestamp set.
func (e *Exporter) Sample(ctx context.Context) ResourceSnapshot {
	snap := ResourceSnapshot{Timestamp: time.Now().UTC()}

	families, err := e.scrape(ctx)
	if err != nil {
		e.logger.Warn("Exporter scrape failed",
			zap.String("url", e.exporterURL),
			zap.Error(err))
		return snap
	}

	e.fill(&snap, families)
	return snap
}

func (e *Exporter) scrape(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.exporterURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "pigzd/1.0")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("exporter scrape timeout: %w", err)
		}
		return nil, fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return parseFamilies(io.LimitReader(resp.Body, maxScrapeBytes))
}

// parseFamilies decodes a Prometheus text exposition into metric families
func parseFamilies(r io.Reader) (map[string]*dto.MetricFamily, error) {
	decoder := expfmt.NewDecoder(r, expfmt.NewFormat(expfmt.TypeTextPlain))

	families := make(map[string]*dto.MetricFamily)
	for {
		mf := &dto.MetricFamily{}
		err := decoder.Decode(mf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode metric family: %w", err)
		}
		families[mf.GetName()] = mf
	}
	return families, nil
}

func (e *Exporter) fill(snap *ResourceSnapshot, families map[string]*dto.MetricFamily) {
	if family, ok := families[e.names.CPUTime]; ok {
		var total, idle float64
		for _, m := range family.Metric {
			value := metricValue(m)
			total += value
			mode := labelValue(m.Label, "mode")
			for _, idleMode := range e.names.CPUIdleModes {
				if mode == idleMode {
					idle += value
					break
				}
			}
		}
		snap.CPUBusySeconds = total - idle
		snap.CPUTotalSeconds = total
		snap.CPUPercent = cpuPercentSinceBoot(snap.CPUBusySeconds, total)
	}

	for _, name := range e.names.MemoryAvailable {
		family, ok := families[name]
		if !ok || len(family.Metric) == 0 {
			continue
		}
		snap.AvailableMemoryBytes = uint64(metricValue(family.Metric[0]))
		break
	}

	snap.DiskReadBytes = sumFamily(families[e.names.DiskReadBytes])
	snap.DiskWriteBytes = sumFamily(families[e.names.DiskWriteBytes])
}

func sumFamily(family *dto.MetricFamily) uint64 {
	if family == nil {
		return 0
	}
	var sum float64
	for _, m := range family.Metric {
		sum += metricValue(m)
	}
	return uint64(sum)
}

// metricValue reads a sample regardless of the declared metric type
func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}

func labelValue(labels []*dto.LabelPair, name string) string {
	for _, l := range labels {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}
