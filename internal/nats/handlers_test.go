package nats

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/pigzd/internal/classify"
	"github.com/stone-age-io/pigzd/internal/compressor"
	"github.com/stone-age-io/pigzd/internal/orchestrator"
	"github.com/stone-age-io/pigzd/internal/probe"
	"github.com/stone-age-io/pigzd/internal/strategy"
	"github.com/stone-age-io/pigzd/internal/tasks"
	"go.uber.org/zap"
)

type staticProbe struct{}

func (staticProbe) Name() string { return "static" }

func (staticProbe) Sample(context.Context) probe.ResourceSnapshot {
	return probe.ResourceSnapshot{
		AvailableMemoryBytes: 8 << 30,
		CPUPercent:           12.5,
		Timestamp:            time.Now().UTC(),
	}
}

func newTestHandlers(t *testing.T, onBatch BatchFunc) *CommandHandlers {
	t.Helper()
	logger := zap.NewNop()

	comp, err := compressor.NewBuiltin("gzip", logger)
	if err != nil {
		t.Fatalf("NewBuiltin() error: %v", err)
	}
	executor := tasks.NewExecutor(logger, comp, staticProbe{}, 0)
	selector := strategy.NewSelector(strategy.DefaultConfig(), 4, logger)
	driver := orchestrator.New(logger, executor, classify.New(logger), selector, 6)

	h := NewCommandHandlers(logger, "pigzd", "host-1", driver, onBatch)
	h.sampleWindow = time.Millisecond
	return h
}

// roundTrip marshals a handler response the way respond does and decodes it
func roundTrip(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	return out
}

// TestSubject tests subject construction
func TestSubject(t *testing.T) {
	tests := []struct {
		tokens []string
		want   string
	}{
		{nil, "pigzd.host-1"},
		{[]string{"heartbeat"}, "pigzd.host-1.heartbeat"},
		{[]string{"cmd", "batch"}, "pigzd.host-1.cmd.batch"},
	}

	for _, tt := range tests {
		if got := Subject("pigzd", "host-1", tt.tokens...); got != tt.want {
			t.Errorf("Subject(%v) = %s, want %s", tt.tokens, got, tt.want)
		}
	}
}

// TestPing tests the ping response
func TestPing(t *testing.T) {
	h := newTestHandlers(t, nil)

	out := roundTrip(t, h.ping(context.Background(), nil))
	if out["status"] != "pong" || out["device_id"] != "host-1" {
		t.Errorf("ping response = %v", out)
	}
	if _, err := time.Parse(time.RFC3339, out["timestamp"].(string)); err != nil {
		t.Errorf("timestamp parse error: %v", err)
	}
}

// TestBatch tests a batch command end to end on the builtin backend
func TestBatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("pigz batch command\n", 500)), 0o644); err != nil {
		t.Fatal(err)
	}

	var seen *orchestrator.BatchResponse
	h := newTestHandlers(t, func(_ context.Context, resp *orchestrator.BatchResponse) {
		seen = resp
	})

	req, _ := json.Marshal(orchestrator.BatchRequest{Paths: []string{path}})
	out := h.batch(context.Background(), req)
	resp, ok := out.(batchResponse)
	if !ok {
		t.Fatalf("batch returned %T (%+v), want batchResponse", out, out)
	}

	if resp.Status != "success" || len(resp.Batch.Results) != 1 {
		t.Fatalf("batch response = %+v", resp)
	}
	if res := resp.Batch.Results[0]; !res.Succeeded() {
		t.Errorf("result status = %s (%s)", res.Status, res.Error)
	}
	if seen != resp.Batch {
		t.Error("batch callback not called with the response")
	}
	if _, err := os.Stat(path + ".gz"); err != nil {
		t.Errorf("archive missing: %v", err)
	}
}

// TestBatch_Errors tests malformed and empty batch requests
func TestBatch_Errors(t *testing.T) {
	called := false
	h := newTestHandlers(t, func(context.Context, *orchestrator.BatchResponse) { called = true })

	tests := []struct {
		name string
		data []byte
	}{
		{"invalid json", []byte("{not json")},
		{"no paths", []byte(`{"paths":[]}`)},
		{"bad level", []byte(`{"paths":["/tmp/x"],"level":12}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, ok := h.batch(context.Background(), tt.data).(errorResponse)
			if !ok {
				t.Fatalf("expected errorResponse")
			}
			if resp.Status != "error" || resp.Error == "" {
				t.Errorf("error response = %+v", resp)
			}
		})
	}
	if called {
		t.Error("batch callback called for failed requests")
	}
}

// TestResources tests the resource payload
func TestResources(t *testing.T) {
	h := newTestHandlers(t, nil)

	out := roundTrip(t, h.resources(context.Background(), nil))
	res, ok := out["resources"].(map[string]interface{})
	if !ok {
		t.Fatalf("resources missing: %v", out)
	}
	for _, key := range []string{"cpu_percent", "disk_read", "disk_write"} {
		if _, ok := res[key]; !ok {
			t.Errorf("resources payload missing %s", key)
		}
	}
}

// TestHealthAndMetrics tests the self-monitoring commands
func TestHealthAndMetrics(t *testing.T) {
	h := newTestHandlers(t, nil)
	h.driver.Executor().RecordBatch("single")

	health := roundTrip(t, h.health(context.Background(), nil))
	if health["status"] != "healthy" {
		t.Errorf("health status = %v", health["status"])
	}
	taskMetrics, ok := health["task_metrics"].(map[string]interface{})
	if !ok || taskMetrics["batch_count"] != float64(1) {
		t.Errorf("task_metrics = %v", health["task_metrics"])
	}

	resp, ok := h.metrics(context.Background(), nil).(metricsResponse)
	if !ok {
		t.Fatal("expected metricsResponse")
	}
	if !strings.Contains(resp.Metrics, `pigzd_batch_mode_total{mode="single"} 1`) {
		t.Errorf("metrics text missing batch mode:\n%s", resp.Metrics)
	}
}

type fakeConn struct {
	connected bool
	stats     nats.Statistics
}

func (c fakeConn) IsConnected() bool { return c.connected }

func (c fakeConn) Stats() nats.Statistics { return c.stats }

// TestHealth_Connection tests that the connection state is reported
func TestHealth_Connection(t *testing.T) {
	h := newTestHandlers(t, nil)

	if _, ok := roundTrip(t, h.health(context.Background(), nil))["connection"]; ok {
		t.Error("connection reported without a client")
	}

	tests := []struct {
		name       string
		conn       fakeConn
		wantStatus string
	}{
		{"connected", fakeConn{connected: true, stats: nats.Statistics{InMsgs: 3, OutMsgs: 5, Reconnects: 1}}, "healthy"},
		{"disconnected", fakeConn{}, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.conn = tt.conn
			health := roundTrip(t, h.health(context.Background(), nil))
			if health["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", health["status"], tt.wantStatus)
			}
			conn, ok := health["connection"].(map[string]interface{})
			if !ok {
				t.Fatalf("connection = %v", health["connection"])
			}
			if conn["connected"] != tt.conn.connected {
				t.Errorf("connected = %v, want %v", conn["connected"], tt.conn.connected)
			}
			if conn["out_msgs"] != float64(tt.conn.stats.OutMsgs) || conn["reconnects"] != float64(tt.conn.stats.Reconnects) {
				t.Errorf("connection stats = %v", conn)
			}
		})
	}
}

// TestHandleWithRecovery tests that a panicking command does not escape
func TestHandleWithRecovery(t *testing.T) {
	h := newTestHandlers(t, nil)

	handler := h.handleWithRecovery(context.Background(), "boom", func(context.Context, []byte) interface{} {
		panic("boom")
	})

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic escaped handler: %v", r)
		}
	}()
	handler(&nats.Msg{Subject: "pigzd.host-1.cmd.boom"})
}

// TestNewErrorResponse tests error kind propagation
func TestNewErrorResponse(t *testing.T) {
	resp := newErrorResponse(&tasks.SpawnError{Tool: "pigz", Err: os.ErrNotExist})
	if resp.Kind != string(tasks.KindSpawn) {
		t.Errorf("Kind = %s, want %s", resp.Kind, tasks.KindSpawn)
	}
	if resp := newErrorResponse(orchestrator.ErrEmptyRequest); resp.Kind != "" {
		t.Errorf("Kind = %s, want empty for untyped errors", resp.Kind)
	}
}
