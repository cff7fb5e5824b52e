package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/pigzd/internal/metrics"
	"github.com/stone-age-io/pigzd/internal/orchestrator"
	"github.com/stone-age-io/pigzd/internal/probe"
	"github.com/stone-age-io/pigzd/internal/tasks"
	"go.uber.org/zap"
)

// defaultSampleWindow is the CPU sampling interval for resource requests
const defaultSampleWindow = 500 * time.Millisecond

// BatchFunc is called with every batch finished through a command
type BatchFunc func(ctx context.Context, resp *orchestrator.BatchResponse)

// commandFunc handles a request payload and returns the response body
type commandFunc func(ctx context.Context, data []byte) interface{}

// ConnectionStatus reports the state of the transport connection
type ConnectionStatus interface {
	IsConnected() bool
	Stats() nats.Statistics
}

// CommandHandlers serves the request/reply command subjects for this device
type CommandHandlers struct {
	logger        *zap.Logger
	deviceID      string
	subjectPrefix string
	driver        *orchestrator.Driver
	onBatch       BatchFunc
	sampleWindow  time.Duration
	conn          ConnectionStatus
}

// NewCommandHandlers creates the command handlers. onBatch may be nil.
func NewCommandHandlers(logger *zap.Logger, subjectPrefix, deviceID string, driver *orchestrator.Driver, onBatch BatchFunc) *CommandHandlers {
	return &CommandHandlers{
		logger:        logger,
		deviceID:      deviceID,
		subjectPrefix: subjectPrefix,
		driver:        driver,
		onBatch:       onBatch,
		sampleWindow:  defaultSampleWindow,
	}
}

// SubscribeAll subscribes every command subject. ctx bounds batches started
// by commands; cancelling it cancels in-flight batches.
func (h *CommandHandlers) SubscribeAll(ctx context.Context, client *Client) error {
	h.conn = client

	commands := []struct {
		name string
		fn   commandFunc
	}{
		{"ping", h.ping},
		{"batch", h.batch},
		{"resources", h.resources},
		{"health", h.health},
		{"metrics", h.metrics},
	}

	for _, cmd := range commands {
		subject := Subject(h.subjectPrefix, h.deviceID, "cmd", cmd.name)
		if _, err := client.Subscribe(subject, h.handleWithRecovery(ctx, cmd.name, cmd.fn)); err != nil {
			return err
		}
	}
	return nil
}

// handleWithRecovery adapts a command to a message handler. A panicking
// command is logged and answered with an error response.
func (h *CommandHandlers) handleWithRecovery(ctx context.Context, name string, fn commandFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Panic recovered in command handler",
					zap.String("handler", name),
					zap.String("subject", msg.Subject),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))

				h.respond(msg, errorResponse{
					Status:    "error",
					Error:     fmt.Sprintf("Internal error: handler panicked: %v", r),
					Timestamp: timestamp(),
				})
			}
		}()

		h.logger.Debug("Received command", zap.String("command", name))
		h.respond(msg, fn(ctx, msg.Data))
	}
}

// Response structures

type pingResponse struct {
	Status    string `json:"status"`
	DeviceID  string `json:"device_id"`
	Timestamp string `json:"timestamp"`
}

type batchResponse struct {
	Status    string                      `json:"status"`
	Batch     *orchestrator.BatchResponse `json:"batch"`
	Timestamp string                      `json:"timestamp"`
}

type resourcesResponse struct {
	Status    string                 `json:"status"`
	Resources probe.Payload          `json:"resources"`
	Snapshot  probe.ResourceSnapshot `json:"snapshot"`
	Timestamp string                 `json:"timestamp"`
}

type healthResponse struct {
	Status       string                   `json:"status"`
	AgentMetrics *tasks.AgentMetrics      `json:"agent_metrics"`
	TaskMetrics  *tasks.TaskHealthMetrics `json:"task_metrics"`
	Connection   *connectionHealth        `json:"connection,omitempty"`
	Timestamp    string                   `json:"timestamp"`
}

type connectionHealth struct {
	Connected  bool   `json:"connected"`
	InMsgs     uint64 `json:"in_msgs"`
	OutMsgs    uint64 `json:"out_msgs"`
	InBytes    uint64 `json:"in_bytes"`
	OutBytes   uint64 `json:"out_bytes"`
	Reconnects uint64 `json:"reconnects"`
}

type metricsResponse struct {
	Status    string `json:"status"`
	Metrics   string `json:"metrics"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Kind      string `json:"error_kind,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (h *CommandHandlers) ping(_ context.Context, _ []byte) interface{} {
	return pingResponse{
		Status:    "pong",
		DeviceID:  h.deviceID,
		Timestamp: timestamp(),
	}
}

// batch runs a batch request and replies with the full response
func (h *CommandHandlers) batch(ctx context.Context, data []byte) interface{} {
	var req orchestrator.BatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Error("Failed to parse batch request", zap.Error(err))
		return newErrorResponse(fmt.Errorf("invalid request format: %w", err))
	}

	h.logger.Info("Processing batch command",
		zap.Int("paths", len(req.Paths)),
		zap.Bool("decompress", req.Decompress),
		zap.Int("level", req.Level))

	resp, err := h.driver.Run(ctx, req)
	if err != nil {
		h.logger.Error("Batch command failed", zap.Error(err))
		return newErrorResponse(err)
	}

	if h.onBatch != nil {
		h.onBatch(ctx, resp)
	}

	return batchResponse{
		Status:    "success",
		Batch:     resp,
		Timestamp: timestamp(),
	}
}

func (h *CommandHandlers) resources(ctx context.Context, _ []byte) interface{} {
	snap := probe.SampleWindow(ctx, h.driver.Executor().Probe(), h.sampleWindow)
	return resourcesResponse{
		Status:    "success",
		Resources: snap.Payload(),
		Snapshot:  snap,
		Timestamp: timestamp(),
	}
}

func (h *CommandHandlers) health(_ context.Context, _ []byte) interface{} {
	executor := h.driver.Executor()
	resp := healthResponse{
		Status:       "healthy",
		AgentMetrics: executor.GetAgentMetrics(),
		TaskMetrics:  executor.GetTaskMetrics(),
		Timestamp:    timestamp(),
	}

	if h.conn != nil {
		stats := h.conn.Stats()
		resp.Connection = &connectionHealth{
			Connected:  h.conn.IsConnected(),
			InMsgs:     stats.InMsgs,
			OutMsgs:    stats.OutMsgs,
			InBytes:    stats.InBytes,
			OutBytes:   stats.OutBytes,
			Reconnects: stats.Reconnects,
		}
		if !resp.Connection.Connected {
			resp.Status = "degraded"
		}
	}
	return resp
}

func (h *CommandHandlers) metrics(_ context.Context, _ []byte) interface{} {
	text, err := metrics.Render(h.driver.Executor())
	if err != nil {
		return newErrorResponse(err)
	}
	return metricsResponse{
		Status:    "success",
		Metrics:   string(text),
		Timestamp: timestamp(),
	}
}

// respond marshals v and replies to msg. Messages without a reply subject
// are dropped.
func (h *CommandHandlers) respond(msg *nats.Msg, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to marshal response", zap.Error(err))
		data, _ = json.Marshal(newErrorResponse(err))
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrMsgNoReply) {
		h.logger.Warn("Failed to send response",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}

func newErrorResponse(err error) errorResponse {
	resp := errorResponse{
		Status:    "error",
		Error:     err.Error(),
		Timestamp: timestamp(),
	}
	if kind := tasks.KindOf(err); kind != tasks.KindInternal {
		resp.Kind = string(kind)
	}
	return resp
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
