// Package compressor wraps the tools that do the actual byte-level work.
// The orchestrator treats every backend as a black box that produces files
// and a pass/fail signal.
package compressor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Result is the structured outcome of one compressor invocation
type Result struct {
	ExitCode int
	Stderr   string

	// Err is set when the invocation did not run to an exit code:
	// the binary could not be started or the context ended
	Err error
}

// OK reports a clean zero exit
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Compressor is a compression backend
type Compressor interface {
	// Name identifies the backend in logs and errors
	Name() string

	// Extension is the suffix appended to compressed outputs (".gz")
	Extension() string

	// Check verifies the backend can run at all
	Check(ctx context.Context) error

	Compress(ctx context.Context, input, output string, level, threads int) Result
	Decompress(ctx context.Context, input, output string, threads int) Result

	// Verify runs an integrity check against a compressed file
	Verify(ctx context.Context, path string) Result
}

// New creates the configured backend: "pigz" (default) or "builtin"
func New(backend, binary, format string, logger *zap.Logger) (Compressor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(backend) {
	case "", "pigz":
		if format != "" && Format(strings.ToLower(format)) != FormatGzip {
			return nil, fmt.Errorf("pigz backend only produces gzip, got format %q", format)
		}
		logger.Info("Using pigz compressor backend", zap.String("binary", binary))
		return NewPigz(binary, logger), nil
	case "builtin":
		logger.Info("Using builtin compressor backend", zap.String("format", format))
		return NewBuiltin(format, logger)
	default:
		return nil, fmt.Errorf("unknown compressor backend: %s", backend)
	}
}
