package compressor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPigzBinary is looked up on PATH when no binary is configured
	DefaultPigzBinary = "pigz"

	checkTimeout = 10 * time.Second
	waitDelay    = 5 * time.Second
)

// Pigz invokes the pigz binary directly with an argument vector.
// No shell is involved, so paths with spaces or metacharacters are safe.
type Pigz struct {
	binary string
	logger *zap.Logger
}

// NewPigz creates a pigz backend for the given binary name or path
func NewPigz(binary string, logger *zap.Logger) *Pigz {
	if binary == "" {
		binary = DefaultPigzBinary
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pigz{binary: binary, logger: logger}
}

func (p *Pigz) Name() string { return "pigz" }

func (p *Pigz) Extension() string { return ".gz" }

// Check resolves the binary and runs it once
func (p *Pigz) Check(ctx context.Context) error {
	path, err := exec.LookPath(p.binary)
	if err != nil {
		return fmt.Errorf("binary not found: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	res := p.run(ctx, []string{"--version"}, io.Discard)
	if res.Err != nil {
		return fmt.Errorf("failed to execute %s: %w", path, res.Err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s --version exited with code %d", path, res.ExitCode)
	}
	return nil
}

// Compress runs `pigz -p N -L -c -f input` with stdout streamed into output
func (p *Pigz) Compress(ctx context.Context, input, output string, level, threads int) Result {
	args := []string{
		"-p", strconv.Itoa(max(threads, 1)),
		"-" + strconv.Itoa(level),
		"-c", "-f",
		safePath(input),
	}
	return p.runToFile(ctx, args, output)
}

// Decompress runs `pigz -d -p N -c -f input` with stdout streamed into output
func (p *Pigz) Decompress(ctx context.Context, input, output string, threads int) Result {
	args := []string{
		"-d",
		"-p", strconv.Itoa(max(threads, 1)),
		"-c", "-f",
		safePath(input),
	}
	return p.runToFile(ctx, args, output)
}

// Verify runs `pigz -t path`
func (p *Pigz) Verify(ctx context.Context, path string) Result {
	return p.run(ctx, []string{"-t", safePath(path)}, io.Discard)
}

func (p *Pigz) runToFile(ctx context.Context, args []string, output string) Result {
	f, err := os.OpenFile(output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{ExitCode: -1, Stderr: err.Error(), Err: fmt.Errorf("open output: %w", err)}
	}

	res := p.run(ctx, args, f)
	if err := f.Close(); err != nil && res.OK() {
		return Result{ExitCode: -1, Stderr: err.Error(), Err: fmt.Errorf("close output: %w", err)}
	}
	return res
}

// run executes the binary and returns its exit code and stderr
func (p *Pigz) run(ctx context.Context, args []string, stdout io.Writer) Result {
	cmd := exec.CommandContext(ctx, p.binary, args...)
	configureCommand(cmd)
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	p.logger.Debug("Running compressor",
		zap.String("binary", p.binary),
		zap.Strings("args", args))

	return runResult(ctx, cmd.Run(), stderr.String())
}

// runResult maps the outcome of cmd.Run onto a Result. A clean exit stands
// even when the context expired right after it.
func runResult(ctx context.Context, err error, stderr string) Result {
	if err == nil {
		return Result{ExitCode: 0, Stderr: stderr}
	}
	if ctx.Err() != nil {
		return Result{ExitCode: -1, Stderr: stderr, Err: ctx.Err()}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitCode(), Stderr: stderr}
	}
	return Result{ExitCode: -1, Stderr: stderr, Err: fmt.Errorf("failed to execute command: %w", err)}
}

// safePath keeps a leading dash in a file name from being read as an option
func safePath(path string) string {
	if strings.HasPrefix(path, "-") {
		return "./" + path
	}
	return path
}
