package tasks

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stone-age-io/pigzd/internal/compressor"
	"github.com/stone-age-io/pigzd/internal/probe"
	"go.uber.org/zap"
)

type staticProbe struct{}

func (staticProbe) Name() string { return "static" }

func (staticProbe) Sample(ctx context.Context) probe.ResourceSnapshot {
	return probe.ResourceSnapshot{AvailableMemoryBytes: 8 << 30, Timestamp: time.Now()}
}

// fakeCompressor writes a fixed payload and returns scripted results
type fakeCompressor struct {
	compress func(ctx context.Context, in, out string) compressor.Result
	verify   func(ctx context.Context, path string) compressor.Result
}

func (f *fakeCompressor) Name() string                    { return "fake" }
func (f *fakeCompressor) Extension() string               { return ".gz" }
func (f *fakeCompressor) Check(ctx context.Context) error { return nil }

func (f *fakeCompressor) Compress(ctx context.Context, in, out string, level, threads int) compressor.Result {
	if f.compress != nil {
		return f.compress(ctx, in, out)
	}
	if err := os.WriteFile(out, []byte("packed"), 0o644); err != nil {
		return compressor.Result{ExitCode: 1, Stderr: err.Error()}
	}
	return compressor.Result{}
}

func (f *fakeCompressor) Decompress(ctx context.Context, in, out string, threads int) compressor.Result {
	return f.Compress(ctx, in, out, 0, threads)
}

func (f *fakeCompressor) Verify(ctx context.Context, path string) compressor.Result {
	if f.verify != nil {
		return f.verify(ctx, path)
	}
	return compressor.Result{}
}

func newSource(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.txt")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func compressTask(path string, size int) CompressionTask {
	return CompressionTask{
		SourcePath: path,
		SizeBytes:  int64(size),
		Category:   CategoryText,
		Level:      6,
		Threads:    2,
		Operation:  OperationCompress,
	}
}

// TestNewExecutor tests executor creation
func TestNewExecutor(t *testing.T) {
	timeout := 30 * time.Second
	executor := NewExecutor(nil, &fakeCompressor{}, staticProbe{}, timeout)

	if executor.taskTimeout != timeout {
		t.Errorf("NewExecutor() timeout = %v, want %v", executor.taskTimeout, timeout)
	}
	if executor.stats == nil || executor.stats.startTime.IsZero() {
		t.Error("NewExecutor() stats not initialized")
	}
	if executor.logger == nil {
		t.Error("NewExecutor() should default to a no-op logger")
	}
}

// TestRun_Success tests the happy path with the builtin gzip codec
func TestRun_Success(t *testing.T) {
	data := bytes.Repeat([]byte("compressible text line\n"), 4096)
	src := newSource(t, data)

	comp, err := compressor.NewBuiltin("gzip", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	executor := NewExecutor(zap.NewNop(), comp, staticProbe{}, time.Minute)

	var mu sync.Mutex
	var states []State
	executor.OnTransition(func(task CompressionTask, s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	res := executor.Run(context.Background(), compressTask(src, len(data)))

	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s, error = %s", res.Status, res.Error)
	}
	if res.OutputPath != src+".gz" {
		t.Errorf("OutputPath = %s, want %s.gz", res.OutputPath, src)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source should be deleted after verified success")
	}
	if !res.SourceRemoved {
		t.Error("SourceRemoved = false")
	}
	if res.OriginalSize != int64(len(data)) {
		t.Errorf("OriginalSize = %d, want %d", res.OriginalSize, len(data))
	}
	if res.CompressedSize <= 0 || res.CompressedSize >= res.OriginalSize {
		t.Errorf("CompressedSize = %d, expected 0 < size < %d", res.CompressedSize, res.OriginalSize)
	}

	want := []State{StatePending, StateRunning, StateVerifying, StateSucceeded}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}

	metrics := executor.GetAgentMetrics()
	if metrics.TasksSucceeded != 1 || metrics.BytesOriginal != int64(len(data)) {
		t.Errorf("metrics = %+v", metrics)
	}
}

// TestRun_DecompressRoundTrip tests that decompression restores the bytes
func TestRun_DecompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0, 1, 2, 3, 4, 5, 6, 7}, 8192)
	src := newSource(t, data)

	comp, _ := compressor.NewBuiltin("gzip", zap.NewNop())
	executor := NewExecutor(zap.NewNop(), comp, staticProbe{}, 0)

	packed := executor.Run(context.Background(), compressTask(src, len(data)))
	if !packed.Succeeded() {
		t.Fatalf("compress failed: %s", packed.Error)
	}

	res := executor.Run(context.Background(), CompressionTask{
		SourcePath: packed.OutputPath,
		SizeBytes:  packed.CompressedSize,
		Threads:    1,
		Operation:  OperationDecompress,
	})
	if !res.Succeeded() {
		t.Fatalf("decompress failed: %s", res.Error)
	}
	if res.OutputPath != src {
		t.Errorf("OutputPath = %s, want %s", res.OutputPath, src)
	}
	if res.OriginalSize != int64(len(data)) || res.CompressedSize != packed.CompressedSize {
		t.Errorf("sizes = %d/%d, want %d/%d", res.OriginalSize, res.CompressedSize, len(data), packed.CompressedSize)
	}

	got, _ := os.ReadFile(src)
	if !bytes.Equal(got, data) {
		t.Error("round trip changed the data")
	}
	if _, err := os.Stat(packed.OutputPath); !os.IsNotExist(err) {
		t.Error("archive should be deleted after verified decompression")
	}
}

// TestRun_VerificationFailure tests that a failed check preserves the source
func TestRun_VerificationFailure(t *testing.T) {
	data := []byte("precious bytes that must survive")
	src := newSource(t, data)

	comp := &fakeCompressor{
		verify: func(ctx context.Context, path string) compressor.Result {
			return compressor.Result{ExitCode: 2, Stderr: "crc error"}
		},
	}
	executor := NewExecutor(zap.NewNop(), comp, staticProbe{}, time.Minute)

	res := executor.Run(context.Background(), compressTask(src, len(data)))

	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if res.ErrorKind != KindVerification {
		t.Errorf("ErrorKind = %s, want %s", res.ErrorKind, KindVerification)
	}
	got, err := os.ReadFile(src)
	if err != nil || !bytes.Equal(got, data) {
		t.Error("source must be byte-identical after a failed verification")
	}
	if _, err := os.Stat(src + ".gz"); !os.IsNotExist(err) {
		t.Error("partial output should be removed")
	}
}

// TestRun_CompressionFailure tests a non-zero exit from the compressor
func TestRun_CompressionFailure(t *testing.T) {
	src := newSource(t, []byte("data"))

	comp := &fakeCompressor{
		compress: func(ctx context.Context, in, out string) compressor.Result {
			os.WriteFile(out, []byte("half"), 0o644)
			return compressor.Result{ExitCode: 1, Stderr: "disk full"}
		},
	}
	executor := NewExecutor(zap.NewNop(), comp, staticProbe{}, time.Minute)

	res := executor.Run(context.Background(), compressTask(src, 4))

	if res.ErrorKind != KindCompression {
		t.Errorf("ErrorKind = %s, want %s", res.ErrorKind, KindCompression)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("source should be preserved")
	}
	if _, err := os.Stat(src + ".gz"); !os.IsNotExist(err) {
		t.Error("partial output should be removed")
	}
	if executor.GetAgentMetrics().TasksFailed != 1 {
		t.Error("TasksFailed not recorded")
	}
}

// TestRun_SpawnFailure tests an invocation error without an exit code
func TestRun_SpawnFailure(t *testing.T) {
	src := newSource(t, []byte("data"))

	comp := &fakeCompressor{
		compress: func(ctx context.Context, in, out string) compressor.Result {
			return compressor.Result{ExitCode: -1, Err: errors.New("exec: not found")}
		},
	}
	executor := NewExecutor(zap.NewNop(), comp, staticProbe{}, time.Minute)

	res := executor.Run(context.Background(), compressTask(src, 4))
	if res.ErrorKind != KindSpawn {
		t.Errorf("ErrorKind = %s, want %s", res.ErrorKind, KindSpawn)
	}
}

// TestRun_CleanupFailure tests that a failed source delete keeps status success
func TestRun_CleanupFailure(t *testing.T) {
	src := newSource(t, []byte("data"))

	executor := NewExecutor(zap.NewNop(), &fakeCompressor{}, staticProbe{}, time.Minute)
	executor.removeFile = func(string) error { return os.ErrPermission }

	res := executor.Run(context.Background(), compressTask(src, 4))

	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s, want success", res.Status)
	}
	if res.Warning == "" {
		t.Error("expected a cleanup warning")
	}
	if res.SourceRemoved {
		t.Error("SourceRemoved should be false")
	}
	if _, err := os.Stat(src + ".gz"); err != nil {
		t.Error("verified output must be kept")
	}
	if executor.GetAgentMetrics().CleanupWarnings != 1 {
		t.Error("CleanupWarnings not recorded")
	}
}

func blockingCompressor() *fakeCompressor {
	return &fakeCompressor{
		compress: func(ctx context.Context, in, out string) compressor.Result {
			os.WriteFile(out, []byte("partial"), 0o644)
			<-ctx.Done()
			return compressor.Result{ExitCode: -1, Err: ctx.Err()}
		},
	}
}

// TestRun_Timeout tests that an overrunning task fails with a timeout
func TestRun_Timeout(t *testing.T) {
	src := newSource(t, []byte("data"))
	executor := NewExecutor(zap.NewNop(), blockingCompressor(), staticProbe{}, 50*time.Millisecond)

	res := executor.Run(context.Background(), compressTask(src, 4))

	if res.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", res.Status)
	}
	if res.ErrorKind != KindTimeout {
		t.Errorf("ErrorKind = %s, want %s", res.ErrorKind, KindTimeout)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("source should be preserved on timeout")
	}
	if _, err := os.Stat(src + ".gz"); !os.IsNotExist(err) {
		t.Error("partial output should be removed on timeout")
	}
}

// TestRun_Cancelled tests cancellation of a running task
func TestRun_Cancelled(t *testing.T) {
	src := newSource(t, []byte("data"))
	executor := NewExecutor(zap.NewNop(), blockingCompressor(), staticProbe{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	executor.OnTransition(func(task CompressionTask, s State) {
		if s == StateRunning {
			cancel()
		}
	})

	res := executor.Run(ctx, compressTask(src, 4))

	if res.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", res.Status)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("source should be preserved on cancel")
	}
	if _, err := os.Stat(src + ".gz"); !os.IsNotExist(err) {
		t.Error("partial output should be removed on cancel")
	}
}

// TestRun_CancelledBeforeStart tests that a cancelled batch never spawns
func TestRun_CancelledBeforeStart(t *testing.T) {
	src := newSource(t, []byte("data"))
	called := false
	comp := &fakeCompressor{
		compress: func(ctx context.Context, in, out string) compressor.Result {
			called = true
			return compressor.Result{}
		},
	}
	executor := NewExecutor(zap.NewNop(), comp, staticProbe{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := executor.Run(ctx, compressTask(src, 4))
	if res.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", res.Status)
	}
	if called {
		t.Error("compressor should not run for a cancelled task")
	}
}

// TestOutputPath tests output naming in both directions
func TestOutputPath(t *testing.T) {
	executor := NewExecutor(nil, &fakeCompressor{}, staticProbe{}, 0)

	tests := []struct {
		name string
		task CompressionTask
		want string
	}{
		{"compress appends", CompressionTask{SourcePath: "/d/a.txt", Operation: OperationCompress}, "/d/a.txt.gz"},
		{"decompress strips", CompressionTask{SourcePath: "/d/a.txt.gz", Operation: OperationDecompress}, "/d/a.txt"},
		{"decompress uppercase", CompressionTask{SourcePath: "/d/A.GZ", Operation: OperationDecompress}, "/d/A"},
		{"decompress without extension", CompressionTask{SourcePath: "/d/blob", Operation: OperationDecompress}, "/d/blob.out"},
		{"decompress bare extension", CompressionTask{SourcePath: "/d/.gz", Operation: OperationDecompress}, "/d/.gz.out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executor.OutputPath(tt.task); got != tt.want {
				t.Errorf("OutputPath() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestRecordBatch tests scheduled job counters
func TestRecordBatch(t *testing.T) {
	executor := NewExecutor(nil, &fakeCompressor{}, staticProbe{}, 0)

	executor.RecordHeartbeat()
	executor.RecordWatchRun()
	executor.RecordBatch("parallel")
	executor.RecordBatch("parallel")
	executor.RecordBatch("")

	m := executor.GetTaskMetrics()
	if m.HeartbeatCount != 1 || m.WatchRunCount != 1 || m.BatchCount != 3 {
		t.Errorf("task metrics = %+v", m)
	}
	if m.BatchModes["parallel"] != 2 || len(m.BatchModes) != 1 {
		t.Errorf("BatchModes = %v, want parallel:2", m.BatchModes)
	}
	if _, err := time.Parse(time.RFC3339, m.LastBatch); err != nil {
		t.Errorf("LastBatch parse error: %v", err)
	}
}

// TestConcurrentRecording tests thread-safety of result recording
func TestConcurrentRecording(t *testing.T) {
	executor := NewExecutor(nil, &fakeCompressor{}, staticProbe{}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if j%2 == 0 {
					executor.RecordResult(TaskResult{Status: StatusSuccess, OriginalSize: 10})
				} else {
					executor.RecordResult(TaskResult{Status: StatusFailed, Error: "boom"})
				}
			}
		}()
	}
	wg.Wait()

	m := executor.GetAgentMetrics()
	if m.TasksSucceeded != 500 || m.TasksFailed != 500 {
		t.Errorf("counts = %d/%d, want 500/500", m.TasksSucceeded, m.TasksFailed)
	}
	if m.BytesOriginal != 5000 {
		t.Errorf("BytesOriginal = %d, want 5000", m.BytesOriginal)
	}
	if m.LastError != "boom" {
		t.Errorf("LastError = %q, want boom", m.LastError)
	}
}
