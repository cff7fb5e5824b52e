package compressor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// TestNew tests the backend factory
func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		backend     string
		format      string
		expectName  string
		expectError bool
	}{
		{name: "default is pigz", backend: "", expectName: "pigz"},
		{name: "pigz with gzip", backend: "pigz", format: "gzip", expectName: "pigz"},
		{name: "pigz rejects zstd", backend: "pigz", format: "zstd", expectError: true},
		{name: "builtin default gzip", backend: "builtin", expectName: "builtin-gzip"},
		{name: "builtin zstd", backend: "BUILTIN", format: "zstd", expectName: "builtin-zstd"},
		{name: "builtin unknown format", backend: "builtin", format: "xz", expectError: true},
		{name: "unknown backend", backend: "7zip", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.backend, "", tt.format, zap.NewNop())
			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Name() != tt.expectName {
				t.Errorf("Name() = %s, want %s", c.Name(), tt.expectName)
			}
		})
	}
}

// TestBuiltin_RoundTrip tests every codec compresses, verifies and restores
func TestBuiltin_RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 2000)

	for format, ext := range extensions {
		t.Run(string(format), func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "input.txt")
			packed := src + ext
			restored := filepath.Join(dir, "restored.txt")
			writeFile(t, src, data)

			b, err := NewBuiltin(string(format), zap.NewNop())
			if err != nil {
				t.Fatalf("NewBuiltin: %v", err)
			}
			if b.Extension() != ext {
				t.Errorf("Extension() = %s, want %s", b.Extension(), ext)
			}

			ctx := context.Background()
			if res := b.Compress(ctx, src, packed, 6, 2); !res.OK() {
				t.Fatalf("Compress failed: %+v", res)
			}
			if res := b.Verify(ctx, packed); !res.OK() {
				t.Fatalf("Verify failed: %+v", res)
			}
			if res := b.Decompress(ctx, packed, restored, 2); !res.OK() {
				t.Fatalf("Decompress failed: %+v", res)
			}

			got, err := os.ReadFile(restored)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("restored %d bytes, want %d identical bytes", len(got), len(data))
			}

			info, _ := os.Stat(packed)
			if info.Size() >= int64(len(data)) {
				t.Errorf("compressed size %d not smaller than %d", info.Size(), len(data))
			}
		})
	}
}

// TestBuiltin_VerifyCorrupt tests that a damaged archive fails verification
func TestBuiltin_VerifyCorrupt(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.gz")
	writeFile(t, bad, []byte("this is not gzip data at all"))

	b, _ := NewBuiltin("gzip", zap.NewNop())
	res := b.Verify(context.Background(), bad)
	if res.OK() {
		t.Fatal("expected verification to fail")
	}
	if res.ExitCode == 0 || res.Stderr == "" {
		t.Errorf("expected non-zero exit with diagnostics, got %+v", res)
	}
}

// TestBuiltin_TruncatedArchive tests a gzip stream cut short
func TestBuiltin_TruncatedArchive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	packed := src + ".gz"
	writeFile(t, src, bytes.Repeat([]byte("abcdefgh"), 10000))

	b, _ := NewBuiltin("gzip", zap.NewNop())
	if res := b.Compress(context.Background(), src, packed, 9, 1); !res.OK() {
		t.Fatalf("Compress failed: %+v", res)
	}

	raw, _ := os.ReadFile(packed)
	writeFile(t, packed, raw[:len(raw)/2])

	if res := b.Verify(context.Background(), packed); res.OK() {
		t.Error("expected truncated archive to fail verification")
	}
}

// TestBuiltin_MissingInput tests a non-zero exit for a missing file
func TestBuiltin_MissingInput(t *testing.T) {
	dir := t.TempDir()
	b, _ := NewBuiltin("zstd", zap.NewNop())

	res := b.Compress(context.Background(), filepath.Join(dir, "nope"), filepath.Join(dir, "nope.zst"), 5, 1)
	if res.OK() {
		t.Fatal("expected failure for missing input")
	}
	if res.Err != nil {
		t.Errorf("missing input should be an exit failure, not an invocation error: %v", res.Err)
	}
}

// TestBuiltin_Cancelled tests that a cancelled context aborts the copy
func TestBuiltin_Cancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.bin")
	writeFile(t, src, make([]byte, 1<<20))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, _ := NewBuiltin("gzip", zap.NewNop())
	res := b.Compress(ctx, src, src+".gz", 6, 1)
	if res.Err == nil {
		t.Fatalf("expected context error, got %+v", res)
	}
}

// TestSafePath tests that dash-prefixed names are not parsed as options
func TestSafePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"-rf", "./-rf"},
		{"file.txt", "file.txt"},
		{"/abs/-x", "/abs/-x"},
		{"dir with spaces/a;b", "dir with spaces/a;b"},
	}
	for _, tt := range tests {
		if got := safePath(tt.in); got != tt.want {
			t.Errorf("safePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestRunResult tests how a finished command is reported
func TestRunResult(t *testing.T) {
	expired, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name     string
		ctx      context.Context
		err      error
		wantCode int
		wantErr  bool
	}{
		{"clean exit", context.Background(), nil, 0, false},
		{"clean exit after deadline", expired, nil, 0, false},
		{"killed by context", expired, errors.New("signal: killed"), -1, true},
		{"start failure", context.Background(), errors.New("exec format error"), -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runResult(tt.ctx, tt.err, "")
			if res.ExitCode != tt.wantCode || (res.Err != nil) != tt.wantErr {
				t.Errorf("runResult() = %+v, want code %d err %v", res, tt.wantCode, tt.wantErr)
			}
			if res.OK() == tt.wantErr {
				t.Errorf("OK() = %v", res.OK())
			}
		})
	}
}

// TestPigz_CheckMissingBinary tests that a missing binary fails the check
func TestPigz_CheckMissingBinary(t *testing.T) {
	p := NewPigz("pigz-does-not-exist-on-this-host", zap.NewNop())
	if err := p.Check(context.Background()); err == nil {
		t.Error("expected error for missing binary")
	}
}

// TestPigz_RoundTrip tests pigz against a file name with shell metacharacters
func TestPigz_RoundTrip(t *testing.T) {
	if _, err := exec.LookPath("pigz"); err != nil {
		t.Skip("pigz not installed")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "my file; rm -rf $HOME.txt")
	data := []byte(strings.Repeat("hello pigz\n", 5000))
	writeFile(t, src, data)

	p := NewPigz("", zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res := p.Compress(ctx, src, src+".gz", 6, 2); !res.OK() {
		t.Fatalf("Compress failed: %+v", res)
	}
	if res := p.Verify(ctx, src+".gz"); !res.OK() {
		t.Fatalf("Verify failed: %+v", res)
	}

	restored := filepath.Join(dir, "restored")
	if res := p.Decompress(ctx, src+".gz", restored, 2); !res.OK() {
		t.Fatalf("Decompress failed: %+v", res)
	}
	got, _ := os.ReadFile(restored)
	if !bytes.Equal(got, data) {
		t.Error("pigz round trip changed the data")
	}
}

// TestPigz_VerifyCorrupt tests a non-zero exit code from pigz -t
func TestPigz_VerifyCorrupt(t *testing.T) {
	if _, err := exec.LookPath("pigz"); err != nil {
		t.Skip("pigz not installed")
	}

	bad := filepath.Join(t.TempDir(), "bad.gz")
	writeFile(t, bad, []byte("garbage"))

	res := NewPigz("", zap.NewNop()).Verify(context.Background(), bad)
	if res.OK() || res.ExitCode == 0 {
		t.Errorf("expected failed verification, got %+v", res)
	}
}
