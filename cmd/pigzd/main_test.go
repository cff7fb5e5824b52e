package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stone-age-io/pigzd/internal/orchestrator"
	"github.com/stone-age-io/pigzd/internal/store"
	"github.com/stone-age-io/pigzd/internal/tasks"
)

// execute runs the CLI with args and returns stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestCompressDecompress tests a JSON round trip through both commands
func TestCompressDecompress(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "missing.yaml")
	src := filepath.Join(dir, "report.csv")
	content := strings.Repeat("id,name,value\n1,alpha,42\n", 400)
	writeFile(t, src, content)

	out, err := execute(t, "compress", "--config", cfgPath, "--backend", "builtin", "--no-history", "--json", "--level", "7", src)
	if err != nil {
		t.Fatalf("compress error: %v\n%s", err, out)
	}

	var resp orchestrator.BatchResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(resp.Results) != 1 || resp.Results[0].Status != tasks.StatusSuccess {
		t.Fatalf("results = %+v", resp.Results)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still present after compression")
	}

	out, err = execute(t, "decompress", "--config", cfgPath, "--backend", "builtin", "--no-history", src+".gz")
	if err != nil {
		t.Fatalf("decompress error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "report.csv.gz") || !strings.Contains(out, "1 succeeded") {
		t.Errorf("unexpected table output:\n%s", out)
	}

	got, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("decompressed file missing: %v", err)
	}
	if string(got) != content {
		t.Error("round trip content mismatch")
	}
}

// TestCompress_FailureExitCode tests that failed tasks make the command fail
func TestCompress_FailureExitCode(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "compress", "--config", filepath.Join(dir, "none.yaml"), "--backend", "builtin",
		"--no-history", filepath.Join(dir, "missing.txt"))
	if err == nil {
		t.Fatal("expected error for missing input")
	}
	if !strings.Contains(err.Error(), "1 of 1 tasks did not succeed") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(out, "failed") {
		t.Errorf("output missing failed status:\n%s", out)
	}
}

// TestCompress_InvalidFlags tests argument validation
func TestCompress_InvalidFlags(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "none.yaml")
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, "a")

	tests := [][]string{
		{"compress", "--config", cfgPath},
		{"compress", "--config", cfgPath, "--backend", "builtin", "--level", "10", src},
		{"compress", "--config", cfgPath, "--backend", "rar", src},
	}
	for _, args := range tests {
		if _, err := execute(t, args...); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

// TestHistory tests that CLI batches are recorded and listed
func TestHistory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	t.Setenv("PIGZD_STORE_PATH", dbPath)
	cfgPath := filepath.Join(dir, "none.yaml")

	src := filepath.Join(dir, "log.txt")
	writeFile(t, src, strings.Repeat("history line\n", 200))

	if out, err := execute(t, "compress", "--config", cfgPath, "--backend", "builtin", src); err != nil {
		t.Fatalf("compress error: %v\n%s", err, out)
	}

	out, err := execute(t, "history", "--config", cfgPath, "--json")
	if err != nil {
		t.Fatalf("history error: %v", err)
	}
	var batches []store.BatchRecord
	if err := json.Unmarshal([]byte(out), &batches); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(batches) != 1 || batches[0].Succeeded != 1 {
		t.Fatalf("batches = %+v", batches)
	}

	out, err = execute(t, "history", "--config", cfgPath, batches[0].ID)
	if err != nil {
		t.Fatalf("history show error: %v", err)
	}
	if !strings.Contains(out, "log.txt") {
		t.Errorf("history show missing result row:\n%s", out)
	}

	if _, err := execute(t, "history", "--config", cfgPath, "unknown-id"); err == nil {
		t.Error("expected error for unknown batch id")
	}
}

// TestConfigInit tests writing and protecting the starter config
func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	if _, err := execute(t, "config", "init", "--config", path); err != nil {
		t.Fatalf("config init error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, err := execute(t, "config", "init", "--config", path); err == nil {
		t.Error("expected error when config exists")
	}
	if _, err := execute(t, "config", "init", "--config", path, "--force"); err != nil {
		t.Errorf("config init --force error: %v", err)
	}

	out, err := execute(t, "config", "show", "--config", path)
	if err != nil {
		t.Fatalf("config show error: %v", err)
	}
	if !strings.Contains(out, "subject_prefix: pigzd") {
		t.Errorf("config show output:\n%s", out)
	}
}

// TestRenderTable tests column alignment
func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	renderTable(&buf, []string{"A", "LONGER"}, [][]string{{"value", "x"}, {"v", "yy"}})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	col := strings.Index(lines[0], "LONGER")
	if strings.Index(lines[1], "x") != col || strings.Index(lines[2], "yy") != col {
		t.Errorf("columns not aligned:\n%s", buf.String())
	}
}

// TestTruncate tests detail shortening
func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("line one\nline two is long", 12); got != "line one ..." {
		t.Errorf("truncate() = %q", got)
	}
}
