package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/stone-age-io/pigzd/internal/tasks"
	"go.uber.org/zap"
)

// input is one expanded file. A non-nil err fails the slot without running.
type input struct {
	path string
	err  error
}

// pathKey normalizes a path for identity checks within a batch
func pathKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// expandInputs turns the requested paths into the ordered list of files to
// process. Folders are walked recursively in lexical order. Paths that do
// not exist are kept so they surface as per-input failures. A repeated path
// keeps its slot and fails as a duplicate.
func (d *Driver) expandInputs(paths []string, decompress bool) []input {
	ext := strings.ToLower(d.executor.Compressor().Extension())
	seen := make(map[string]bool, len(paths))
	var out []input

	add := func(path string) {
		key := pathKey(path)
		if seen[key] {
			d.logger.Debug("Duplicate input", zap.String("path", path))
			out = append(out, input{path: path, err: &tasks.DuplicateInputError{Path: path}})
			return
		}
		seen[key] = true
		out = append(out, input{path: path})
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			add(path)
			continue
		}

		err = filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
			if err != nil {
				d.logger.Warn("Skipping unreadable path", zap.String("path", p), zap.Error(err))
				if entry != nil && entry.IsDir() && p != path {
					return filepath.SkipDir
				}
				return nil
			}
			if !entry.Type().IsRegular() {
				return nil
			}
			if hasExt := strings.HasSuffix(strings.ToLower(p), ext); hasExt != decompress {
				return nil
			}
			add(p)
			return nil
		})
		if err != nil && !errors.Is(err, filepath.SkipDir) {
			d.logger.Warn("Folder walk ended early", zap.String("folder", path), zap.Error(err))
		}
	}

	return out
}

// markConflicts fails every input whose output path is the source of
// another input, or is shared with another input's output. Each task may
// only touch its own source and output, so neither side of a shared output
// runs.
func (d *Driver) markConflicts(inputs []input, op tasks.Operation) {
	sources := make(map[string]int, len(inputs))
	outputs := make([]string, len(inputs))
	claims := make(map[string][]int, len(inputs))

	for i, in := range inputs {
		if in.err != nil {
			continue
		}
		sources[pathKey(in.path)] = i
		outputs[i] = d.executor.OutputPath(tasks.CompressionTask{SourcePath: in.path, Operation: op})
		key := pathKey(outputs[i])
		claims[key] = append(claims[key], i)
	}

	for i := range inputs {
		if inputs[i].err != nil {
			continue
		}
		key := pathKey(outputs[i])
		other := ""
		if j, ok := sources[key]; ok && j != i {
			other = inputs[j].path
		} else if owners := claims[key]; len(owners) > 1 {
			for _, j := range owners {
				if j != i {
					other = inputs[j].path
					break
				}
			}
		}
		if other == "" {
			continue
		}
		d.logger.Warn("Output collides with another input",
			zap.String("path", inputs[i].path),
			zap.String("output", outputs[i]),
			zap.String("other", other))
		inputs[i].err = &tasks.ConflictError{Path: inputs[i].path, Output: outputs[i], Other: other}
	}
}

// ScanFolder lists the files a batch over folder would process
func (d *Driver) ScanFolder(folder string, decompress bool) ([]string, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a folder: %s", folder)
	}

	var paths []string
	for _, in := range d.expandInputs([]string{folder}, decompress) {
		if in.err == nil {
			paths = append(paths, in.path)
		}
	}
	return paths, nil
}
