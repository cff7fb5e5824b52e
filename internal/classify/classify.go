// Package classify reports the size and coarse content category of input files.
package classify

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/stone-age-io/pigzd/internal/tasks"
	"go.uber.org/zap"
)

// Info is the metadata the strategy selector needs about one file
type Info struct {
	Path      string         `json:"path"`
	SizeBytes int64          `json:"size_bytes"`
	Category  tasks.Category `json:"category"`
	MIME      string         `json:"mime,omitempty"`
}

// Classifier inspects files by content, falling back to the extension
// when the content is inconclusive
type Classifier struct {
	logger *zap.Logger
}

// New creates a classifier
func New(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{logger: logger}
}

// Classify returns size and category for a regular file. A missing path
// yields a *tasks.NotFoundError.
func (c *Classifier) Classify(path string) (Info, error) {
	stat, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, &tasks.NotFoundError{Path: path, Err: err}
		}
		return Info{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !stat.Mode().IsRegular() {
		return Info{}, fmt.Errorf("not a regular file: %s", path)
	}

	info := Info{Path: path, SizeBytes: stat.Size(), Category: tasks.CategoryUnknown}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		// Unreadable content stays unknown; the compressor will report the real error
		c.logger.Warn("Content detection failed",
			zap.String("path", path),
			zap.Error(err))
		return info, nil
	}

	info.MIME = mtype.String()
	info.Category = categorize(mtype, path)

	c.logger.Debug("Classified file",
		zap.String("path", path),
		zap.String("mime", info.MIME),
		zap.String("category", string(info.Category)),
		zap.Int64("size", info.SizeBytes))

	return info, nil
}

func categorize(mtype *mimetype.MIME, path string) tasks.Category {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return tasks.CategoryText
		}
	}

	if !mtype.Is("application/octet-stream") {
		return tasks.CategoryBinary
	}

	return categorizeByExtension(filepath.Ext(path))
}

// categorizeByExtension is the fallback for content the detector could not place
func categorizeByExtension(ext string) tasks.Category {
	if ext == "" {
		return tasks.CategoryUnknown
	}

	byExt := mime.TypeByExtension(strings.ToLower(ext))
	if byExt == "" {
		return tasks.CategoryUnknown
	}

	mediaType, _, err := mime.ParseMediaType(byExt)
	if err != nil {
		return tasks.CategoryUnknown
	}

	switch {
	case strings.HasPrefix(mediaType, "text/"),
		strings.HasSuffix(mediaType, "+xml"),
		strings.HasSuffix(mediaType, "+json"),
		mediaType == "application/json",
		mediaType == "application/xml",
		mediaType == "application/javascript":
		return tasks.CategoryText
	case mediaType == "application/octet-stream":
		return tasks.CategoryUnknown
	default:
		return tasks.CategoryBinary
	}
}
