package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrorKind classifies task errors for callers that need more than a message
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindSpawn        ErrorKind = "spawn"
	KindCompression  ErrorKind = "compression_failed"
	KindVerification ErrorKind = "verification_failed"
	KindTimeout      ErrorKind = "timeout"
	KindCancelled    ErrorKind = "cancelled"
	KindConflict     ErrorKind = "conflict"
	KindDuplicate    ErrorKind = "duplicate_input"
	KindInternal     ErrorKind = "internal"
)

// maxDetail bounds diagnostic output copied into errors
const maxDetail = 4096

// NotFoundError reports an input path that does not exist
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("input not found: %s", e.Path)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// SpawnError reports that the compressor could not be started at all.
// Detected before a batch starts it aborts the whole batch.
type SpawnError struct {
	Tool string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("cannot run compressor %q: %v", e.Tool, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CompressionFailedError reports a non-zero exit from the compressor
type CompressionFailedError struct {
	Operation Operation
	ExitCode  int
	Stderr    string
}

func (e *CompressionFailedError) Error() string {
	return fmt.Sprintf("%s exited with code %d%s", e.Operation, e.ExitCode, detailSuffix(e.Stderr))
}

// VerificationFailedError reports a failed integrity check
type VerificationFailedError struct {
	Path     string
	ExitCode int
	Stderr   string
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("integrity check of %s failed (exit %d)%s", e.Path, e.ExitCode, detailSuffix(e.Stderr))
}

// TimeoutError reports a task that exceeded its wall-clock budget
type TimeoutError struct {
	Stage   State
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task timed out after %v while %s", e.Timeout, e.Stage)
}

// CleanupWarning reports that the source could not be removed after a
// verified success. It never changes the task status.
type CleanupWarning struct {
	Path string
	Err  error
}

func (e *CleanupWarning) Error() string {
	return fmt.Sprintf("source %s kept: %v", e.Path, e.Err)
}

func (e *CleanupWarning) Unwrap() error { return e.Err }

// ConflictError reports an input whose output path is the source or the
// output of another input in the same batch
type ConflictError struct {
	Path   string
	Output string
	Other  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("output %s of %s collides with %s in the same batch", e.Output, e.Path, e.Other)
}

// DuplicateInputError reports an input already requested earlier in the batch
type DuplicateInputError struct {
	Path string
}

func (e *DuplicateInputError) Error() string {
	return fmt.Sprintf("input %s already requested in this batch", e.Path)
}

// KindOf maps an error onto its ErrorKind
func KindOf(err error) ErrorKind {
	var (
		notFound     *NotFoundError
		spawn        *SpawnError
		compression  *CompressionFailedError
		verification *VerificationFailedError
		timeout      *TimeoutError
		conflict     *ConflictError
		duplicate    *DuplicateInputError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &spawn):
		return KindSpawn
	case errors.As(err, &compression):
		return KindCompression
	case errors.As(err, &verification):
		return KindVerification
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &duplicate):
		return KindDuplicate
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}

func detailSuffix(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	if len(stderr) > maxDetail {
		cut := maxDetail
		for cut > 0 && !utf8.RuneStart(stderr[cut]) {
			cut--
		}
		stderr = stderr[:cut] + "..."
	}
	return ": " + stderr
}
