package compressor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"
)

// Format is a codec supported by the builtin backend
type Format string

const (
	FormatGzip   Format = "gzip"
	FormatZstd   Format = "zstd"
	FormatLZ4    Format = "lz4"
	FormatBrotli Format = "brotli"
	FormatSnappy Format = "snappy"
)

var extensions = map[Format]string{
	FormatGzip:   ".gz",
	FormatZstd:   ".zst",
	FormatLZ4:    ".lz4",
	FormatBrotli: ".br",
	FormatSnappy: ".sz",
}

var lz4Levels = []lz4.CompressionLevel{
	lz4.Level1, lz4.Level2, lz4.Level3,
	lz4.Level4, lz4.Level5, lz4.Level6,
	lz4.Level7, lz4.Level8, lz4.Level9,
}

// ExtensionFor returns the file extension of a format
func ExtensionFor(format Format) (string, bool) {
	ext, ok := extensions[format]
	return ext, ok
}

// Builtin compresses in-process with pure Go codecs. It needs no external
// binary, which makes it the fallback on hosts without pigz.
type Builtin struct {
	format Format
	logger *zap.Logger
}

// NewBuiltin creates an in-process backend for the given format (gzip by default)
func NewBuiltin(format string, logger *zap.Logger) (*Builtin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := Format(strings.ToLower(format))
	if f == "" {
		f = FormatGzip
	}
	if _, ok := extensions[f]; !ok {
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	return &Builtin{format: f, logger: logger}, nil
}

func (b *Builtin) Name() string { return "builtin-" + string(b.format) }

func (b *Builtin) Extension() string { return extensions[b.format] }

// Format returns the codec in use
func (b *Builtin) Format() Format { return b.format }

// Check always succeeds: the codecs are linked in
func (b *Builtin) Check(ctx context.Context) error { return nil }

// Compress streams input through the codec into output
func (b *Builtin) Compress(ctx context.Context, input, output string, level, threads int) Result {
	in, err := os.Open(input)
	if err != nil {
		return failure(err)
	}
	defer in.Close()

	out, err := os.OpenFile(output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return failure(err)
	}

	w, err := b.newWriter(out, level, threads)
	if err != nil {
		out.Close()
		return failure(err)
	}

	_, copyErr := io.Copy(w, &ctxReader{ctx: ctx, r: in})
	closeErr := w.Close()
	fileErr := out.Close()

	return b.outcome(ctx, errors.Join(copyErr, closeErr, fileErr))
}

// Decompress streams input through the decoder into output
func (b *Builtin) Decompress(ctx context.Context, input, output string, threads int) Result {
	in, err := os.Open(input)
	if err != nil {
		return failure(err)
	}
	defer in.Close()

	r, err := b.newReader(in, threads)
	if err != nil {
		return failure(err)
	}
	defer r.Close()

	out, err := os.OpenFile(output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return failure(err)
	}

	_, copyErr := io.Copy(out, &ctxReader{ctx: ctx, r: r})
	fileErr := out.Close()

	return b.outcome(ctx, errors.Join(copyErr, fileErr))
}

// Verify decodes the whole file and discards the output. The gzip, zstd,
// lz4 and snappy framings carry checksums checked at end of stream.
func (b *Builtin) Verify(ctx context.Context, path string) Result {
	in, err := os.Open(path)
	if err != nil {
		return failure(err)
	}
	defer in.Close()

	r, err := b.newReader(in, 1)
	if err != nil {
		return failure(err)
	}
	defer r.Close()

	_, err = io.Copy(io.Discard, &ctxReader{ctx: ctx, r: r})
	return b.outcome(ctx, err)
}

func (b *Builtin) newWriter(w io.Writer, level, threads int) (io.WriteCloser, error) {
	level = min(max(level, 1), 9)
	threads = max(threads, 1)

	switch b.format {
	case FormatGzip:
		return gzip.NewWriterLevel(w, level)
	case FormatZstd:
		encLevel := zstd.EncoderLevelFromZstd(level)
		if level == 9 {
			encLevel = zstd.SpeedBestCompression
		}
		return zstd.NewWriter(w,
			zstd.WithEncoderLevel(encLevel),
			zstd.WithEncoderConcurrency(threads))
	case FormatLZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(
			lz4.CompressionLevelOption(lz4Levels[level-1]),
			lz4.ConcurrencyOption(threads),
		); err != nil {
			return nil, fmt.Errorf("configure lz4 writer: %w", err)
		}
		return zw, nil
	case FormatBrotli:
		return brotli.NewWriterLevel(w, level), nil
	case FormatSnappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", b.format)
	}
}

func (b *Builtin) newReader(r io.Reader, threads int) (io.ReadCloser, error) {
	threads = max(threads, 1)

	switch b.format {
	case FormatGzip:
		return gzip.NewReader(r)
	case FormatZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(threads))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case FormatLZ4:
		zr := lz4.NewReader(r)
		if err := zr.Apply(lz4.ConcurrencyOption(threads)); err != nil {
			return nil, fmt.Errorf("configure lz4 reader: %w", err)
		}
		return io.NopCloser(zr), nil
	case FormatBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case FormatSnappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", b.format)
	}
}

// outcome turns a codec error into the exit-code shaped Result the
// runner expects from any backend
func (b *Builtin) outcome(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return Result{ExitCode: -1, Err: ctx.Err()}
	}
	if err != nil {
		b.logger.Debug("Codec error", zap.String("format", string(b.format)), zap.Error(err))
		return Result{ExitCode: 1, Stderr: err.Error()}
	}
	return Result{}
}

func failure(err error) Result {
	return Result{ExitCode: 1, Stderr: err.Error()}
}

// ctxReader stops a copy once the context is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
