package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stone-age-io/pigzd/internal/agent"
	"github.com/stone-age-io/pigzd/internal/config"
	"github.com/stone-age-io/pigzd/internal/orchestrator"
	"github.com/stone-age-io/pigzd/internal/store"
	"go.uber.org/zap"
)

type batchFlags struct {
	level   int
	threads int
	json    bool
	backend string
	format  string
	noStore bool
}

func newBatchCmd(opts *options, decompress bool) *cobra.Command {
	flags := &batchFlags{}

	use, short := "compress PATH...", "Compress files and folders"
	if decompress {
		use, short = "decompress PATH...", "Decompress archives and folders of archives"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBatch(ctx, cmd.OutOrStdout(), opts, flags, orchestrator.BatchRequest{
				Paths:      args,
				Level:      flags.level,
				Decompress: decompress,
				Threads:    flags.threads,
			})
		},
	}

	if !decompress {
		cmd.Flags().IntVarP(&flags.level, "level", "l", 0, "Base compression level 1-9 (default from config)")
	}
	cmd.Flags().IntVarP(&flags.threads, "threads", "t", 0, "Thread budget override (default: all logical CPUs)")
	cmd.Flags().BoolVar(&flags.json, "json", false, "Print the batch response as JSON")
	cmd.Flags().StringVar(&flags.backend, "backend", "", "Compressor backend: pigz or builtin")
	cmd.Flags().StringVar(&flags.format, "format", "", "Builtin codec: gzip, zstd, lz4, brotli or snappy")
	cmd.Flags().BoolVar(&flags.noStore, "no-history", false, "Do not record the batch in the history database")
	return cmd
}

func runBatch(ctx context.Context, out io.Writer, opts *options, flags *batchFlags, req orchestrator.BatchRequest) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if flags.backend != "" {
		cfg.Compressor.Backend = flags.backend
	}
	if flags.format != "" {
		cfg.Compressor.Format = flags.format
	}

	logger := opts.cliLogger()
	defer logger.Sync()

	driver, err := agent.NewDriver(cfg, logger)
	if err != nil {
		return err
	}

	resp, err := driver.Run(ctx, req)
	if err != nil {
		return err
	}

	if cfg.Store.Enabled && !flags.noStore {
		saveHistory(cfg, resp, logger)
	}

	if flags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}
	} else {
		renderBatch(out, resp)
	}

	if _, failed, cancelled := resp.Counts(); failed+cancelled > 0 {
		return fmt.Errorf("%d of %d tasks did not succeed", failed+cancelled, len(resp.Results))
	}
	return nil
}

// saveHistory records the batch; the default store path may not be
// writable for an unprivileged user, so failures are only logged
func saveHistory(cfg *config.Config, resp *orchestrator.BatchResponse, logger *zap.Logger) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Debug("History store unavailable", zap.String("path", cfg.Store.Path), zap.Error(err))
		return
	}
	defer st.Close()

	if err := st.SaveBatch(context.Background(), resp); err != nil {
		logger.Warn("Failed to save batch history", zap.Error(err))
	}
}
