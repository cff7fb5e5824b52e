package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/stone-age-io/pigzd/internal/store"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history [BATCH_ID]",
		Short: "List recorded batches, or show the results of one batch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("failed to open history store: %w", err)
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			if len(args) == 1 {
				batch, err := st.GetBatch(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := st.GetBatchResults(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, map[string]interface{}{"batch": batch, "results": results})
				}
				renderBatchRecord(out, batch)
				renderResults(out, results)
				return nil
			}

			batches, err := st.ListBatches(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, batches)
			}
			renderHistory(out, batches)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of batches to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func renderHistory(out io.Writer, batches []store.BatchRecord) {
	if len(batches) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No batches recorded"))
		return
	}

	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		rows = append(rows, []string{
			b.ID,
			b.StartedAt.Local().Format("2006-01-02 15:04:05"),
			string(b.Operation),
			b.Mode,
			fmt.Sprintf("%d/%d/%d", b.Succeeded, b.Failed, b.Cancelled),
			b.Duration.Round(time.Millisecond).String(),
			fmt.Sprintf("%.1f%%", b.CPUPercent),
			humanize.IBytes(b.DiskWriteBytes),
		})
	}
	renderTable(out, []string{"BATCH", "STARTED", "OP", "MODE", "OK/FAIL/CANCEL", "DURATION", "CPU", "WRITTEN"}, rows)
}

func renderBatchRecord(out io.Writer, b *store.BatchRecord) {
	fmt.Fprintln(out, titleStyle.Render("Batch "+b.ID))
	fmt.Fprintln(out, labelStyle.Render("Started")+b.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintln(out, labelStyle.Render("Mode")+fmt.Sprintf("%s (limit %d, %d CPUs)", b.Mode, b.ConcurrencyLimit, b.LogicalCPUs))
	fmt.Fprintln(out, labelStyle.Render("Threshold")+humanize.IBytes(uint64(b.ThresholdBytes)))
	fmt.Fprintln(out, labelStyle.Render("Duration")+b.Duration.String())
	fmt.Fprintln(out)
}

func writeJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
