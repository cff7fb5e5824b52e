package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/stone-age-io/pigzd/internal/agent"
	"github.com/stone-age-io/pigzd/internal/probe"
	"github.com/stone-age-io/pigzd/internal/strategy"
)

func newResourcesCmd(opts *options) *cobra.Command {
	var (
		asJSON bool
		window time.Duration
	)

	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Show host resources and the current sequential threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.cliLogger()
			defer logger.Sync()

			p, err := probe.New(cfg.Probe.Source, cfg.Probe.ExporterURL, logger, probe.NewHTTPClient())
			if err != nil {
				return err
			}
			snap := probe.SampleWindow(cmd.Context(), p, window)
			selector := strategy.NewSelector(agent.StrategyConfig(cfg), 0, logger)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap.Payload())
			}

			fmt.Fprintln(out, titleStyle.Render("Host resources")+" "+mutedStyle.Render("("+p.Name()+")"))
			rows := [][]string{
				{"CPU", fmt.Sprintf("%.1f%%", snap.CPUPercent)},
				{"Logical CPUs", fmt.Sprintf("%d", selector.LogicalCPUs())},
				{"Available memory", humanize.IBytes(snap.AvailableMemoryBytes)},
				{"Disk read (total)", humanize.IBytes(snap.DiskReadBytes)},
				{"Disk write (total)", humanize.IBytes(snap.DiskWriteBytes)},
				{"Sequential threshold", humanize.IBytes(uint64(selector.Threshold(snap.AvailableMemoryBytes)))},
			}
			for _, row := range rows {
				fmt.Fprintln(out, labelStyle.Render(row[0])+row[1])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the resource payload as JSON")
	cmd.Flags().DurationVar(&window, "window", time.Second, "CPU sampling window")
	return cmd
}
