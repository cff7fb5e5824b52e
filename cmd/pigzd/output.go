package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/stone-age-io/pigzd/internal/orchestrator"
	"github.com/stone-age-io/pigzd/internal/tasks"
	"github.com/stone-age-io/pigzd/internal/utils"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	headerStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(22)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(errorColor)
)

// statusStyle colours a task status
func statusStyle(status tasks.Status) lipgloss.Style {
	switch status {
	case tasks.StatusSuccess:
		return successStyle
	case tasks.StatusCancelled:
		return warningStyle
	default:
		return errorStyle
	}
}

// renderBatch prints a batch summary followed by one row per result
func renderBatch(out io.Writer, resp *orchestrator.BatchResponse) {
	succeeded, failed, cancelled := resp.Counts()

	mode := string(resp.Mode)
	if mode == "" {
		mode = "none"
	}
	fmt.Fprintf(out, "%s %s\n",
		titleStyle.Render(batchTitle(resp.Operation)),
		mutedStyle.Render(resp.BatchID))
	fmt.Fprintln(out, labelStyle.Render("Mode")+fmt.Sprintf("%s (limit %d, %d CPUs)", mode, resp.ConcurrencyLimit, resp.LogicalCPUs))
	fmt.Fprintln(out, labelStyle.Render("Threshold")+humanize.IBytes(uint64(resp.Threshold)))
	fmt.Fprintln(out, labelStyle.Render("Duration")+resp.Duration.String())
	fmt.Fprintln(out, labelStyle.Render("CPU")+fmt.Sprintf("%.1f%%", resp.Usage.CPUPercent))
	fmt.Fprintln(out, labelStyle.Render("Disk read / write")+
		humanize.IBytes(resp.Usage.DiskReadBytes)+" / "+humanize.IBytes(resp.Usage.DiskWriteBytes))
	fmt.Fprintln(out)

	renderResults(out, resp.Results)

	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s  %s  %s\n",
		successStyle.Render(fmt.Sprintf("%d succeeded", succeeded)),
		errorStyle.Render(fmt.Sprintf("%d failed", failed)),
		warningStyle.Render(fmt.Sprintf("%d cancelled", cancelled)))
}

// renderResults prints one table row per task result
func renderResults(out io.Writer, results []tasks.TaskResult) {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		detail := r.Error
		if detail == "" {
			detail = r.Warning
		}
		rows = append(rows, []string{
			filepath.Base(r.SourcePath),
			statusStyle(r.Status).Render(string(r.Status)),
			sizeColumn(r),
			ratioColumn(r),
			levelColumn(r),
			fmt.Sprintf("%d", r.Threads),
			r.Duration.Round(time.Millisecond).String(),
			truncate(detail, 60),
		})
	}
	renderTable(out, []string{"FILE", "STATUS", "SIZE", "RATIO", "LEVEL", "THREADS", "TIME", "DETAIL"}, rows)
}

func sizeColumn(r tasks.TaskResult) string {
	if !r.Succeeded() {
		return "-"
	}
	return humanize.IBytes(uint64(r.OriginalSize)) + " -> " + humanize.IBytes(uint64(r.CompressedSize))
}

func ratioColumn(r tasks.TaskResult) string {
	if !r.Succeeded() || r.OriginalSize == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", utils.Ratio(uint64(r.CompressedSize), uint64(r.OriginalSize))*100)
}

func levelColumn(r tasks.TaskResult) string {
	if r.Level == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", r.Level)
}

// renderTable prints left-aligned columns sized to their widest cell.
// Cells may already carry styling.
func renderTable(out io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = style.Width(widths[i] + 2).Render(cell)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	fmt.Fprintln(out, line(headers, headerStyle))
	for _, row := range rows {
		fmt.Fprintln(out, line(row, lipgloss.NewStyle()))
	}
}

func batchTitle(op tasks.Operation) string {
	if op == tasks.OperationDecompress {
		return "Decompress batch"
	}
	return "Compress batch"
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
