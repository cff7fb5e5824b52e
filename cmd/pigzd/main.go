package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stone-age-io/pigzd/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// options holds the persistent flags shared by every command
type options struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "pigzd",
		Short:         "pigzd - adaptive parallel compression",
		Long:          `pigzd compresses and decompresses files with pigz, choosing between single, sequential and parallel execution from file sizes and host resources.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", config.GetDefaultConfigPath(), "Path to the configuration file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log progress to stderr")

	root.AddCommand(
		newRunCmd(opts),
		newBatchCmd(opts, false),
		newBatchCmd(opts, true),
		newResourcesCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
		newServiceCmd(opts),
	)
	return root
}

// loadConfig reads the configuration file when present and falls back to
// defaults so one-shot commands work without installation
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// cliLogger logs to stderr, warnings only unless verbose
func (o *options) cliLogger() *zap.Logger {
	level := zapcore.WarnLevel
	if o.verbose {
		level = zapcore.DebugLevel
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
