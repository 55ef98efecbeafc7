// Package commands implements the subcore command line.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/gogpu/subcore"
	"github.com/gogpu/subcore/backend"
	"github.com/gogpu/subcore/backend/native"
	"github.com/gogpu/subcore/backend/soft"
	"github.com/gogpu/subcore/internal/config"
)

var (
	cfgFile     string
	backendName string
	verbose     bool
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "subcore",
	Short: "GPU command-submission core",
	Long: `subcore runs a synthetic rendering workload through the driver
context: state atoms, the object cache, the working set and the command
buffer, on the soft device or on a GPU through the HAL.`,
	Version:      subcore.Version,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./subcore.toml or $HOME/.config/subcore/subcore.toml)")
	rootCmd.PersistentFlags().StringVarP(&backendName, "backend", "b", "", "device backend: soft or native (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	cfg, v, err := config.Load(cfgFile)
	if err != nil {
		return nil, "", err
	}
	if cmd.Flags().Changed("backend") {
		cfg.Backend = backendName
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, v.ConfigFileUsed(), nil
}

// newLogger installs a charmbracelet handler as the package logger.
func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportCaller:    cfg.Caller,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "subcore",
	})
	if lvl, err := log.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(lvl)
	}
	switch cfg.Format {
	case "json":
		l.SetFormatter(log.JSONFormatter)
	case "logfmt":
		l.SetFormatter(log.LogfmtFormatter)
	}
	logger := slog.New(l)
	subcore.SetLogger(logger)
	return logger
}

// openDevice opens the configured backend. Without an explicit backend the
// native device is tried first and the soft device is the fallback.
func openDevice(cfg *config.Config, logger *slog.Logger) (backend.Device, error) {
	sc := cfg.SoftDevice()
	sc.Logger = logger
	nc := cfg.NativeDevice()
	nc.Logger = logger

	switch cfg.Backend {
	case backend.NameSoft:
		return soft.New(sc), nil
	case backend.NameNative:
		return native.Open(nc)
	}
	d, err := native.Open(nc)
	if err == nil {
		return d, nil
	}
	logger.Warn("native device unavailable, using soft device", "err", err)
	return soft.New(sc), nil
}

// setup loads configuration, installs the logger and opens the device.
func setup(cmd *cobra.Command) (*config.Config, string, backend.Device, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, "", nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Logging)
	if path != "" {
		logger.Debug("using config file", "path", path)
	}
	dev, err := openDevice(cfg, logger)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open %s device: %w", cfg.Backend, err)
	}
	return cfg, path, dev, nil
}

