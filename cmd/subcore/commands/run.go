package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/gogpu/subcore"
	"github.com/gogpu/subcore/hw"
	"github.com/gogpu/subcore/internal/config"
	"github.com/gogpu/subcore/internal/workload"
)

var (
	watch  bool
	frames int

	// compiler overrides the shader compiler; nil uses naga.
	compiler hw.Compiler
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the synthetic workload",
	Long: `Run draws the configured number of frames through a driver context
and prints a summary of draws, flushes, cache and relocation activity.

With --watch the workload runs again every time the config file changes.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-run when the config file changes")
	runCmd.Flags().IntVar(&frames, "frames", 0, "override workload.frames")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	err := runOnce(ctx, cmd)
	if !watch {
		return err
	}
	if err != nil {
		subcore.Logger().Error("run failed", "err", err)
	}
	if cfgFile == "" {
		_, path, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if path == "" {
			return errors.New("--watch needs a config file")
		}
		cfgFile = path
	}
	return watchConfig(ctx, cfgFile, func() error { return runOnce(ctx, cmd) })
}

// runOnce loads the configuration, opens the device and runs the workload.
func runOnce(ctx context.Context, cmd *cobra.Command) error {
	cfg, _, dev, err := setup(cmd)
	if err != nil {
		return err
	}
	defer dev.Close()

	wc := workloadConfig(cfg)
	if cmd.Flags().Changed("frames") {
		wc.Frames = frames
	}
	w, err := workload.New(dev, wc, subcore.Logger(), false)
	if err != nil {
		return err
	}
	rep, err := w.Run(ctx)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), rep)
	return nil
}

// workloadConfig combines the workload section with the context options.
func workloadConfig(cfg *config.Config) workload.Config {
	wc := cfg.Workload
	wc.Options = cfg.ContextOptions()
	wc.Compile = compiler
	return wc
}

func printReport(w io.Writer, r workload.Report) {
	fmt.Fprintf(w, "backend:   %s\n", r.Backend)
	fmt.Fprintf(w, "frames:    %d\n", r.Frames)
	fmt.Fprintf(w, "draws:     %d (%d retries)\n", r.Draws, r.Retries)
	fmt.Fprintf(w, "flushes:   %d\n", r.Flushes)
	fmt.Fprintf(w, "programs:  %d compiled\n", r.Compiles)
	fmt.Fprintf(w, "cache:     %d entries, %d hits, %d misses, %d uploads\n", r.Entries, r.Hits, r.Misses, r.Uploads)
	fmt.Fprintf(w, "atoms:     %d emitted\n", r.Emitted)
	fmt.Fprintf(w, "relocs:    %d patched, %d skipped\n", r.Patched, r.Skipped)
	fmt.Fprintf(w, "elapsed:   %v\n", r.Elapsed)
}

// watchConfig calls fn whenever path is written or replaced, until ctx is
// done. The directory is watched so that editors replacing the file are
// seen. Errors from fn are logged and do not stop watching.
func watchConfig(ctx context.Context, path string, fn func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	log := subcore.Logger()
	log.Info("watching config", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Info("config changed", "op", ev.Op.String())
			if err := fn(); err != nil {
				log.Error("run failed", "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "err", err)
		}
	}
}
