package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/gogpu/subcore"
	"github.com/gogpu/subcore/internal/workload"
)

var (
	dumpOutput string
	dumpConfig bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Run the workload and dump the last batch as TOML",
	Long: `Dump runs the workload and writes the run report together with the
decoded packets of the last submitted batch as a TOML document.

With --effective-config it writes the configuration in effect instead.`,
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpOutput, "output", "o", "", "write to file instead of stdout")
	dumpCmd.Flags().BoolVar(&dumpConfig, "effective-config", false, "dump the effective configuration")
	rootCmd.AddCommand(dumpCmd)
}

// dumpDocument is the TOML layout written by dump.
type dumpDocument struct {
	Report workload.Report `toml:"report"`
}

func runDump(cmd *cobra.Command, args []string) error {
	var doc any
	if dumpConfig {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		doc = cfg
	} else {
		rep, err := dumpRun(cmd)
		if err != nil {
			return err
		}
		doc = dumpDocument{Report: rep}
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	var w io.Writer = cmd.OutOrStdout()
	if dumpOutput != "" {
		f, err := os.Create(dumpOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	_, err = w.Write(data)
	return err
}

func dumpRun(cmd *cobra.Command) (workload.Report, error) {
	cfg, _, dev, err := setup(cmd)
	if err != nil {
		return workload.Report{}, err
	}
	defer dev.Close()

	w, err := workload.New(dev, workloadConfig(cfg), subcore.Logger(), true)
	if err != nil {
		return workload.Report{}, err
	}
	return w.Run(cmd.Context())
}
