package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/subcore/backend"
)

var probe bool

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List registered device backends",
	Long: `List the registered device backends in selection order. With
--probe each backend is opened to report whether it is usable here.`,
	RunE: runBackends,
}

func init() {
	backendsCmd.Flags().BoolVar(&probe, "probe", false, "open each backend and report availability")
	rootCmd.AddCommand(backendsCmd)
}

func runBackends(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for _, name := range backend.Available() {
		if !probe {
			fmt.Fprintln(out, name)
			continue
		}
		dev, err := backend.Get(name)
		if err != nil {
			fmt.Fprintf(out, "%-8s unavailable: %v\n", name, err)
			continue
		}
		fmt.Fprintf(out, "%-8s ok, aperture %d MiB\n", name, dev.ApertureSize()>>20)
		dev.Close()
	}
	return nil
}
