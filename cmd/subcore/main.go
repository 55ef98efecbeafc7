// Command subcore drives the command-submission core with a synthetic
// workload and reports what the driver did.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/gogpu/subcore/cmd/subcore/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := commands.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
