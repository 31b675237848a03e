// takedown - offline-first wrestling match scoring
package main

import (
	"fmt"
	"os"

	"github.com/roach88/takedown/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "takedown: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
