// Command convo is the command-line interface to a local conversation store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/convo/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
