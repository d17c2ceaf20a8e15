// Command coedit is the command-line front end for the collaborative event
// store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/coedit/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
