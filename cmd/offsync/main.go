// Command offsync runs the offline-first sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/offsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
