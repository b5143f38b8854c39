package main

import (
	"fmt"
	"os"

	"github.com/northstaraokeystone/gov-os/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "govos:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
