package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/kbnl/beeldbank-commons/cmd"
)

const version = "0.1.0"

func main() {
	root := cmd.NewRootCmd()

	// Use fang for completions, manpages and --version. Interrupt cancels
	// the command context.
	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
