// Package main provides the genflow operator command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dukex/genflow/pkg/cmd"
	cli "github.com/urfave/cli/v3"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "genflow",
		Usage:                 "Operate workflow executions, queue jobs and the dead-letter queue",
		EnableShellCompletion: true,
		Flags:                 cmd.CommonFlags(),
		Commands: []*cli.Command{
			newExecutionsCommand(),
			newDLQCommand(),
			newJobsCommand(),
			newRecoverCommand(),
		},
	}
}

func main() {
	err := newApp().Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
