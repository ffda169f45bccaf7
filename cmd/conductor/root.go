package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// exitCodeError pins a non-default exit code to an error. Startup
// failures exit 1, runtime failures 2; scripts tell them apart.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Local process orchestration server for coding agents",
		Long: `conductor supervises local processes, schedules them through a
priority queue, and keeps a markdown knowledge base plus a
vector-indexed fragment store. Agents talk to it over MCP on
stdio; dashboards use the HTTP and WebSocket surface.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func run(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("conductor: %v", err))
		var coded *exitCodeError
		if errors.As(err, &coded) {
			return coded.code
		}
		return 1
	}
	return 0
}
