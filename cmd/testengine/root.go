package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Exit codes of run-task.
const (
	exitOK          = 0
	exitTaskFailed  = 1
	exitParseFailed = 2
)

// exitError carries a specific process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

type globalFlags struct {
	config string
}

func newRootCmd(s streams) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "testengine",
		Short: "Run AI model test algorithms and manage plugin bundles",
		Long: `testengine loads datasets, models and pipelines through pluggable adapters,
runs an installed test algorithm against them and reports validated results.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetIn(s.in)
	root.SetOut(s.out)
	root.SetErr(s.err)
	root.PersistentFlags().StringVar(&flags.config, "config", "", "config file (default: $TESTENGINE_CONFIG or configs/testengine.json)")

	root.AddCommand(newRunTaskCmd(flags, s))
	root.AddCommand(newDiscoverCmd(flags, s))
	root.AddCommand(newBundleCmd(flags, s))
	return root
}

// execute runs the CLI and maps the outcome to a process exit code.
func execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	root := newRootCmd(streams{in: in, out: out, err: errOut})
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(errOut, "Error:", err)
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return exitTaskFailed
}
