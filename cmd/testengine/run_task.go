package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"TestEngine-Core/internal/task"
)

type runTaskFlags struct {
	taskJSON    string
	coreModules string
	plugins     []string
}

func newRunTaskCmd(global *globalFlags, s streams) *cobra.Command {
	f := &runTaskFlags{}
	cmd := &cobra.Command{
		Use:   "run-task",
		Short: "Run one test task and print its result",
		Long: `Run one test task. The task request is a JSON document given inline, as a
file path, or as "-" for standard input.

Exit codes:
  0  the algorithm ran and its output is valid
  1  the task failed while running
  2  the task request was rejected`,
		Example: `  testengine run-task --task-json task.json
  testengine run-task --task-json - --plugins ./my-plugins < task.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readTaskJSON(f.taskJSON, s.in)
			if err != nil {
				return &exitError{code: exitParseFailed, err: err}
			}
			roots := append([]string(nil), f.plugins...)
			if f.coreModules != "" {
				roots = append([]string{f.coreModules}, roots...)
			}
			eng, err := openEngine(cmd.Context(), global, engineOptions{roots: roots, events: true})
			if err != nil {
				return err
			}
			defer eng.Close()

			t, err := eng.harness.Parse(cmd.Context(), raw)
			if err != nil {
				writeErrors(s.err, eng)
				return &exitError{code: exitParseFailed, err: err}
			}
			res, err := eng.harness.Run(cmd.Context(), t)
			eng.writeMetrics()
			if err != nil {
				writeErrors(s.err, eng)
				return &exitError{code: exitTaskFailed, err: err}
			}
			return printResult(s.out, res)
		},
	}
	cmd.Flags().StringVar(&f.taskJSON, "task-json", "", "task request: inline JSON, a file path, or - for stdin")
	cmd.Flags().StringVar(&f.coreModules, "core-modules", "", "extra plugin root discovered before --plugins")
	cmd.Flags().StringSliceVar(&f.plugins, "plugins", nil, "extra plugin roots, later roots override earlier ones")
	_ = cmd.MarkFlagRequired("task-json")
	return cmd
}

func readTaskJSON(value string, stdin io.Reader) ([]byte, error) {
	switch {
	case value == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(strings.TrimSpace(value), "{"):
		return []byte(value), nil
	default:
		raw, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("read task request: %w", err)
		}
		return raw, nil
	}
}

func printResult(w io.Writer, res *task.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func writeErrors(w io.Writer, eng *engine) {
	raw, err := eng.collector.JSON()
	if err != nil {
		return
	}
	fmt.Fprintln(w, string(raw))
}
