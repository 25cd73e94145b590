package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run sync scenarios",
		Long: `Run scenario files against the queue, cache and sync coordinator
with a fake clock and a scripted remote.

Each scenario's expectations and assertions are checked. If
golden/<name>.golden exists next to the scenario, the trace must also
match it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  offsync test ./scenarios
  offsync test ./scenarios --filter "transient_*"
  offsync test ./scenarios --update
  offsync test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if _, err := os.Stat(scenariosDir); err != nil {
		return WrapExitError(ExitCommandError, "scenarios directory not found", err)
	}
	if _, err := filepath.Match(opts.Filter, ""); err != nil {
		return WrapExitError(ExitCommandError, "invalid filter pattern", err)
	}

	files, err := harness.FindScenarios(scenariosDir)
	if err != nil {
		// An empty directory reports zero scenarios rather than failing.
		files = nil
	}
	files = filterScenarios(files, opts.Filter)

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		res := runScenario(file, opts, cmd)
		result.Scenarios = append(result.Scenarios, res)
		if res.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	f := newFormatter(opts.RootOptions, cmd)
	if result.Failed > 0 {
		_ = f.Error("E_TEST_FAILED", fmt.Sprintf("%d scenario(s) failed", result.Failed), result)
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	if result.Total == 0 {
		return f.Success(result, "No scenarios found.")
	}
	return f.Success(result, fmt.Sprintf("\nTest Summary: %d passed, %d failed, %d total\n✓ All scenarios passed",
		result.Passed, result.Failed, result.Total))
}

func filterScenarios(files []string, filter string) []string {
	if filter == "" {
		return files
	}
	var out []string
	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		if ok, _ := filepath.Match(filter, name); ok {
			out = append(out, f)
		}
	}
	return out
}

// runScenario executes a single scenario and returns the result.
func runScenario(file string, opts *TestOptions, cmd *cobra.Command) ScenarioResult {
	w := cmd.OutOrStdout()
	text := opts.Format != "json"
	fail := func(name string, errs ...string) ScenarioResult {
		if text {
			fmt.Fprintf(w, "✗ %s\n", name)
			for _, e := range errs {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		return ScenarioResult{Name: name, Pass: false, Errors: errs}
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail(filepath.Base(file), fmt.Sprintf("failed to load scenario: %v", err))
	}
	result, err := harness.Run(scenario)
	if err != nil {
		return fail(scenario.Name, fmt.Sprintf("execution failed: %v", err))
	}

	trace, err := harness.MarshalTrace(scenario.Name, result)
	if err != nil {
		return fail(scenario.Name, err.Error())
	}
	goldenPath := goldenFilePath(file)

	if opts.Update {
		if err := os.MkdirAll(filepath.Dir(goldenPath), 0o755); err != nil {
			return fail(scenario.Name, fmt.Sprintf("failed to create golden directory: %v", err))
		}
		if err := os.WriteFile(goldenPath, trace, 0o644); err != nil {
			return fail(scenario.Name, fmt.Sprintf("failed to write golden file: %v", err))
		}
	} else if golden, err := os.ReadFile(goldenPath); err == nil {
		if string(golden) != string(trace) {
			return fail(scenario.Name, "trace does not match golden file (run with --update to regenerate)")
		}
	} else if !os.IsNotExist(err) {
		return fail(scenario.Name, fmt.Sprintf("failed to read golden file: %v", err))
	}

	if !result.Pass {
		return fail(scenario.Name, result.Errors...)
	}
	if text {
		fmt.Fprintf(w, "✓ %s\n", scenario.Name)
	}
	return ScenarioResult{Name: scenario.Name, Pass: true}
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}
