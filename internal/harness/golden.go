package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/offsync/internal/model"
)

// TraceSnapshot is the golden-file form of a scenario trace.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// MarshalTrace renders a snapshot as canonical JSON (sorted keys),
// indented for readable diffs.
func MarshalTrace(name string, result *Result) ([]byte, error) {
	canonical, err := model.MarshalCanonical(TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal trace: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", "  "); err != nil {
		return nil, fmt.Errorf("indent trace: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
