package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/testutil"
)

// Scenario is a scripted sequence of client operations against a scripted
// remote, with assertions on what happened.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// StartOffline starts the network monitor offline.
	StartOffline bool `yaml:"start_offline,omitempty"`

	// Config overrides the default tunables.
	Config config.Config `yaml:"config,omitempty"`

	// Script maps sync ids to the remote's replies, one per attempt.
	Script map[string][]string `yaml:"script,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the outcome after the flow.
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is one operation.
type FlowStep struct {
	// Do names the operation.
	Do string `yaml:"do"`

	// Args are the operation's arguments.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect, if set, is checked against the operation's result.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies an expected step result.
type ExpectClause struct {
	// Case is the expected result case, e.g. "completed", "stale" or an
	// error code such as "NOT_ONLINE".
	Case string `yaml:"case"`

	// Result holds expected result fields (subset match).
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Event and Subject select trace events (trace_contains, trace_count).
	Event   string `yaml:"event,omitempty"`
	Subject string `yaml:"subject,omitempty"`

	// ID selects a sync id (attempts).
	ID string `yaml:"id,omitempty"`

	// IDs is the expected transmission order (transmission_order).
	IDs []string `yaml:"ids,omitempty"`

	// Durations are the expected backoff waits (sleeps).
	Durations []string `yaml:"durations,omitempty"`

	// Count is an expected number (trace_count, attempts, queue_length).
	Count int `yaml:"count,omitempty"`
}

// Flow step names.
const (
	StepEnqueue     = "enqueue"
	StepNetwork     = "network"
	StepAdvance     = "advance"
	StepSync        = "sync"
	StepRestart     = "restart"
	StepCacheSet    = "cache_set"
	StepCacheGet    = "cache_get"
	StepSweep       = "sweep"
	StepFlushUrgent = "flush_urgent"
)

// Assertion type constants.
const (
	AssertTraceContains     = "trace_contains"
	AssertTraceCount        = "trace_count"
	AssertTransmissionOrder = "transmission_order"
	AssertAttempts          = "attempts"
	AssertSleeps            = "sleeps"
	AssertQueueLength       = "queue_length"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	scenario := Scenario{Config: config.Default()}

	// Strict fields catch typos like "assertion:" vs "assertions:".
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for id, steps := range s.Script {
		for i, name := range steps {
			if _, err := testutil.ParseStep(name); err != nil {
				return fmt.Errorf("script[%s][%d]: %w", id, i, err)
			}
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step FlowStep) error {
	var required []string
	switch step.Do {
	case StepEnqueue:
		required = []string{"id", "endpoint", "action", "data"}
	case StepNetwork:
		required = []string{"online"}
	case StepAdvance:
		required = []string{"by"}
		if _, err := argDuration(step.Args, "by"); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	case StepCacheSet:
		required = []string{"key", "value"}
	case StepCacheGet:
		required = []string{"key"}
	case StepSync, StepRestart, StepSweep, StepFlushUrgent:
	case "":
		return fmt.Errorf("flow[%d]: do is required", i)
	default:
		return fmt.Errorf("flow[%d]: unknown step %q", i, step.Do)
	}
	for _, key := range required {
		if _, ok := step.Args[key]; !ok {
			return fmt.Errorf("flow[%d]: %s requires args.%s", i, step.Do, key)
		}
	}
	if step.Expect != nil && step.Expect.Case == "" {
		return fmt.Errorf("flow[%d].expect: case is required", i)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains, AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for %s", index, a.Type)
		}
	case AssertTransmissionOrder:
	case AssertAttempts:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for attempts", index)
		}
	case AssertSleeps:
		for _, d := range a.Durations {
			if _, err := time.ParseDuration(d); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	case AssertQueueLength:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// argDuration reads a duration string. A missing key is zero.
func argDuration(args map[string]any, key string) (time.Duration, error) {
	v, ok := args[key]
	if !ok {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("args.%s: want a duration string, got %T", key, v)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("args.%s: %w", key, err)
	}
	return d, nil
}
