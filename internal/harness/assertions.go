package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nEngine events:\n")
		for _, ev := range e.Trace {
			if ev.Type == EventStep || ev.Type == EventResult {
				continue
			}
			fmt.Fprintf(&buf, "  [%d] %s %s %s %v\n", ev.Seq, ev.At, ev.Type, ev.Subject, ev.Detail)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns a
// message for each failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertTransmissionOrder:
		return assertSequence(a.Type, a.IDs, result.Transmissions, result.Trace)
	case AssertAttempts:
		return assertAttempts(result, a)
	case AssertSleeps:
		return assertSequence(a.Type, a.Durations, result.Sleeps, result.Trace)
	case AssertQueueLength:
		if result.QueueLength != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d queued records", a.Count),
				Actual:   fmt.Sprintf("%d queued records", result.QueueLength),
				Trace:    result.Trace,
			}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func matches(ev TraceEvent, a Assertion) bool {
	return ev.Type == a.Event && (a.Subject == "" || ev.Subject == a.Subject)
}

func describe(a Assertion) string {
	if a.Subject == "" {
		return a.Event
	}
	return a.Event + " " + a.Subject
}

// assertTraceContains checks that at least one event matches.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertAttempts(result *Result, a Assertion) error {
	count := 0
	for _, id := range result.Transmissions {
		if id == a.ID {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertAttempts,
			Expected: fmt.Sprintf("%d transmissions of %s", a.Count, a.ID),
			Actual:   fmt.Sprintf("%d transmissions", count),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertSequence checks an exact, ordered match.
func assertSequence(typ string, want, got []string, trace []TraceEvent) error {
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(want, got) {
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    trace,
		}
	}
	return nil
}
