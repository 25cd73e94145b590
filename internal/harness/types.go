package harness

// Trace event types.
const (
	EventStep      = "step"
	EventResult    = "result"
	EventNetwork   = "network"
	EventStarted   = "sync_started"
	EventSynced    = "item_synced"
	EventRetrying  = "item_retrying"
	EventFailed    = "item_failed"
	EventCompleted = "sync_completed"
)

// TraceEvent is one entry of a scenario trace.
type TraceEvent struct {
	Seq int64 `json:"seq"`

	// At is the fake-clock time elapsed since the scenario started.
	At string `json:"at"`

	Type    string         `json:"type"`
	Subject string         `json:"subject,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists steps, their results and every engine event, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes each failed expectation. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Transmissions are the sync ids the remote saw, in order.
	Transmissions []string `json:"transmissions"`

	// Sleeps are the backoff waits, in order.
	Sleeps []string `json:"sleeps"`

	// QueueLength is the number of records left queued.
	QueueLength int `json:"queue_length"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:          true,
		Trace:         []TraceEvent{},
		Errors:        []string{},
		Transmissions: []string{},
		Sleeps:        []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
