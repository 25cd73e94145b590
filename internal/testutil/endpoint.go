package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
)

// Step is one scripted reply of a ScriptedEndpoint.
type Step string

const (
	// StepOK acknowledges the request.
	StepOK Step = "ok"

	// StepTransient fails with a transient network error.
	StepTransient Step = "transient"

	// StepPermanent fails with a permanent remote error.
	StepPermanent Step = "permanent"

	// StepReject replies success:false without a transport error.
	StepReject Step = "reject"

	// StepBlock waits until Release is called (or ctx is done), then acks.
	StepBlock Step = "block"
)

// ParseStep validates a step name from a scenario file.
func ParseStep(s string) (Step, error) {
	switch st := Step(s); st {
	case StepOK, StepTransient, StepPermanent, StepReject, StepBlock:
		return st, nil
	}
	return "", fmt.Errorf("unknown step %q", s)
}

// Transmission is one request observed by a ScriptedEndpoint.
type Transmission struct {
	SyncID  string
	Attempt int
	Step    Step
	Request remote.Request
}

// ScriptedEndpoint is a remote.Endpoint whose replies are scripted per sync id.
// Ids with no script, or whose script is used up, are acknowledged.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedEndpoint struct {
	mu       sync.Mutex
	scripts  map[string][]Step
	attempts map[string]int
	log      []Transmission
	release  chan struct{}
	released bool

	// OnSend, if set, is called at the start of every Send, before the
	// scripted reply. Set it before the endpoint is shared.
	OnSend func(remote.Request)
}

// NewScriptedEndpoint creates an endpoint with no scripts.
func NewScriptedEndpoint() *ScriptedEndpoint {
	return &ScriptedEndpoint{
		scripts:  make(map[string][]Step),
		attempts: make(map[string]int),
		release:  make(chan struct{}),
	}
}

// Script sets the replies for syncID, consumed one per attempt.
func (e *ScriptedEndpoint) Script(syncID string, steps ...Step) *ScriptedEndpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[syncID] = append([]Step(nil), steps...)
	return e
}

// Release unblocks every current and future StepBlock reply.
func (e *ScriptedEndpoint) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.released {
		e.released = true
		close(e.release)
	}
}

// Send records the request and replies according to the script.
func (e *ScriptedEndpoint) Send(ctx context.Context, req remote.Request) (remote.Response, error) {
	if e.OnSend != nil {
		e.OnSend(req)
	}

	e.mu.Lock()
	step := StepOK
	if script := e.scripts[req.SyncID]; len(script) > 0 {
		step = script[0]
		e.scripts[req.SyncID] = script[1:]
	}
	e.attempts[req.SyncID]++
	e.log = append(e.log, Transmission{
		SyncID:  req.SyncID,
		Attempt: e.attempts[req.SyncID],
		Step:    step,
		Request: req,
	})
	release := e.release
	e.mu.Unlock()

	switch step {
	case StepTransient:
		return remote.Response{}, model.NewTransientError("scripted timeout", context.DeadlineExceeded)
	case StepPermanent:
		return remote.Response{}, model.NewPermanentError("scripted rejection", errors.New("invalid payload"))
	case StepReject:
		return remote.Reject("scripted success:false"), nil
	case StepBlock:
		select {
		case <-release:
		case <-ctx.Done():
			return remote.Response{}, model.NewTransientError("scripted block canceled", ctx.Err())
		}
	}
	return remote.Ack(), nil
}

// Transmissions returns every request seen, in order.
func (e *ScriptedEndpoint) Transmissions() []Transmission {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transmission, len(e.log))
	copy(out, e.log)
	return out
}

// Order returns the sync ids of every request seen, in order.
func (e *ScriptedEndpoint) Order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, len(e.log))
	for i, tr := range e.log {
		ids[i] = tr.SyncID
	}
	return ids
}

// Attempts returns how many requests carried syncID.
func (e *ScriptedEndpoint) Attempts(syncID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[syncID]
}
