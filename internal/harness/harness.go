package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/netmon"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

// Harness executes one scenario.
type Harness struct {
	scenario *Scenario
	path     string

	clock  *testutil.FakeClock
	start  time.Time
	seq    *clock.Seq
	ids    *queue.FixedGenerator
	urgent *queue.SequentialGenerator
	remote *testutil.ScriptedEndpoint
	net    *netmon.Monitor

	store *store.Store
	queue *queue.Queue
	cache *cache.Store
	coord *engine.Coordinator

	result *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh database in a temp directory. The
// returned error reports a scenario that could not be executed; failed
// expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "offsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	clk := testutil.NewFakeClock(time.Time{})
	h := &Harness{
		scenario: scenario,
		path:     filepath.Join(dir, "harness.db"),
		clock:    clk,
		start:    clk.Now(),
		seq:      clock.NewSeq(),
		remote:   testutil.NewScriptedEndpoint(),
		urgent:   queue.NewSequentialGenerator("urgent-"),
		net: netmon.New(
			netmon.WithClock(clk),
			netmon.WithInitialState(!scenario.StartOffline)),
		result: NewResult(),
	}

	for id, names := range scenario.Script {
		steps := make([]testutil.Step, len(names))
		for i, name := range names {
			if steps[i], err = testutil.ParseStep(name); err != nil {
				return nil, fmt.Errorf("script %s: %w", id, err)
			}
		}
		h.remote.Script(id, steps...)
	}

	var ids []string
	for _, step := range scenario.Flow {
		if step.Do == StepEnqueue {
			ids = append(ids, argString(step.Args, "id"))
		}
	}
	h.ids = queue.NewFixedGenerator(ids...)

	h.net.Restored.Subscribe(func(model.NetworkState) { h.record(EventNetwork, "online", nil) })
	h.net.Lost.Subscribe(func(model.NetworkState) { h.record(EventNetwork, "offline", nil) })

	ctx := context.Background()
	if err := h.open(ctx); err != nil {
		return nil, err
	}
	defer h.close()

	for i, step := range scenario.Flow {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("flow step %d (%s): %w", i, step.Do, err)
		}
	}

	h.result.Transmissions = append(h.result.Transmissions, h.remote.Order()...)
	for _, d := range h.clock.Sleeps() {
		h.result.Sleeps = append(h.result.Sleeps, d.String())
	}
	if h.result.QueueLength, err = h.queue.Len(ctx); err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// open opens the database and builds the components over it.
func (h *Harness) open(ctx context.Context) error {
	cfg := h.scenario.Config

	st, err := store.Open(h.path, store.WithMaxPages(cfg.MaxDBPages))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	q, err := queue.Open(ctx, st,
		queue.WithClock(h.clock),
		queue.WithIDGenerator(h.ids),
		queue.WithConfig(cfg.Queue()))
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to open queue: %w", err)
	}
	c, err := cache.New(st, cache.WithClock(h.clock), cache.WithConfig(cfg.Cache()))
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to open cache: %w", err)
	}

	coord := engine.New(q, h.remote, h.net,
		engine.WithClock(h.clock),
		engine.WithConfig(cfg.Engine()),
		engine.WithIDGenerator(h.urgent),
		engine.WithRunLog(st))
	coord.Started.Subscribe(func(e engine.Started) {
		h.record(EventStarted, "", map[string]any{"queue_length": e.QueueLength})
	})
	coord.ItemSynced.Subscribe(func(e engine.ItemSynced) {
		h.record(EventSynced, e.Record.ID, map[string]any{"attempt": e.Attempt})
	})
	coord.ItemRetrying.Subscribe(func(e engine.ItemRetrying) {
		h.record(EventRetrying, e.Record.ID, map[string]any{
			"retry_count": e.Record.RetryCount,
			"delay":       e.Delay.String(),
		})
	})
	coord.ItemFailed.Subscribe(func(e engine.ItemFailed) {
		h.record(EventFailed, e.Record.ID, map[string]any{
			"retry_count": e.Record.RetryCount,
			"code":        string(model.CodeOf(e.Err)),
		})
	})
	coord.Completed.Subscribe(func(e engine.Completed) {
		h.record(EventCompleted, "", map[string]any{
			"success":   e.Success,
			"failure":   e.Failure,
			"remaining": e.Remaining,
		})
	})

	h.store, h.queue, h.cache, h.coord = st, q, c, coord
	return nil
}

func (h *Harness) close() {
	if h.store == nil {
		return
	}
	h.cache.Close()
	if err := h.store.Close(); err != nil {
		slog.Warn("failed to close harness store", "error", err)
	}
	h.store = nil
}

// record appends an event to the trace. detail values must survive a JSON
// round trip unchanged (strings, ints, bools, maps and slices of them).
func (h *Harness) record(typ, subject string, detail map[string]any) {
	h.result.Trace = append(h.result.Trace, TraceEvent{
		Seq:     h.seq.Next(),
		At:      h.clock.Now().Sub(h.start).String(),
		Type:    typ,
		Subject: subject,
		Detail:  detail,
	})
}

func (h *Harness) execute(ctx context.Context, i int, step FlowStep) error {
	h.record(EventStep, step.Do, step.Args)

	res, err := h.dispatch(ctx, step)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	h.record(EventResult, step.Do, res)

	if step.Expect != nil {
		if msg := checkExpect(res, step.Expect); msg != "" {
			h.result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Do, msg))
		}
	}
	return nil
}

// dispatch runs one step. It returns the step's result, or nil for steps
// that have none.
func (h *Harness) dispatch(ctx context.Context, step FlowStep) (map[string]any, error) {
	switch step.Do {
	case StepEnqueue:
		return h.enqueue(ctx, step.Args)

	case StepNetwork:
		h.net.Report(argBool(step.Args, "online"))
		return nil, nil

	case StepAdvance:
		d, err := argDuration(step.Args, "by")
		if err != nil {
			return nil, err
		}
		h.clock.Advance(d)
		return nil, nil

	case StepSync:
		stats, err := h.coord.ManualSync(ctx)
		if err != nil {
			return errorResult(err)
		}
		return map[string]any{
			"case":      "completed",
			"success":   stats.Success,
			"failure":   stats.Failure,
			"remaining": stats.Remaining,
		}, nil

	case StepRestart:
		h.close()
		return nil, h.open(ctx)

	case StepCacheSet:
		ttl, err := argDuration(step.Args, "ttl")
		if err != nil {
			return nil, err
		}
		if err := h.cache.Set(ctx, argString(step.Args, "key"), step.Args["value"], ttl); err != nil {
			return errorResult(err)
		}
		return map[string]any{"case": "stored"}, nil

	case StepCacheGet:
		raw, fresh, err := h.cache.Get(ctx, argString(step.Args, "key"), argBool(step.Args, "allow_stale"))
		if errors.Is(err, cache.ErrMiss) {
			return map[string]any{"case": "miss"}, nil
		}
		if err != nil {
			return errorResult(err)
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("decode cached value: %w", err)
		}
		return map[string]any{"case": fresh.String(), "value": value}, nil

	case StepSweep:
		n, err := h.cache.Sweep(ctx)
		if err != nil {
			return errorResult(err)
		}
		return map[string]any{"case": "swept", "removed": n}, nil

	case StepFlushUrgent:
		n := h.coord.FlushUrgent(ctx)
		if err := h.coord.WaitUrgent(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"case": "flushed", "records": n}, nil
	}
	return nil, fmt.Errorf("unknown step %q", step.Do)
}

func (h *Harness) enqueue(ctx context.Context, args map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(args["data"])
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	id, err := h.queue.Enqueue(ctx, model.NewMutation{
		Endpoint: argString(args, "endpoint"),
		Action:   argString(args, "action"),
		Payload:  payload,
		Priority: model.Priority(argString(args, "priority")),
	})
	if err != nil {
		return errorResult(err)
	}
	if want := argString(args, "id"); id != want {
		return nil, fmt.Errorf("enqueue assigned id %q, want %q", id, want)
	}
	return map[string]any{"case": "queued", "id": id}, nil
}

// errorResult turns a classified engine error into a step result. Other
// errors abort the scenario.
func errorResult(err error) (map[string]any, error) {
	code := model.CodeOf(err)
	if code == "" {
		return nil, err
	}
	return map[string]any{"case": string(code)}, nil
}

// checkExpect compares a step result against an expect clause. Returns ""
// on match.
func checkExpect(res map[string]any, want *ExpectClause) string {
	if got := res["case"]; got != want.Case {
		return fmt.Sprintf("expected case %q, got %q", want.Case, got)
	}
	for key, wantVal := range want.Result {
		gotVal, ok := res[key]
		if !ok {
			return fmt.Sprintf("result has no field %q", key)
		}
		if !jsonEqual(gotVal, wantVal) {
			return fmt.Sprintf("result.%s: expected %v, got %v", key, wantVal, gotVal)
		}
	}
	return ""
}

// jsonEqual compares values by their JSON form, so YAML ints match Go ints
// and decoded float64s alike.
func jsonEqual(a, b any) bool {
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(raw, &out)
	return out, err
}
