package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/coedit/internal/access"
	"github.com/roach88/coedit/internal/engine"
	apperrors "github.com/roach88/coedit/internal/errors"
	"github.com/roach88/coedit/internal/ir"
	"github.com/roach88/coedit/internal/merge"
	"github.com/roach88/coedit/internal/schema"
	"github.com/roach88/coedit/internal/store"
	"github.com/roach88/coedit/internal/testutil"
)

// Harness runs scenario steps against a real engine with a deterministic
// clock and ID generator.
type Harness struct {
	store   *store.Store
	engine  *engine.Engine
	access  *access.Manager
	clock   *testutil.DeterministicClock
	ids     *testutil.SequenceGenerator
	logger  *slog.Logger
	current string // event most recently created
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory SQLite database, so scenarios are
// isolated and a run is reproducible. The returned error reports a scenario
// that could not be run at all (bad schema, failed setup); expectation
// failures are recorded in the Result instead.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(st, scenario)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Setup {
		ev := h.execute(ctx, PhaseSetup, i, step)
		result.AddTrace(ev)
		if ev.Outcome != string(engine.OutcomeAccepted) {
			return nil, fmt.Errorf("setup step %d (%s by %s) ended %s: %s", i, step.Do, step.As, ev.Outcome, ev.Reason)
		}
	}

	for i, step := range scenario.Flow {
		ev := h.execute(ctx, PhaseFlow, i, step)
		result.AddTrace(ev)
		for _, msg := range checkExpect(step.Expect, ev) {
			result.AddError(fmt.Sprintf("flow[%d] %s by %s: %s", i, step.Do, step.As, msg))
		}
		h.logger.Info("flow step completed",
			"step", i,
			"action", step.Do,
			"principal", step.As,
			"event_id", ev.EventID,
			"outcome", ev.Outcome)
	}

	if err := h.captureState(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to capture final state: %w", err)
	}
	for _, msg := range h.evaluateAssertions(ctx, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario) (*Harness, error) {
	granularity, err := merge.ParseGranularity(scenario.Granularity)
	if err != nil {
		return nil, err
	}

	var validator engine.Validator = schema.MustDefault()
	if scenario.Schema != "" {
		def := scenario.Definition
		if def == "" {
			def = schema.DefaultDefinition
		}
		s, err := schema.Load(scenario.Schema, def)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema: %w", err)
		}
		validator = s
	}

	h := &Harness{
		store:  st,
		clock:  testutil.NewDeterministicClock(),
		ids:    testutil.NewSequenceGenerator(scenario.IDPrefix),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	opts := []engine.Option{
		engine.WithGranularity(granularity),
		engine.WithSchema(validator),
		engine.WithNow(h.clock.Now),
		engine.WithIDGenerator(h.ids),
		engine.WithLogger(h.logger),
		engine.WithStoreRetries(1, time.Millisecond),
	}
	if scenario.MaxAttempts > 0 {
		opts = append(opts, engine.WithMaxAttempts(scenario.MaxAttempts))
	}
	h.engine = engine.New(st, st, opts...)
	h.access = access.NewManager(st, st,
		access.WithClock(h.clock.Now),
		access.WithLogger(h.logger))
	return h, nil
}

// execute runs one step. It never fails: problems become the step's outcome.
func (h *Harness) execute(ctx context.Context, phase string, index int, step Step) TraceEvent {
	ev := TraceEvent{
		Phase:     phase,
		Step:      index,
		Principal: step.As,
		Action:    step.Do,
		EventID:   h.target(step),
	}

	switch step.Do {
	case ActionShare, ActionChangeRole, ActionRevoke:
		kind, err := h.permission(ctx, step, ev.EventID)
		ev.Outcome = outcomeOf(err)
		ev.Target = step.Principal
		if step.Do != ActionRevoke {
			ev.Role = step.Role
		}
		if err != nil {
			ev.Reason = err.Error()
		} else {
			ev.Kind = string(kind)
		}
	default:
		res, err := h.mutate(ctx, step, ev.EventID)
		recordResult(&ev, res, err)
		if step.Do == ActionCreate && ev.Outcome == string(engine.OutcomeAccepted) {
			h.current = ev.EventID
		}
	}
	return ev
}

func (h *Harness) target(step Step) string {
	if step.Event != "" || step.Do == ActionCreate {
		return step.Event
	}
	return h.current
}

func (h *Harness) mutate(ctx context.Context, step Step, eventID string) (*engine.Result, error) {
	switch step.Do {
	case ActionCreate:
		payload, err := toObject(step.Payload)
		if err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		return h.engine.Mutate(ctx, step.As, ir.MutationRequest{
			EventID:  eventID,
			Proposed: payload,
			Comment:  step.Comment,
		})

	case ActionUpdate:
		base, err := h.versionAt(ctx, eventID, step.Base)
		if err != nil {
			return nil, err
		}
		proposed, err := edit(base.Payload, step)
		if err != nil {
			return nil, err
		}
		return h.engine.Mutate(ctx, step.As, ir.MutationRequest{
			EventID:       eventID,
			BaseVersionID: base.ID,
			Proposed:      proposed,
			Comment:       step.Comment,
		})

	case ActionRollback:
		target, err := h.versionAt(ctx, eventID, step.Target)
		if err != nil {
			return nil, err
		}
		return h.engine.Rollback(ctx, step.As, eventID, target.ID, step.Comment)

	case ActionDelete:
		baseID := ""
		if step.Base > 0 {
			base, err := h.versionAt(ctx, eventID, step.Base)
			if err != nil {
				return nil, err
			}
			baseID = base.ID
		}
		return h.engine.Delete(ctx, step.As, eventID, baseID)
	}
	return nil, fmt.Errorf("unknown action %q", step.Do)
}

// versionAt finds the version with the given seq; zero means the head.
// A version that does not exist comes back as a placeholder with an
// unresolvable ID so the engine, not the harness, decides the outcome.
func (h *Harness) versionAt(ctx context.Context, eventID string, seq int64) (ir.Version, error) {
	placeholder := ir.Version{ID: fmt.Sprintf("%s@%d", eventID, seq), EventID: eventID, Payload: ir.Object{}}

	if seq == 0 {
		head, err := h.store.Head(ctx, eventID)
		if errors.Is(err, store.ErrNotFound) {
			return placeholder, nil
		}
		return head, err
	}
	for v, err := range h.store.History(ctx, eventID) {
		if err != nil {
			return ir.Version{}, err
		}
		if v.Seq == seq {
			return v, nil
		}
	}
	return placeholder, nil
}

func (h *Harness) permission(ctx context.Context, step Step, eventID string) (ir.ChangeKind, error) {
	role, err := ir.ParseRole(step.Role)
	if err != nil {
		return "", err
	}

	switch step.Do {
	case ActionShare:
		before, err := h.store.Assignments(ctx, eventID, step.Principal)
		if err != nil {
			return "", err
		}
		assigned, err := h.access.Share(ctx, step.As, eventID, []access.Grant{{Principal: step.Principal, Role: role}})
		if err != nil || len(assigned) == 0 {
			return "", err
		}
		if len(before) > 0 {
			return ir.ChangePermissionChange, nil
		}
		return ir.ChangeShare, nil
	case ActionChangeRole:
		_, err := h.access.ChangeRole(ctx, step.As, eventID, step.Principal, role)
		return ir.ChangePermissionChange, err
	default:
		_, err := h.access.Revoke(ctx, step.As, eventID, step.Principal)
		return ir.ChangePermissionChange, err
	}
}

// captureState records the head of every event.
func (h *Harness) captureState(ctx context.Context, result *Result) error {
	events, err := h.store.Events(ctx)
	if err != nil {
		return err
	}
	for _, ev := range events {
		head, err := h.store.Head(ctx, ev.ID)
		if err != nil {
			return err
		}
		result.State[ev.ID] = EventState{
			Seq:     head.Seq,
			Deleted: head.Tombstone,
			Payload: head.Payload,
		}
	}
	return nil
}

func recordResult(ev *TraceEvent, res *engine.Result, err error) {
	if res == nil {
		ev.Outcome = string(engine.OutcomeFailed)
		ev.Reason = err.Error()
		return
	}

	ev.Outcome = string(res.Outcome)
	if res.EventID != "" {
		ev.EventID = res.EventID
	}
	ev.Reason = res.Reason
	if ev.Reason == "" && err != nil {
		ev.Reason = err.Error()
	}
	if v := res.Version; v != nil {
		ev.Seq = v.Seq
		ev.Kind = string(v.Summary.Kind)
		ev.Fields = v.Summary.Fields()
		ev.Merged = res.Merged
	}
	if res.Conflict != nil {
		ev.Fields = res.Conflict.Fields
	}
}

// outcomeOf classifies an access management error.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return string(engine.OutcomeAccepted)
	case engine.IsDenied(err):
		return string(engine.OutcomeDenied)
	case engine.IsConflict(err):
		return string(engine.OutcomeConflict)
	case errors.Is(err, apperrors.ErrRejected),
		errors.Is(err, apperrors.ErrNotFound),
		engine.IsMalformed(err):
		return string(engine.OutcomeRejected)
	default:
		return string(engine.OutcomeFailed)
	}
}

// edit builds the proposed payload for an update step.
func edit(base ir.Object, step Step) (ir.Object, error) {
	proposed := base.Clone()
	if proposed == nil {
		proposed = ir.Object{}
	}
	if step.Payload != nil {
		replacement, err := toObject(step.Payload)
		if err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		proposed = replacement
	}
	set, err := toObject(step.Set)
	if err != nil {
		return nil, fmt.Errorf("set: %w", err)
	}
	for k, v := range set {
		proposed[k] = v
	}
	for _, k := range step.Unset {
		delete(proposed, k)
	}
	return proposed, nil
}

// toObject converts YAML-decoded values to an ir.Object. YAML null stays
// an explicit null; timestamps become RFC 3339 strings.
func toObject(m map[string]any) (ir.Object, error) {
	obj := make(ir.Object, len(m))
	for k, v := range m {
		conv, err := toValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		obj[k] = conv
	}
	return obj, nil
}

func toValue(v any) (ir.Value, error) {
	switch val := v.(type) {
	case time.Time:
		return ir.String(val.UTC().Format(time.RFC3339)), nil
	case float64:
		if val == float64(int64(val)) {
			return ir.Int(int64(val)), nil
		}
		return nil, fmt.Errorf("floats are not allowed in payloads: %v", val)
	case []any:
		arr := make(ir.Array, len(val))
		for i, elem := range val {
			conv, err := toValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		return toObject(val)
	default:
		return ir.FromGo(v)
	}
}
