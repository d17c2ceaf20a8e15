package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/coedit/internal/ir"
)

// TraceSnapshot is what a golden file records for one scenario run.
type TraceSnapshot struct {
	ScenarioName string                `json:"scenario_name"`
	Trace        []TraceEvent          `json:"trace"`
	State        map[string]EventState `json:"state"`
}

// toCanonicalMap converts the snapshot for ir.MarshalCanonical, which only
// handles IR values and primitives. Reasons are left out: they are
// human-oriented and checked through expect clauses instead.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"phase":     ev.Phase,
			"step":      ev.Step,
			"principal": ev.Principal,
			"action":    ev.Action,
			"outcome":   ev.Outcome,
		}
		if ev.EventID != "" {
			m["event_id"] = ev.EventID
		}
		if ev.Seq != 0 {
			m["seq"] = ev.Seq
		}
		if ev.Kind != "" {
			m["kind"] = ev.Kind
		}
		if len(ev.Fields) > 0 {
			m["fields"] = ev.Fields
		}
		if ev.Merged {
			m["merged"] = true
		}
		if ev.Target != "" {
			m["target"] = ev.Target
		}
		if ev.Role != "" {
			m["role"] = ev.Role
		}
		trace[i] = m
	}

	state := make(map[string]any, len(s.State))
	for id, st := range s.State {
		payload := st.Payload
		if payload == nil {
			payload = ir.Object{}
		}
		state[id] = map[string]any{
			"seq":     st.Seq,
			"deleted": st.Deleted,
			"payload": payload,
		}
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"state":         state,
	}
}

// MarshalSnapshot renders a result as canonical JSON followed by a newline.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		State:        result.State,
	}
	out, err := ir.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
