package harness

import "github.com/roach88/coedit/internal/ir"

// Phases a trace event can come from.
const (
	PhaseSetup = "setup"
	PhaseFlow  = "flow"
)

// TraceEvent records what one scenario step did.
//
// Version IDs and timestamps are left out so that a trace only changes when
// behaviour changes.
type TraceEvent struct {
	Phase     string   `json:"phase"`
	Step      int      `json:"step"`
	Principal string   `json:"principal"`
	Action    string   `json:"action"`
	EventID   string   `json:"event_id,omitempty"`
	Outcome   string   `json:"outcome"`
	Seq       int64    `json:"seq,omitempty"`  // seq of the version written, if any
	Kind      string   `json:"kind,omitempty"` // change kind recorded
	Fields    []string `json:"fields,omitempty"`
	Merged    bool     `json:"merged,omitempty"`
	Target    string   `json:"target,omitempty"` // principal of a permission change
	Role      string   `json:"role,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// EventState is an event's head at the end of a run.
type EventState struct {
	Seq     int64     `json:"seq"`
	Deleted bool      `json:"deleted"`
	Payload ir.Object `json:"payload"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one entry per setup and flow step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final head of every event, keyed by event ID.
	State map[string]EventState `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]EventState),
	}
}

// AddError records a failed expectation and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// Count returns how many flow steps ended with outcome.
func (r *Result) Count(outcome string) int {
	n := 0
	for _, ev := range r.Trace {
		if ev.Phase == PhaseFlow && ev.Outcome == outcome {
			n++
		}
	}
	return n
}
