package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/coedit/internal/ir"
	"github.com/roach88/coedit/internal/merge"
)

// Scenario is a scripted collaboration session: principals creating,
// sharing and editing events, with expectations on how each request ends.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// Granularity is "field" (default) or "document".
	Granularity string `yaml:"granularity,omitempty"`

	// MaxAttempts bounds compare-and-swap attempts. Zero keeps the default.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Schema optionally points at a CUE file replacing the built-in event
	// schema. Relative paths resolve against the scenario file.
	Schema string `yaml:"schema,omitempty"`

	// Definition names the definition inside Schema. Defaults to #Event.
	Definition string `yaml:"definition,omitempty"`

	// IDPrefix prefixes generated event IDs. Defaults to "ev".
	IDPrefix string `yaml:"id_prefix,omitempty"`

	// Setup steps must all be accepted; a failure aborts the run.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow steps are checked against their expect clauses.
	Flow []Step `yaml:"flow"`

	// Assertions are evaluated against the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step actions.
const (
	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionRollback   = "rollback"
	ActionDelete     = "delete"
	ActionShare      = "share"
	ActionChangeRole = "change_role"
	ActionRevoke     = "revoke"
)

// Step is one request made by one principal.
type Step struct {
	// As is the acting principal.
	As string `yaml:"as"`

	// Do is the action name.
	Do string `yaml:"do"`

	// Event is the target event. Empty means the event most recently
	// created in this scenario; on create it means a generated ID.
	Event string `yaml:"event,omitempty"`

	// Base is the seq of the version the request was computed from.
	// Zero means the head at the time the step runs.
	Base int64 `yaml:"base,omitempty"`

	// Payload is the full payload of a create.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Set and Unset describe an update relative to the base snapshot.
	Set   map[string]any `yaml:"set,omitempty"`
	Unset []string       `yaml:"unset,omitempty"`

	// Target is the seq to roll back to.
	Target int64 `yaml:"target,omitempty"`

	// Principal and Role are used by share, change_role and revoke.
	Principal string `yaml:"principal,omitempty"`
	Role      string `yaml:"role,omitempty"`

	Comment string `yaml:"comment,omitempty"`

	// Expect checks how the request ended. Nil means it must be accepted.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect describes the expected result of a flow step.
type Expect struct {
	// Outcome is accepted, conflict, rejected, denied or failed.
	Outcome string `yaml:"outcome"`

	// Seq is the expected seq of the written version.
	Seq int64 `yaml:"seq,omitempty"`

	// Fields are the changed fields of an accepted version, or the
	// conflicting fields of a conflict, in sorted order.
	Fields []string `yaml:"fields,omitempty"`

	// Merged requires the version to be (or not be) a merge.
	Merged *bool `yaml:"merged,omitempty"`

	// Reason must be a substring of the reported reason.
	Reason string `yaml:"reason,omitempty"`
}

// Assertion validates the state left behind by a scenario.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event is the event the assertion inspects.
	Event string `yaml:"event,omitempty"`

	// As is the principal reading the event. Defaults to its owner.
	As string `yaml:"as,omitempty"`

	// Expect is a subset of the head payload (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Absent lists fields the head payload must not carry (final_state).
	Absent []string `yaml:"absent,omitempty"`

	// Deleted requires the head to be (or not be) a tombstone (final_state).
	Deleted *bool `yaml:"deleted,omitempty"`

	// Count is used by history_count and outcome_count.
	Count int `yaml:"count,omitempty"`

	// Outcome is counted by outcome_count.
	Outcome string `yaml:"outcome,omitempty"`

	// Kinds is the expected changelog, newest first (changelog_kinds).
	Kinds []string `yaml:"kinds,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState     = "final_state"
	AssertHistoryCount   = "history_count"
	AssertOutcomeCount   = "outcome_count"
	AssertChangelogKinds = "changelog_kinds"
	AssertVerified       = "verified"
)

var outcomes = map[string]bool{
	"accepted": true,
	"conflict": true,
	"rejected": true,
	"denied":   true,
	"failed":   true,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so that typos fail loudly. A relative schema path is resolved
// against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) {
		scenario.Schema = filepath.Join(filepath.Dir(path), scenario.Schema)
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
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

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must contain at least one step")
	}
	if _, err := merge.ParseGranularity(s.Granularity); err != nil {
		return err
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative")
	}

	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps cannot carry expect", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if step.As == "" {
		return fmt.Errorf("as is required")
	}

	switch step.Do {
	case ActionCreate:
		if step.Payload == nil {
			return fmt.Errorf("payload is required for create")
		}
	case ActionUpdate:
		if len(step.Set) == 0 && len(step.Unset) == 0 && step.Payload == nil {
			return fmt.Errorf("update needs set, unset or payload")
		}
	case ActionRollback:
		if step.Target <= 0 {
			return fmt.Errorf("target is required for rollback")
		}
	case ActionDelete:
	case ActionShare, ActionChangeRole:
		if step.Principal == "" {
			return fmt.Errorf("principal is required for %s", step.Do)
		}
		if _, err := ir.ParseRole(step.Role); err != nil {
			return err
		}
	case ActionRevoke:
		if step.Principal == "" {
			return fmt.Errorf("principal is required for revoke")
		}
	case "":
		return fmt.Errorf("do is required")
	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}

	if step.Base < 0 || step.Target < 0 {
		return fmt.Errorf("base and target must be non-negative")
	}
	if step.Expect != nil && !outcomes[step.Expect.Outcome] {
		return fmt.Errorf("unknown expected outcome %q", step.Expect.Outcome)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertFinalState:
		if a.Event == "" {
			return fmt.Errorf("event is required for final_state")
		}
		if len(a.Expect) == 0 && len(a.Absent) == 0 && a.Deleted == nil {
			return fmt.Errorf("final_state needs expect, absent or deleted")
		}
	case AssertHistoryCount:
		if a.Event == "" {
			return fmt.Errorf("event is required for history_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for history_count")
		}
	case AssertOutcomeCount:
		if !outcomes[a.Outcome] {
			return fmt.Errorf("unknown outcome %q for outcome_count", a.Outcome)
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for outcome_count")
		}
	case AssertChangelogKinds:
		if a.Event == "" {
			return fmt.Errorf("event is required for changelog_kinds")
		}
		if len(a.Kinds) == 0 {
			return fmt.Errorf("kinds list is required for changelog_kinds")
		}
	case AssertVerified:
		if a.Event == "" {
			return fmt.Errorf("event is required for verified")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
