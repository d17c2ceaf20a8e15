package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: minimal
flow:
  - as: alice
    do: create
    payload: { title: Standup }
`))
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Flow, 1)
	assert.Equal(t, "Standup", s.Flow[0].Payload["title"])
	assert.Nil(t, s.Flow[0].Expect)
}

func TestParseScenario_FullStep(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: full
granularity: document
max_attempts: 5
id_prefix: meeting
flow:
  - as: bob
    do: update
    event: ev-9
    base: 2
    set: { location: Room 4 }
    unset: [description]
    comment: moved
    expect:
      outcome: conflict
      fields: [location]
      merged: false
      reason: concurrent
assertions:
  - type: outcome_count
    outcome: conflict
    count: 1
`))
	require.NoError(t, err)
	assert.Equal(t, "document", s.Granularity)
	assert.Equal(t, 5, s.MaxAttempts)

	step := s.Flow[0]
	assert.Equal(t, int64(2), step.Base)
	assert.Equal(t, []string{"description"}, step.Unset)
	require.NotNil(t, step.Expect)
	assert.Equal(t, []string{"location"}, step.Expect.Fields)
	require.NotNil(t, step.Expect.Merged)
	assert.False(t, *step.Expect.Merged)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "flow: [{as: a, do: delete}]", "name is required"},
		{"empty flow", "name: x", "flow must contain"},
		{"unknown field", "name: x\nflw: []", "field flw not found"},
		{"bad granularity", "name: x\ngranularity: line\nflow: [{as: a, do: delete}]", "unknown merge granularity"},
		{"negative attempts", "name: x\nmax_attempts: -1\nflow: [{as: a, do: delete}]", "max_attempts"},
		{"missing as", "name: x\nflow: [{do: delete}]", "as is required"},
		{"missing do", "name: x\nflow: [{as: a}]", "do is required"},
		{"unknown action", "name: x\nflow: [{as: a, do: publish}]", `unknown action "publish"`},
		{"create without payload", "name: x\nflow: [{as: a, do: create}]", "payload is required"},
		{"empty update", "name: x\nflow: [{as: a, do: update}]", "update needs"},
		{"rollback without target", "name: x\nflow: [{as: a, do: rollback}]", "target is required"},
		{"share without principal", "name: x\nflow: [{as: a, do: share, role: editor}]", "principal is required"},
		{"share bad role", "name: x\nflow: [{as: a, do: share, principal: b, role: admin}]", "unknown role"},
		{"bad outcome", "name: x\nflow: [{as: a, do: delete, expect: {outcome: ok}}]", "unknown expected outcome"},
		{"setup expect", "name: x\nsetup: [{as: a, do: delete, expect: {outcome: denied}}]\nflow: [{as: a, do: delete}]", "setup steps cannot carry expect"},
		{"unknown assertion", "name: x\nflow: [{as: a, do: delete}]\nassertions: [{type: trace_order}]", "unknown assertion type"},
		{"final_state without checks", "name: x\nflow: [{as: a, do: delete}]\nassertions: [{type: final_state, event: ev-1}]", "final_state needs"},
		{"changelog without kinds", "name: x\nflow: [{as: a, do: delete}]\nassertions: [{type: changelog_kinds, event: ev-1}]", "kinds list is required"},
		{"outcome_count bad outcome", "name: x\nflow: [{as: a, do: delete}]\nassertions: [{type: outcome_count, outcome: nope}]", "unknown outcome"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_ResolvesSchemaPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: custom
schema: meeting.cue
flow:
  - as: alice
    do: create
    payload: { topic: x }
`), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "meeting.cue"), s.Schema)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}
