package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coedit/internal/engine"
	"github.com/roach88/coedit/internal/ir"
)

func TestLoadBatchFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "batch.yaml", `
events:
  - id: standup
    payload:
      title: Standup
      is_recurring: true
  - payload: {title: Retro}
    comment: imported
`)
	reqs, err := LoadBatchFile(path)
	require.NoError(t, err)
	assert.Equal(t, []ir.MutationRequest{
		{EventID: "standup", Proposed: ir.Object{"title": ir.String("Standup"), "is_recurring": ir.Bool(true)}},
		{Proposed: ir.Object{"title": ir.String("Retro")}, Comment: "imported"},
	}, reqs)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no list", `{"items":[]}`, `want an "events" list`},
		{"entry not object", `{"events":[1]}`, "want an object"},
		{"missing payload", `{"events":[{"id":"x"}]}`, "payload must be an object"},
		{"id not string", `{"events":[{"id":3,"payload":{"title":"x"}}]}`, "id must be a string"},
		{"unknown field", `{"events":[{"payload":{"title":"x"},"owner":"bob"}]}`, `unknown field "owner"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBatchFile(writeFile(t, t.TempDir(), "b.json", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCreateBatchCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "batch.json",
		`{"events":[{"id":"ev-1","payload":{"title":"Standup"}},{"id":"ev-2","payload":{"title":"Retro"},"comment":"imported"}]}`)

	env := newCLIEnv(t)
	out := env.mustRun("create-batch", path, "--as", "alice")
	assert.Contains(t, out, "✓ ev-1 v1 create")
	assert.Contains(t, out, "✓ ev-2 v1 create")
	assert.Contains(t, out, "Created 2 of 2 events")

	page := decode[engine.EventPage](t, env.mustRun("events", "--as", "alice", "--format", "json"))
	assert.Equal(t, 2, page.Total)

	_, _, err := env.run("create-batch", path, "--as", "alice", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestCreateBatchCommandRejectsInvalidEntry(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "batch.json",
		`{"events":[{"id":"ev-1","payload":{"title":"Standup"}},{"id":"ev-2","payload":{"location":"Room 4"}}]}`)

	env := newCLIEnv(t)
	_, _, err := env.run("create-batch", path, "--as", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, env.mustRun("events", "--as", "alice"), "No events.")

	empty := writeFile(t, dir, "empty.json", `{"events":[]}`)
	_, _, err = env.run("create-batch", empty, "--as", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no events provided")

	_, _, err = env.run("create-batch", filepath.Join(dir, "missing.json"), "--as", "alice")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestEventsCommandFilters(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("create", "--as", "alice", "--id", "ev-1", "--set", "title=Team Standup",
		"--set", "start_time=2026-03-02T09:00:00Z", "--set", "end_time=2026-03-02T10:00:00Z",
		"--set", "is_recurring=true")
	env.mustRun("create", "--as", "alice", "--id", "ev-2", "--set", "title=Offsite",
		"--set", "start_time=2026-03-05T09:00:00Z", "--set", "end_time=2026-03-06T17:00:00Z",
		"--set", "location=Lisbon")
	env.mustRun("create", "--as", "alice", "--id", "ev-3", "--set", "title=Standup retro")

	ids := func(args ...string) []string {
		t.Helper()
		page := decode[engine.EventPage](t, env.mustRun(append([]string{"events", "--as", "alice", "--format", "json"}, args...)...))
		out := []string{}
		for _, ev := range page.Events {
			out = append(out, ev.ID)
		}
		return out
	}

	assert.Equal(t, []string{"ev-1", "ev-3"}, ids("--title", "standup"))
	assert.Equal(t, []string{"ev-2"}, ids("--location", "LIS"))
	assert.Equal(t, []string{"ev-2", "ev-3"}, ids("--no-recurring"))
	assert.Equal(t, []string{"ev-2"}, ids("--from", "2026-03-04T00:00:00Z"))
	assert.Equal(t, []string{"ev-2"}, ids("--offset", "1", "--limit", "1"))

	out := env.mustRun("events", "--as", "alice", "--limit", "2")
	assert.Contains(t, out, "Showing 1-2 of 3")

	env.mustRun("delete", "ev-3", "--as", "alice")
	assert.Equal(t, []string{"ev-1", "ev-2"}, ids())
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, ids("--include-deleted"))
	assert.Contains(t, env.mustRun("events", "--as", "alice", "--include-deleted"), "(deleted)")

	_, _, err := env.run("events", "--as", "alice", "--from", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
