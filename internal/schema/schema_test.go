package schema

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/roach88/coedit/internal/errors"
	"github.com/roach88/coedit/internal/ir"
)

func standup() ir.Object {
	return ir.Object{
		"title":        ir.String("Standup"),
		"description":  ir.String("daily sync"),
		"start_time":   ir.String("2026-03-02T09:00:00Z"),
		"end_time":     ir.String("2026-03-02T09:15:00Z"),
		"location":     ir.String("Room 4"),
		"is_recurring": ir.Bool(true),
		"recurrence_pattern": ir.Object{
			"frequency": ir.String("weekly"),
			"interval":  ir.Int(1),
			"weekdays":  ir.Array{ir.Int(1), ir.Int(3), ir.Int(5)},
		},
	}
}

func with(base ir.Object, key string, v ir.Value) ir.Object {
	out := base.Clone()
	if v == nil {
		delete(out, key)
	} else {
		out[key] = v
	}
	return out
}

func TestDefaultAcceptsValidPayloads(t *testing.T) {
	s := MustDefault()
	assert.Equal(t, "#Event", s.Name())

	tests := []struct {
		name    string
		payload ir.Object
	}{
		{"full", standup()},
		{"title only", ir.Object{"title": ir.String("A")}},
		{"null description", with(standup(), "description", ir.Null{})},
		{"null recurrence", with(standup(), "recurrence_pattern", ir.Null{})},
		{"end equals start", with(standup(), "end_time", ir.String("2026-03-02T09:00:00Z"))},
		{"offset times", with(standup(), "end_time", ir.String("2026-03-02T10:30:00+01:00"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, s.Validate(tt.payload))
		})
	}
}

func TestDefaultRejectsMalformedPayloads(t *testing.T) {
	s := MustDefault()
	pattern := func(k string, v ir.Value) ir.Object {
		return with(standup(), "recurrence_pattern", with(standup()["recurrence_pattern"].(ir.Object), k, v))
	}

	tests := []struct {
		name    string
		payload ir.Object
	}{
		{"nil", nil},
		{"missing title", with(standup(), "title", nil)},
		{"empty title", with(standup(), "title", ir.String(""))},
		{"title not a string", with(standup(), "title", ir.Int(7))},
		{"unknown field", with(standup(), "colour", ir.String("red"))},
		{"bad start time", with(standup(), "start_time", ir.String("tomorrow"))},
		{"end before start", with(standup(), "end_time", ir.String("2026-03-02T08:00:00Z"))},
		{"offset end before start", with(standup(), "end_time", ir.String("2026-03-02T09:30:00+01:00"))},
		{"unknown frequency", pattern("frequency", ir.String("hourly"))},
		{"zero interval", pattern("interval", ir.Int(0))},
		{"weekday out of range", pattern("weekdays", ir.Array{ir.Int(7)})},
		{"missing frequency", pattern("frequency", nil)},
		{"is_recurring not bool", with(standup(), "is_recurring", ir.String("yes"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrMalformedPayload)
			assert.False(t, apperrors.IsRetryable(err))
		})
	}
}

func TestEndBeforeStartNamesFields(t *testing.T) {
	err := MustDefault().Validate(with(standup(), "end_time", ir.String("2026-03-01T09:00:00Z")))
	require.Error(t, err)

	var e *apperrors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []string{"start_time", "end_time"}, e.Details["fields"])
	assert.Contains(t, e.Message, "before start_time")
}

func TestSchemaErrorsCarryMessages(t *testing.T) {
	err := MustDefault().Validate(with(standup(), "colour", ir.String("red")))
	require.Error(t, err)

	var e *apperrors.Error
	require.ErrorAs(t, err, &e)
	msgs, ok := e.Details["errors"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[0], "colour")
}

func TestLoadCustomSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meeting.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
#Meeting: {
	title: string
	room:  "A" | "B"
}
`), 0o644))

	s, err := Load(path, "#Meeting")
	require.NoError(t, err)
	assert.Equal(t, "#Meeting", s.Name())

	assert.NoError(t, s.Validate(ir.Object{"title": ir.String("x"), "room": ir.String("A")}))
	assert.Error(t, s.Validate(ir.Object{"title": ir.String("x"), "room": ir.String("C")}))
	assert.Error(t, s.Validate(ir.Object{"title": ir.String("x")}))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.cue"), "")
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(bad, []byte("#Event: {\n\ttitle: string &\n}\n"), 0o644))
	_, err = Load(bad, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.cue")

	other := filepath.Join(dir, "other.cue")
	require.NoError(t, os.WriteFile(other, []byte("#Other: {x: int}\n"), 0o644))
	_, err = Load(other, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "#Event not found")
}

func TestValidateConcurrent(t *testing.T) {
	s := MustDefault()
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := standup()
			if i%2 == 1 {
				p = with(p, "title", ir.String(""))
			}
			errs <- s.Validate(p)
		}()
	}
	wg.Wait()
	close(errs)

	failures := 0
	for err := range errs {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 16, failures)
}
