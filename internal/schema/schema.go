// Package schema validates event payloads against a CUE definition.
//
// The built-in definition describes a calendar event. A deployment can load
// its own CUE file instead; the definition it names must be closed (a CUE
// definition) so unknown fields are rejected.
package schema

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	apperrors "github.com/roach88/coedit/internal/errors"
	"github.com/roach88/coedit/internal/ir"
)

//go:embed event.cue
var eventCUE string

// DefaultDefinition is the definition looked up when none is given.
const DefaultDefinition = "#Event"

// Schema is a compiled payload definition. Safe for concurrent use.
type Schema struct {
	// cue.Context is not safe for concurrent use.
	mu   sync.Mutex
	ctx  *cue.Context
	def  cue.Value
	name string
}

// Default returns the built-in calendar event schema.
func Default() (*Schema, error) {
	return Compile("event.cue", eventCUE, DefaultDefinition)
}

// MustDefault is Default for package-level initialisation and tests.
func MustDefault() *Schema {
	s, err := Default()
	if err != nil {
		panic(err)
	}
	return s
}

// Load compiles the CUE file at path and selects definition (DefaultDefinition
// when empty).
func Load(path, definition string) (*Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return Compile(path, string(src), definition)
}

// Compile builds a Schema from CUE source.
func Compile(filename, src, definition string) (*Schema, error) {
	if definition == "" {
		definition = DefaultDefinition
	}
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("schema: compile %s: %w", filename, formatCUEError(err))
	}
	def := v.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return nil, fmt.Errorf("schema: %s: definition %s not found", filename, definition)
	}
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("schema: %s: %w", filename, formatCUEError(err))
	}
	return &Schema{ctx: ctx, def: def, name: definition}, nil
}

// Name returns the definition the schema validates against.
func (s *Schema) Name() string {
	return s.name
}

// Validate checks payload. Failures are MALFORMED_PAYLOAD errors naming the
// offending fields.
func (s *Schema) Validate(payload ir.Object) error {
	if payload == nil {
		return apperrors.MalformedPayload("payload is required", nil)
	}
	if err := s.unify(payload); err != nil {
		return apperrors.MalformedPayload("payload does not match "+s.name, err).
			WithDetails(map[string]any{"errors": messages(err)})
	}
	if err := checkTimeOrder(payload); err != nil {
		return apperrors.MalformedPayload(err.Error(), nil).
			WithDetails(map[string]any{"fields": []string{"start_time", "end_time"}})
	}
	return nil
}

func (s *Schema) unify(payload ir.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.Encode(ir.ToGo(payload))
	if err := val.Err(); err != nil {
		return err
	}
	return s.def.Unify(val).Validate(cue.Concrete(true))
}

// checkTimeOrder rejects an end_time before start_time. CUE compares the
// strings, not the instants, so this runs after unification.
func checkTimeOrder(payload ir.Object) error {
	start, ok := timeField(payload, "start_time")
	if !ok {
		return nil
	}
	end, ok := timeField(payload, "end_time")
	if !ok {
		return nil
	}
	if end.Before(start) {
		return fmt.Errorf("end_time %s is before start_time %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

func timeField(payload ir.Object, name string) (time.Time, bool) {
	s, ok := payload[name].(ir.String)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, string(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func messages(err error) []string {
	errs := cueerrors.Errors(err)
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

// formatCUEError keeps the first error with its source position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if pos := cueerrors.Positions(first); len(pos) > 0 && pos[0].IsValid() {
		return fmt.Errorf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(),
			strings.TrimSpace(first.Error()))
	}
	return first
}
