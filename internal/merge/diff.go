package merge

import (
	"fmt"

	"github.com/roach88/coedit/internal/ir"
)

// Granularity selects the unit of conflict detection.
type Granularity string

const (
	// GranularityField merges edits that touch disjoint top-level fields.
	GranularityField Granularity = "field"

	// GranularityDocument treats any concurrent change as a conflict.
	GranularityDocument Granularity = "document"
)

// ParseGranularity validates a granularity name. Empty means field.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "", GranularityField:
		return GranularityField, nil
	case GranularityDocument:
		return GranularityDocument, nil
	default:
		return "", fmt.Errorf("unknown merge granularity %q: must be field or document", s)
	}
}

// Diff returns the top-level fields that differ from a to b, in canonical
// key order. Nested objects compare as whole values.
func Diff(a, b ir.Object) []ir.FieldChange {
	keys := make(ir.Object, len(a)+len(b))
	for k := range a {
		keys[k] = nil
	}
	for k := range b {
		keys[k] = nil
	}

	changes := []ir.FieldChange{}
	for _, k := range keys.SortedKeys() {
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && !inB:
			changes = append(changes, ir.FieldChange{Field: k, Old: av})
		case !inA && inB:
			changes = append(changes, ir.FieldChange{Field: k, New: bv})
		case !ir.Equal(av, bv):
			changes = append(changes, ir.FieldChange{Field: k, Old: av, New: bv})
		}
	}
	return changes
}

// Apply returns a copy of base with changes applied. A change with a nil
// New removes the field.
func Apply(base ir.Object, changes []ir.FieldChange) ir.Object {
	out := base.Clone()
	if out == nil {
		out = ir.Object{}
	}
	for _, c := range changes {
		if c.New == nil {
			delete(out, c.Field)
			continue
		}
		out[c.Field] = c.New
	}
	return out
}

// ThreeWay merges two edits of base. ours is applied on top of theirs,
// so the result keeps every change theirs made.
//
// It returns the conflicting field names, in canonical order, when the edits
// cannot be combined. Fields both sides changed to the same value are not
// conflicts. With GranularityDocument any concurrent change to theirs is a
// conflict on every field either side touched.
func ThreeWay(base, theirs, ours ir.Object, g Granularity) (ir.Object, []string) {
	theirChanges := Diff(base, theirs)
	ourChanges := Diff(base, ours)

	if g == GranularityDocument && len(theirChanges) > 0 && len(ourChanges) > 0 {
		return nil, unionFields(theirChanges, ourChanges)
	}

	touched := make(map[string]bool, len(theirChanges))
	for _, c := range theirChanges {
		touched[c.Field] = true
	}
	var conflicts []string
	for _, c := range ourChanges {
		if touched[c.Field] && !sameOutcome(theirs, ours, c.Field) {
			conflicts = append(conflicts, c.Field)
		}
	}
	if len(conflicts) > 0 {
		return nil, conflicts
	}
	return Apply(theirs, ourChanges), nil
}

// sameOutcome reports whether both sides left field in the same state.
func sameOutcome(a, b ir.Object, field string) bool {
	av, inA := a[field]
	bv, inB := b[field]
	if inA != inB {
		return false
	}
	return !inA || ir.Equal(av, bv)
}

func unionFields(a, b []ir.FieldChange) []string {
	set := ir.Object{}
	for _, c := range a {
		set[c.Field] = nil
	}
	for _, c := range b {
		set[c.Field] = nil
	}
	return set.SortedKeys()
}

// Fields returns the field names of a change list.
func Fields(changes []ir.FieldChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Field
	}
	return out
}
