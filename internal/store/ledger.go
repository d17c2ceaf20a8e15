package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/roach88/coedit/internal/ir"
)

var (
	// ErrStaleBase means the head moved (or the event already exists) before
	// the append could commit.
	ErrStaleBase = errors.New("store: stale base version")

	// ErrNotFound means the event or version does not exist.
	ErrNotFound = errors.New("store: not found")
)

// AppendRequest describes one version to append.
type AppendRequest struct {
	EventID string

	// Parent is the head the caller computed the payload against. Empty
	// creates the event and succeeds only if it does not exist yet.
	Parent string

	// MergeParent is the second ancestor of a merge version.
	MergeParent string

	// Owner is recorded on creation. Defaults to Author.
	Owner string

	Payload   ir.Object
	Author    string
	Timestamp time.Time
	Summary   ir.ChangeSummary
	Tombstone bool
}

// parents returns the ancestry list in canonical order: head, then merge base.
func (r AppendRequest) parents() []string {
	switch {
	case r.Parent == "":
		return []string{}
	case r.MergeParent == "" || r.MergeParent == r.Parent:
		return []string{r.Parent}
	default:
		return []string{r.Parent, r.MergeParent}
	}
}

func (r AppendRequest) owner() string {
	if r.Owner != "" {
		return r.Owner
	}
	return r.Author
}

// build assembles the immutable version that will sit at seq.
func (r AppendRequest) build(seq int64) (ir.Version, error) {
	payload := r.Payload.Clone()
	if payload == nil {
		payload = ir.Object{}
	}
	v := ir.Version{
		EventID:   r.EventID,
		Parents:   r.parents(),
		Seq:       seq,
		Author:    r.Author,
		Timestamp: r.Timestamp.UTC(),
		Payload:   payload,
		Summary:   r.Summary,
		Tombstone: r.Tombstone,
	}
	id, err := v.ComputeID()
	if err != nil {
		return ir.Version{}, err
	}
	v.ID = id
	return v, nil
}

// VersionStore is the persistence contract the engine depends on.
//
// Implementations must be safe for concurrent use. Append must be atomic:
// either the version is stored and the head points at it, or neither.
type VersionStore interface {
	// Append adds a version if req.Parent is still the head.
	Append(ctx context.Context, req AppendRequest) (ir.Version, error)

	// Get returns a version by ID, or ErrNotFound.
	Get(ctx context.Context, versionID string) (ir.Version, error)

	// Event returns the event row with its current head, or ErrNotFound.
	Event(ctx context.Context, eventID string) (ir.Event, error)

	// Head returns the event's current head version, or ErrNotFound.
	Head(ctx context.Context, eventID string) (ir.Version, error)

	// History yields the event's versions newest-first. The sequence is lazy
	// and can be ranged over more than once. An unknown event yields a single
	// ErrNotFound.
	History(ctx context.Context, eventID string) iter.Seq2[ir.Version, error]

	// Events lists all events ordered by ID.
	Events(ctx context.Context) ([]ir.Event, error)
}

// Collect drains a history sequence into a slice.
func Collect(seq iter.Seq2[ir.Version, error]) ([]ir.Version, error) {
	var out []ir.Version
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
