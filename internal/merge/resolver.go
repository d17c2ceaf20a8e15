// Package merge implements the conflict resolver: given a proposed payload
// and the version it was computed from, it appends directly, merges with
// concurrent edits, or reports a conflict.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/roach88/coedit/internal/errors"
	"github.com/roach88/coedit/internal/ir"
	"github.com/roach88/coedit/internal/store"
)

// Config controls merge behaviour.
type Config struct {
	Granularity Granularity

	// MaxAttempts bounds compare-and-swap attempts per request. When every
	// attempt loses the race the request ends in Conflict.
	MaxAttempts int

	// StoreRetries bounds retries of retryable store failures. They do not
	// consume CAS attempts.
	StoreRetries int

	// RetryBackoff is the pause before the first store retry; it doubles on
	// each further retry.
	RetryBackoff time.Duration
}

// DefaultConfig returns field-level merging with three CAS attempts.
func DefaultConfig() Config {
	return Config{
		Granularity:  GranularityField,
		MaxAttempts:  3,
		StoreRetries: 3,
		RetryBackoff: 10 * time.Millisecond,
	}
}

// Validator checks a merged payload. A merge of two individually valid
// edits can still be invalid as a whole.
type Validator func(ir.Object) error

// Outcome is the terminal state of a resolution.
type Outcome int

const (
	OutcomeAccepted Outcome = iota + 1
	OutcomeConflict
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeConflict:
		return "conflict"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Request is one mutation to resolve.
type Request struct {
	ir.MutationRequest

	// Timestamp is recorded on the new version.
	Timestamp time.Time

	// Tombstone marks the new version as a deletion.
	Tombstone bool

	// Owner is recorded when the request creates the event.
	Owner string
}

// Conflict carries everything a caller needs to build a correct retry
// without another read.
type Conflict struct {
	Head            ir.Version       `json:"head"`
	BaseVersionID   string           `json:"base_version_id"`
	BasePayload     ir.Object        `json:"base_payload"`
	Proposed        ir.Object        `json:"proposed_payload"`
	HeadChanges     []ir.FieldChange `json:"head_changes"`
	ProposedChanges []ir.FieldChange `json:"proposed_changes"`
	Fields          []string         `json:"fields"`
	Reason          string           `json:"reason"`
}

// Decision is the result of Resolve.
type Decision struct {
	Outcome  Outcome
	Version  ir.Version // set when accepted
	Merged   bool       // accepted via three-way merge
	Conflict *Conflict  // set on conflict
	Reason   string     // set on rejection
	Attempts int        // CAS attempts made
}

// Resolver decides accept / merge / conflict against a VersionStore.
type Resolver struct {
	store    store.VersionStore
	cfg      Config
	validate Validator
	logger   *slog.Logger

	// OnRetry, if set, is called for each lost CAS race.
	OnRetry func(ctx context.Context, eventID string, attempt int)
}

// NewResolver creates a Resolver. Zero config fields take defaults.
func NewResolver(s store.VersionStore, cfg Config, validate Validator, logger *slog.Logger) *Resolver {
	def := DefaultConfig()
	if cfg.Granularity == "" {
		cfg.Granularity = def.Granularity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.StoreRetries < 0 {
		cfg.StoreRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: s, cfg: cfg, validate: validate, logger: logger}
}

// Config returns the effective configuration.
func (r *Resolver) Config() Config {
	return r.cfg
}

// errRetry signals a lost CAS race to the attempt loop.
var errRetry = errors.New("merge: lost compare-and-swap race")

// Resolve runs the request to a terminal decision. A non-nil error means the
// store failed; no version was created.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Decision, error) {
	storeFailures := 0
	backoff := r.cfg.RetryBackoff

	for attempt := 1; attempt <= r.cfg.MaxAttempts; {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}

		d, err := r.attempt(ctx, req)
		switch {
		case err == nil:
			d.Attempts = attempt
			return d, nil

		case errors.Is(err, errRetry):
			r.logger.Debug("lost head race, retrying",
				"event_id", req.EventID,
				"attempt", attempt)
			if r.OnRetry != nil {
				r.OnRetry(ctx, req.EventID, attempt)
			}
			attempt++

		case apperrors.IsRetryable(err) && storeFailures < r.cfg.StoreRetries:
			storeFailures++
			r.logger.Warn("transient store failure, retrying",
				"event_id", req.EventID,
				"retry", storeFailures,
				"error", err)
			if err := sleep(ctx, backoff); err != nil {
				return Decision{}, err
			}
			backoff *= 2

		case apperrors.IsRetryable(err):
			return Decision{}, apperrors.StoreUnavailable(
				fmt.Sprintf("store failed after %d retries", storeFailures), err)

		default:
			return Decision{}, err
		}
	}

	c, err := r.exhausted(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Outcome: OutcomeConflict, Conflict: c, Attempts: r.cfg.MaxAttempts}, nil
}

// attempt makes one pass: read the head, decide, and try the CAS.
func (r *Resolver) attempt(ctx context.Context, req Request) (Decision, error) {
	head, err := r.store.Head(ctx, req.EventID)
	if errors.Is(err, store.ErrNotFound) {
		if req.BaseVersionID != "" {
			return rejected(fmt.Sprintf("event %s does not exist", req.EventID)), nil
		}
		return r.create(ctx, req)
	}
	if err != nil {
		return Decision{}, err
	}

	if req.BaseVersionID == "" {
		return rejected(fmt.Sprintf("event %s already exists", req.EventID)), nil
	}
	if head.Tombstone && req.Kind != ir.ChangeRollback {
		return rejected(fmt.Sprintf("event %s is deleted", req.EventID)), nil
	}

	if req.BaseVersionID == head.ID {
		return r.fastPath(ctx, req, head)
	}
	return r.mergePath(ctx, req, head)
}

func (r *Resolver) create(ctx context.Context, req Request) (Decision, error) {
	changes := Diff(ir.Object{}, req.Proposed)
	v, err := r.store.Append(ctx, store.AppendRequest{
		EventID:   req.EventID,
		Owner:     req.Owner,
		Payload:   req.Proposed,
		Author:    req.Principal,
		Timestamp: req.Timestamp,
		Summary:   r.summary(req, ir.ChangeCreate, changes),
	})
	if errors.Is(err, store.ErrStaleBase) {
		return Decision{}, errRetry
	}
	if err != nil {
		return Decision{}, err
	}
	return Decision{Outcome: OutcomeAccepted, Version: v}, nil
}

func (r *Resolver) fastPath(ctx context.Context, req Request, head ir.Version) (Decision, error) {
	changes := Diff(head.Payload, req.Proposed)
	if len(changes) == 0 && !req.Tombstone && !head.Tombstone {
		return rejected("no effective changes"), nil
	}

	v, err := r.store.Append(ctx, store.AppendRequest{
		EventID:   req.EventID,
		Parent:    head.ID,
		Payload:   req.Proposed,
		Author:    req.Principal,
		Timestamp: req.Timestamp,
		Summary:   r.summary(req, kindOf(req, false), changes),
		Tombstone: req.Tombstone,
	})
	if errors.Is(err, store.ErrStaleBase) {
		return Decision{}, errRetry
	}
	if err != nil {
		return Decision{}, err
	}
	return Decision{Outcome: OutcomeAccepted, Version: v}, nil
}

func (r *Resolver) mergePath(ctx context.Context, req Request, head ir.Version) (Decision, error) {
	base, err := r.store.Get(ctx, req.BaseVersionID)
	if errors.Is(err, store.ErrNotFound) {
		return rejected(fmt.Sprintf("unknown base version %s", req.BaseVersionID)), nil
	}
	if err != nil {
		return Decision{}, err
	}
	if base.EventID != req.EventID {
		return rejected(fmt.Sprintf("base version %s belongs to another event", req.BaseVersionID)), nil
	}

	headChanges := Diff(base.Payload, head.Payload)
	proposedChanges := Diff(base.Payload, req.Proposed)
	conflict := func(fields []string, reason string) (Decision, error) {
		return Decision{Outcome: OutcomeConflict, Conflict: &Conflict{
			Head:            head,
			BaseVersionID:   base.ID,
			BasePayload:     base.Payload,
			Proposed:        req.Proposed.Clone(),
			HeadChanges:     headChanges,
			ProposedChanges: proposedChanges,
			Fields:          fields,
			Reason:          reason,
		}}, nil
	}

	if len(proposedChanges) == 0 && !req.Tombstone {
		return rejected("no effective changes"), nil
	}
	// A deletion or resurrection decided against an old head is never merged.
	if req.Tombstone || head.Tombstone != base.Tombstone {
		return conflict(Fields(headChanges), "event changed since base version")
	}

	merged, fields := ThreeWay(base.Payload, head.Payload, req.Proposed, r.cfg.Granularity)
	if len(fields) > 0 {
		return conflict(fields, "concurrent edits to the same fields")
	}
	if r.validate != nil {
		if err := r.validate(merged); err != nil {
			return conflict(unionFields(headChanges, proposedChanges),
				fmt.Sprintf("merged payload is invalid: %v", err))
		}
	}

	changes := Diff(head.Payload, merged)
	if len(changes) == 0 {
		return rejected("no effective changes"), nil
	}

	v, err := r.store.Append(ctx, store.AppendRequest{
		EventID:     req.EventID,
		Parent:      head.ID,
		MergeParent: base.ID,
		Payload:     merged,
		Author:      req.Principal,
		Timestamp:   req.Timestamp,
		Summary:     r.summary(req, kindOf(req, true), changes),
	})
	if errors.Is(err, store.ErrStaleBase) {
		return Decision{}, errRetry
	}
	if err != nil {
		return Decision{}, err
	}

	r.logger.Debug("merged concurrent edits",
		"event_id", req.EventID,
		"version_id", v.ID,
		"head", head.ID,
		"base", base.ID)
	return Decision{Outcome: OutcomeAccepted, Version: v, Merged: true}, nil
}

// exhausted builds the Conflict returned when every CAS attempt lost.
func (r *Resolver) exhausted(ctx context.Context, req Request) (*Conflict, error) {
	head, err := r.store.Head(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	c := &Conflict{
		Head:          head,
		BaseVersionID: req.BaseVersionID,
		Proposed:      req.Proposed.Clone(),
		Reason:        fmt.Sprintf("head kept moving after %d attempts", r.cfg.MaxAttempts),
	}
	if req.BaseVersionID != "" {
		base, err := r.store.Get(ctx, req.BaseVersionID)
		if err != nil {
			return nil, err
		}
		c.BasePayload = base.Payload
		c.HeadChanges = Diff(base.Payload, head.Payload)
		c.ProposedChanges = Diff(base.Payload, req.Proposed)
		c.Fields = unionFields(c.HeadChanges, c.ProposedChanges)
	}
	return c, nil
}

func (r *Resolver) summary(req Request, kind ir.ChangeKind, changes []ir.FieldChange) ir.ChangeSummary {
	return ir.ChangeSummary{
		Kind:      kind,
		Author:    req.Principal,
		Timestamp: req.Timestamp.UTC(),
		Changes:   changes,
		Comment:   req.Comment,
	}
}

func kindOf(req Request, merged bool) ir.ChangeKind {
	switch {
	case req.Tombstone:
		return ir.ChangeDelete
	case req.Kind == ir.ChangeRollback:
		return ir.ChangeRollback
	case merged:
		return ir.ChangeMerge
	default:
		return ir.ChangeUpdate
	}
}

func rejected(reason string) Decision {
	return Decision{Outcome: OutcomeRejected, Reason: reason}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
