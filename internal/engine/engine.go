package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/coedit/internal/authz"
	apperrors "github.com/roach88/coedit/internal/errors"
	"github.com/roach88/coedit/internal/ir"
	"github.com/roach88/coedit/internal/merge"
	"github.com/roach88/coedit/internal/schema"
	"github.com/roach88/coedit/internal/store"
	"github.com/roach88/coedit/internal/telemetry"
)

// Outcome is the terminal state of a mutation request.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeConflict Outcome = "conflict"
	OutcomeRejected Outcome = "rejected"
	OutcomeDenied   Outcome = "denied"
	OutcomeFailed   Outcome = "failed"
)

// Result describes how a mutation ended.
type Result struct {
	Outcome  Outcome         `json:"outcome"`
	EventID  string          `json:"event_id"`
	Version  *ir.Version     `json:"version,omitempty"`
	Merged   bool            `json:"merged,omitempty"`
	Conflict *merge.Conflict `json:"conflict,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
}

// Validator checks a payload before it reaches the store.
// *schema.Schema implements it.
type Validator interface {
	Validate(ir.Object) error
}

// Notifier receives a change record for every accepted version.
// Implementations must not block.
type Notifier interface {
	Publish(ir.ChangeRecord)
}

// PermissionLog is implemented by role stores that keep a permission change
// log. When the engine's role source implements it, Changelog includes
// permission entries.
type PermissionLog interface {
	PermissionLog(ctx context.Context, eventID string) ([]ir.PermissionChange, error)
}

// Engine coordinates permission checks, validation, conflict resolution and
// notification. Safe for concurrent use.
type Engine struct {
	store     store.VersionStore
	roles     authz.RoleSource
	eval      *authz.Evaluator
	resolver  *merge.Resolver
	mergeCfg  merge.Config
	schema    Validator
	notifiers []Notifier
	clock     *Clock
	ids       IDGenerator
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxAttempts bounds compare-and-swap attempts per mutation.
// Default: 3.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.mergeCfg.MaxAttempts = n
	}
}

// WithGranularity selects field-level or whole-document merging.
// Default: field.
func WithGranularity(g merge.Granularity) Option {
	return func(e *Engine) {
		e.mergeCfg.Granularity = g
	}
}

// WithStoreRetries bounds retries of transient store failures and sets the
// initial backoff between them.
func WithStoreRetries(n int, backoff time.Duration) Option {
	return func(e *Engine) {
		e.mergeCfg.StoreRetries = n
		e.mergeCfg.RetryBackoff = backoff
	}
}

// WithSchema replaces the built-in calendar event schema.
func WithSchema(v Validator) Option {
	return func(e *Engine) {
		e.schema = v
	}
}

// WithNotifier adds a notifier. May be given more than once.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifiers = append(e.notifiers, n)
	}
}

// WithNow sets the time source for version timestamps.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.clock = NewClock(now)
	}
}

// WithIDGenerator sets the generator for event IDs. Default: UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metric instruments. Default: instruments on the
// global MeterProvider.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an Engine over a version store and a role source.
func New(s store.VersionStore, roles authz.RoleSource, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		roles:    roles,
		mergeCfg: merge.DefaultConfig(),
		clock:    NewClock(nil),
		ids:      UUIDv7Generator{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.schema == nil {
		e.schema = schema.MustDefault()
	}
	if e.metrics == nil {
		if m, err := telemetry.Global(); err == nil {
			e.metrics = m
		} else {
			e.logger.Warn("metrics disabled", "error", err)
		}
	}

	e.eval = authz.NewEvaluator(roles, e.logger)
	e.resolver = merge.NewResolver(s, e.mergeCfg, e.schema.Validate, e.logger)
	e.resolver.OnRetry = func(ctx context.Context, eventID string, attempt int) {
		e.metrics.RecordRetry(ctx, attempt)
	}
	e.mergeCfg = e.resolver.Config()
	return e
}

// Config returns the effective merge configuration.
func (e *Engine) Config() merge.Config {
	return e.mergeCfg
}

// Mutate runs one mutation request for principal. The principal argument
// overrides req.Principal.
//
// An empty req.BaseVersionID creates the event; an empty req.EventID then
// gets a generated ID. Creation is open to any authenticated principal, who
// becomes the owner.
//
// The returned Result is never nil. The error is nil only for
// OutcomeAccepted.
func (e *Engine) Mutate(ctx context.Context, principal string, req ir.MutationRequest) (*Result, error) {
	start := time.Now()
	req.Principal = principal
	if req.Kind == "" {
		req.Kind = ir.ChangeUpdate
	}

	res, err := e.mutate(ctx, req)
	if res.EventID == "" {
		res.EventID = req.EventID
	}

	e.metrics.RecordMutation(ctx, string(res.Outcome), res.Merged, time.Since(start))
	if err != nil {
		e.logger.Info("mutation not applied",
			"event_id", res.EventID,
			"principal", principal,
			"outcome", res.Outcome,
			"error", err)
	}
	return res, err
}

func (e *Engine) mutate(ctx context.Context, req ir.MutationRequest) (*Result, error) {
	if req.Principal == "" {
		return denied(req.EventID, "unauthenticated principal")
	}
	switch req.Kind {
	case ir.ChangeUpdate, ir.ChangeRollback, ir.ChangeDelete:
	default:
		return rejected(req.EventID, fmt.Sprintf("unsupported change kind %q", req.Kind))
	}

	creating := req.BaseVersionID == ""
	if creating && req.Kind != ir.ChangeUpdate {
		return rejected(req.EventID, fmt.Sprintf("%s requires a base version", req.Kind))
	}
	if creating && req.EventID == "" {
		req.EventID = e.ids.Generate()
	}
	if req.EventID == "" {
		return rejected("", "event_id is required")
	}

	// Pending -> Allowed | Denied
	ev, err := e.store.Event(ctx, req.EventID)
	switch {
	case errors.Is(err, store.ErrNotFound) && creating:
	case errors.Is(err, store.ErrNotFound):
		return denied(req.EventID, "no role on event")
	case err != nil:
		return failed(req.EventID, err)
	default:
		action := authz.ActionWrite
		if req.Kind == ir.ChangeDelete {
			action = authz.ActionDelete
		}
		if d := e.eval.Check(ctx, ev, req.Principal, action); !d.Allowed {
			return denied(req.EventID, d.Reason)
		}
	}

	if req.Kind != ir.ChangeDelete {
		if err := e.schema.Validate(req.Proposed); err != nil {
			res := &Result{Outcome: OutcomeRejected, EventID: req.EventID, Reason: err.Error()}
			if !apperrors.HasCode(err, apperrors.CodeMalformedPayload) {
				err = apperrors.MalformedPayload("payload validation failed", err)
			}
			return res, err
		}
	}

	d, err := e.resolver.Resolve(ctx, merge.Request{
		MutationRequest: req,
		Timestamp:       e.clock.Now(),
		Tombstone:       req.Kind == ir.ChangeDelete,
		Owner:           req.Principal,
	})
	if err != nil {
		return failed(req.EventID, err)
	}

	switch d.Outcome {
	case merge.OutcomeAccepted:
		v := d.Version
		e.publish(v)
		e.logger.Info("version accepted",
			"event_id", v.EventID,
			"version_id", v.ID,
			"seq", v.Seq,
			"principal", req.Principal,
			"kind", v.Summary.Kind,
			"attempt", d.Attempts)
		return &Result{
			Outcome:  OutcomeAccepted,
			EventID:  v.EventID,
			Version:  &v,
			Merged:   d.Merged,
			Attempts: d.Attempts,
		}, nil

	case merge.OutcomeConflict:
		return &Result{
				Outcome:  OutcomeConflict,
				EventID:  req.EventID,
				Conflict: d.Conflict,
				Reason:   d.Conflict.Reason,
				Attempts: d.Attempts,
			}, &ConflictError{
				EventID:  req.EventID,
				Conflict: d.Conflict,
			}

	default:
		res, err := rejected(req.EventID, d.Reason)
		res.Attempts = d.Attempts
		return res, err
	}
}

func (e *Engine) publish(v ir.Version) {
	if len(e.notifiers) == 0 {
		return
	}
	rec := ir.ChangeRecord{
		EventID:   v.EventID,
		VersionID: v.ID,
		Parents:   slices.Clone(v.Parents),
		Seq:       v.Seq,
		Summary:   v.Summary,
	}
	for _, n := range e.notifiers {
		n.Publish(rec)
	}
}

func denied(eventID, reason string) (*Result, error) {
	return &Result{Outcome: OutcomeDenied, EventID: eventID, Reason: reason},
		apperrors.PermissionDenied(reason)
}

func rejected(eventID, reason string) (*Result, error) {
	return &Result{Outcome: OutcomeRejected, EventID: eventID, Reason: reason},
		apperrors.Rejected(reason)
}

// failed maps a store or context error to OutcomeFailed. Context errors are
// returned as they are so callers can match them.
func failed(eventID string, err error) (*Result, error) {
	res := &Result{Outcome: OutcomeFailed, EventID: eventID, Reason: err.Error()}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return res, err
	case apperrors.CategoryOf(err) != "":
		return res, err
	default:
		return res, apperrors.Internal("mutation failed", err)
	}
}

// authorize loads the event and checks action for principal.
func (e *Engine) authorize(ctx context.Context, principal, eventID string, action authz.Action) (ir.Event, error) {
	ev, err := e.store.Event(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Event{}, apperrors.NotFound(fmt.Sprintf("event %s not found", eventID))
	}
	if err != nil {
		return ir.Event{}, err
	}
	if d := e.eval.Check(ctx, ev, principal, action); !d.Allowed {
		return ir.Event{}, apperrors.PermissionDenied(d.Reason)
	}
	return ev, nil
}

// authorizeMutation checks action on an existing event and returns a
// non-nil Result when the mutation may not proceed. An unknown event is
// denied, as in Mutate.
func (e *Engine) authorizeMutation(ctx context.Context, principal, eventID string, action authz.Action) (*Result, error) {
	ev, err := e.store.Event(ctx, eventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return denied(eventID, "no role on event")
	case err != nil:
		return failed(eventID, err)
	}
	if d := e.eval.Check(ctx, ev, principal, action); !d.Allowed {
		return denied(eventID, d.Reason)
	}
	return nil, nil
}

// getVersion loads a version and maps store.ErrNotFound.
func (e *Engine) getVersion(ctx context.Context, versionID string) (ir.Version, error) {
	v, err := e.store.Get(ctx, versionID)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Version{}, apperrors.NotFound(fmt.Sprintf("version %s not found", versionID))
	}
	return v, err
}

// History returns the event's versions newest-first, after a read check.
// The sequence is lazy and restartable.
func (e *Engine) History(ctx context.Context, principal, eventID string) (iter.Seq2[ir.Version, error], error) {
	if _, err := e.authorize(ctx, principal, eventID, authz.ActionRead); err != nil {
		return nil, err
	}
	return e.store.History(ctx, eventID), nil
}

// Head returns the event's current version.
func (e *Engine) Head(ctx context.Context, principal, eventID string) (ir.Version, error) {
	if _, err := e.authorize(ctx, principal, eventID, authz.ActionRead); err != nil {
		return ir.Version{}, err
	}
	return e.store.Head(ctx, eventID)
}

// SnapshotAt returns the version with its payload exactly as appended.
// An unknown version is denied like one on an event principal cannot read.
func (e *Engine) SnapshotAt(ctx context.Context, principal, versionID string) (ir.Version, error) {
	v, err := e.store.Get(ctx, versionID)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Version{}, apperrors.PermissionDenied("no role on event")
	}
	if err != nil {
		return ir.Version{}, err
	}
	if _, err := e.authorize(ctx, principal, v.EventID, authz.ActionRead); err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return ir.Version{}, apperrors.PermissionDenied("no role on event")
		}
		return ir.Version{}, err
	}
	return v, nil
}

// Diff compares two versions of one event. Changes are listed as going from
// fromID to toID.
func (e *Engine) Diff(ctx context.Context, principal, fromID, toID string) ([]ir.FieldChange, error) {
	from, err := e.SnapshotAt(ctx, principal, fromID)
	if err != nil {
		return nil, err
	}
	to, err := e.SnapshotAt(ctx, principal, toID)
	if err != nil {
		return nil, err
	}
	if to.EventID != from.EventID {
		return nil, apperrors.Rejected("versions belong to different events")
	}
	return merge.Diff(from.Payload, to.Payload), nil
}

// Rollback appends a new version whose payload copies versionID's snapshot.
// Rolling back to the current head is rejected; a rollback also restores a
// deleted event.
func (e *Engine) Rollback(ctx context.Context, principal, eventID, versionID, comment string) (*Result, error) {
	if res, err := e.authorizeMutation(ctx, principal, eventID, authz.ActionWrite); res != nil {
		return res, err
	}
	target, err := e.getVersion(ctx, versionID)
	if err == nil && target.EventID != eventID {
		err = apperrors.NotFound(fmt.Sprintf("version %s not found", versionID))
	}
	if err != nil {
		return &Result{Outcome: OutcomeRejected, EventID: eventID, Reason: err.Error()}, err
	}
	head, err := e.store.Head(ctx, eventID)
	if err != nil {
		return failed(eventID, err)
	}
	if head.ID == target.ID {
		return rejected(eventID, "version is already the current version")
	}
	if comment == "" {
		comment = fmt.Sprintf("rolled back to version %d", target.Seq)
	}
	return e.Mutate(ctx, principal, ir.MutationRequest{
		EventID:       eventID,
		BaseVersionID: head.ID,
		Proposed:      target.Payload,
		Kind:          ir.ChangeRollback,
		Comment:       comment,
	})
}

// Delete appends a tombstone version. Owner only. An empty base deletes the
// current head.
func (e *Engine) Delete(ctx context.Context, principal, eventID, baseVersionID string) (*Result, error) {
	if res, err := e.authorizeMutation(ctx, principal, eventID, authz.ActionDelete); res != nil {
		return res, err
	}
	var (
		base ir.Version
		err  error
	)
	if baseVersionID == "" {
		base, err = e.store.Head(ctx, eventID)
	} else {
		base, err = e.store.Get(ctx, baseVersionID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && base.EventID != eventID) {
			return rejected(eventID, fmt.Sprintf("unknown base version %s", baseVersionID))
		}
	}
	if err != nil {
		return failed(eventID, err)
	}
	return e.Mutate(ctx, principal, ir.MutationRequest{
		EventID:       eventID,
		BaseVersionID: base.ID,
		Proposed:      base.Payload,
		Kind:          ir.ChangeDelete,
	})
}

// Changelog returns the event's audit log newest-first: one entry per
// version plus one per permission change when the role source keeps a log.
func (e *Engine) Changelog(ctx context.Context, principal, eventID string) ([]ir.ChangelogEntry, error) {
	if _, err := e.authorize(ctx, principal, eventID, authz.ActionRead); err != nil {
		return nil, err
	}

	var entries []ir.ChangelogEntry
	for v, err := range e.store.History(ctx, eventID) {
		if err != nil {
			return nil, err
		}
		entry := ir.ChangelogEntry{
			Kind:      v.Summary.Kind,
			Actor:     v.Author,
			Timestamp: v.Timestamp,
			VersionID: v.ID,
			Changes:   v.Summary.Changes,
			Comment:   v.Summary.Comment,
		}
		if len(v.Parents) > 0 {
			entry.FromVersion = v.Parents[0]
		}
		entries = append(entries, entry)
	}

	if pl, ok := e.roles.(PermissionLog); ok {
		changes, err := pl.PermissionLog(ctx, eventID)
		if err != nil {
			return nil, err
		}
		for _, c := range slices.Backward(changes) {
			entries = append(entries, ir.ChangelogEntry{
				Kind:      c.Kind,
				Actor:     c.Actor,
				Timestamp: c.Timestamp,
				Principal: c.Principal,
				OldRole:   c.OldRole,
				NewRole:   c.NewRole,
			})
		}
	}

	slices.SortStableFunc(entries, func(a, b ir.ChangelogEntry) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return entries, nil
}
