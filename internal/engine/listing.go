package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/roach88/coedit/internal/authz"
	apperrors "github.com/roach88/coedit/internal/errors"
	"github.com/roach88/coedit/internal/ir"
)

// EventFilter narrows an event listing. The zero value lists every live event
// the principal can read.
type EventFilter struct {
	// From and To select events whose time span overlaps the window: From
	// matches events ending at or after it, To events starting at or before
	// it. Events missing the compared time field do not match.
	From time.Time
	To   time.Time

	Title    string // case-insensitive substring of title
	Location string // case-insensitive substring of location

	ExcludeRecurring bool
	IncludeDeleted   bool

	Offset int
	Limit  int // 0 means no limit
}

func (f EventFilter) validate() error {
	if f.Offset < 0 || f.Limit < 0 {
		return apperrors.Rejected("offset and limit must not be negative")
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return apperrors.Rejected("listing window ends before it starts")
	}
	return nil
}

// readsPayload reports whether matching needs the head payload.
func (f EventFilter) readsPayload() bool {
	return !f.From.IsZero() || !f.To.IsZero() ||
		f.Title != "" || f.Location != "" || f.ExcludeRecurring
}

func (f EventFilter) matches(p ir.Object, fold cases.Caser) bool {
	if !f.From.IsZero() {
		end, ok := timeField(p, "end_time")
		if !ok || end.Before(f.From) {
			return false
		}
	}
	if !f.To.IsZero() {
		start, ok := timeField(p, "start_time")
		if !ok || start.After(f.To) {
			return false
		}
	}
	if f.Title != "" && !containsFold(fold, p, "title", f.Title) {
		return false
	}
	if f.Location != "" && !containsFold(fold, p, "location", f.Location) {
		return false
	}
	if f.ExcludeRecurring {
		if rec, ok := p["is_recurring"].(ir.Bool); ok && bool(rec) {
			return false
		}
	}
	return true
}

func timeField(p ir.Object, key string) (time.Time, bool) {
	s, ok := p[key].(ir.String)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, string(s))
	return t, err == nil
}

func containsFold(fold cases.Caser, p ir.Object, key, needle string) bool {
	s, ok := p[key].(ir.String)
	if !ok {
		return false
	}
	return strings.Contains(fold.String(string(s)), fold.String(needle))
}

// EventPage is one page of an event listing. Total counts every match before
// Offset and Limit apply.
type EventPage struct {
	Events []ir.Event `json:"events"`
	Total  int        `json:"total"`
	Offset int        `json:"offset"`
	Limit  int        `json:"limit"`
}

// Events lists the events principal can read, ordered by ID. Deleted events
// are left out unless filter.IncludeDeleted is set.
func (e *Engine) Events(ctx context.Context, principal string, filter EventFilter) (EventPage, error) {
	if err := filter.validate(); err != nil {
		return EventPage{}, err
	}
	all, err := e.store.Events(ctx)
	if err != nil {
		return EventPage{}, err
	}

	fold := cases.Fold()
	page := EventPage{Events: []ir.Event{}, Offset: filter.Offset, Limit: filter.Limit}
	for _, ev := range all {
		if ev.Deleted && !filter.IncludeDeleted {
			continue
		}
		if !e.eval.Check(ctx, ev, principal, authz.ActionRead).Allowed {
			continue
		}
		if filter.readsPayload() {
			head, err := e.store.Get(ctx, ev.HeadVersionID)
			if err != nil {
				return EventPage{}, err
			}
			if !filter.matches(head.Payload, fold) {
				continue
			}
		}

		page.Total++
		if page.Total <= filter.Offset {
			continue
		}
		if filter.Limit > 0 && len(page.Events) >= filter.Limit {
			continue
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

// CreateBatch creates several events owned by principal.
//
// The whole batch is checked before anything is written: it must not be
// empty, and every request must be a creation with a valid payload and an
// event ID that is unused and unique within the batch (an empty ID is
// generated). Creations then run in order. Events are independent, so the
// first failure stops the batch and is returned with the results so far.
func (e *Engine) CreateBatch(ctx context.Context, principal string, reqs []ir.MutationRequest) ([]*Result, error) {
	if principal == "" {
		return nil, apperrors.PermissionDenied("unauthenticated principal")
	}
	if len(reqs) == 0 {
		return nil, apperrors.Rejected("no events provided")
	}

	seen := make(map[string]int, len(reqs))
	for i, req := range reqs {
		if req.BaseVersionID != "" {
			return nil, apperrors.Rejected(fmt.Sprintf("batch item %d: a creation has no base version", i))
		}
		if req.Kind != "" && req.Kind != ir.ChangeUpdate {
			return nil, apperrors.Rejected(fmt.Sprintf("batch item %d: unsupported change kind %q", i, req.Kind))
		}
		if err := e.schema.Validate(req.Proposed); err != nil {
			return nil, apperrors.MalformedPayload(fmt.Sprintf("batch item %d: payload validation failed", i), err)
		}
		if req.EventID == "" {
			continue
		}
		if j, dup := seen[req.EventID]; dup {
			return nil, apperrors.Rejected(fmt.Sprintf("batch items %d and %d share event %s", j, i, req.EventID))
		}
		seen[req.EventID] = i
		if _, err := e.store.Event(ctx, req.EventID); err == nil {
			return nil, apperrors.Rejected(fmt.Sprintf("batch item %d: event %s already exists", i, req.EventID))
		}
	}

	results := make([]*Result, 0, len(reqs))
	for i, req := range reqs {
		res, err := e.Mutate(ctx, principal, req)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	e.logger.Info("batch created", "principal", principal, "count", len(results))
	return results, nil
}
