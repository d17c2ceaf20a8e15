// Package access manages who holds which role on an event: sharing, role
// changes and revocation, each recorded in a permission change log.
//
// The change-tracking core only ever reads assignments (through
// authz.RoleSource); all writes go through Manager.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/coedit/internal/authz"
	apperrors "github.com/roach88/coedit/internal/errors"
	"github.com/roach88/coedit/internal/ir"
	"github.com/roach88/coedit/internal/store"
)

// RoleStore persists role assignments and the permission change log.
// Writes must store the assignment and its log entry atomically.
type RoleStore interface {
	authz.RoleSource
	ListAssignments(ctx context.Context, eventID string) ([]ir.RoleAssignment, error)
	PutAssignment(ctx context.Context, a ir.RoleAssignment, change ir.PermissionChange) error
	DeleteAssignment(ctx context.Context, eventID, principal string, change ir.PermissionChange) error
	PermissionLog(ctx context.Context, eventID string) ([]ir.PermissionChange, error)
}

// EventSource resolves an event's owner. store.VersionStore satisfies it.
type EventSource interface {
	Event(ctx context.Context, eventID string) (ir.Event, error)
}

// Grant is one principal/role pair in a share request.
type Grant struct {
	Principal string  `json:"principal" yaml:"principal"`
	Role      ir.Role `json:"role" yaml:"role"`
}

// Manager applies permission changes on behalf of an acting principal.
type Manager struct {
	roles  RoleStore
	events EventSource
	eval   *authz.Evaluator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager.
func NewManager(roles RoleStore, events EventSource, opts ...Option) *Manager {
	m := &Manager{
		roles:  roles,
		events: events,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.eval = authz.NewEvaluator(roles, m.logger)
	return m
}

// Share grants roles on eventID. Only owners may share. Granting to a
// principal that already holds a role replaces it and is logged as a
// permission change. Sharing with yourself is skipped, as is a grant that
// matches the principal's current role. Every grant is checked before any
// is written, so a bad grant leaves the event's roles untouched.
func (m *Manager) Share(ctx context.Context, actor, eventID string, grants []Grant) ([]ir.RoleAssignment, error) {
	ev, err := m.authorize(ctx, actor, eventID, authz.ActionManagePermissions)
	if err != nil {
		return nil, err
	}

	type pending struct {
		grant Grant
		old   ir.Role
	}
	seen := make(map[string]bool, len(grants))
	var todo []pending
	for _, g := range grants {
		if g.Principal == "" {
			return nil, apperrors.Rejected("share: empty principal")
		}
		if !g.Role.Valid() {
			return nil, apperrors.Rejected(fmt.Sprintf("share: invalid role for %s", g.Principal))
		}
		if g.Principal == actor {
			continue
		}
		if g.Principal == ev.Owner {
			return nil, apperrors.Rejected("cannot change owner's permission")
		}
		if seen[g.Principal] {
			return nil, apperrors.Rejected(fmt.Sprintf("share: %s listed twice", g.Principal))
		}
		seen[g.Principal] = true

		old, err := m.currentRole(ctx, eventID, g.Principal)
		if err != nil {
			return nil, err
		}
		if old == g.Role {
			continue
		}
		todo = append(todo, pending{grant: g, old: old})
	}

	var out []ir.RoleAssignment
	for _, p := range todo {
		kind := ir.ChangeShare
		if p.old != ir.RoleNone {
			kind = ir.ChangePermissionChange
		}
		a, err := m.put(ctx, actor, eventID, p.grant.Principal, p.old, p.grant.Role, kind)
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ChangeRole updates an existing assignment. Only owners may change roles,
// and the event owner's role cannot be changed.
func (m *Manager) ChangeRole(ctx context.Context, actor, eventID, principal string, role ir.Role) (ir.RoleAssignment, error) {
	ev, err := m.authorize(ctx, actor, eventID, authz.ActionManagePermissions)
	if err != nil {
		return ir.RoleAssignment{}, err
	}
	if !role.Valid() {
		return ir.RoleAssignment{}, apperrors.Rejected("invalid role")
	}
	if principal == ev.Owner {
		return ir.RoleAssignment{}, apperrors.Rejected("cannot change owner's permission")
	}

	old, err := m.currentRole(ctx, eventID, principal)
	if err != nil {
		return ir.RoleAssignment{}, err
	}
	if old == ir.RoleNone {
		return ir.RoleAssignment{}, apperrors.NotFound(fmt.Sprintf("%s has no role on event %s", principal, eventID))
	}
	return m.put(ctx, actor, eventID, principal, old, role, ir.ChangePermissionChange)
}

// Revoke removes a principal's access. The event owner cannot be revoked.
func (m *Manager) Revoke(ctx context.Context, actor, eventID, principal string) (ir.PermissionChange, error) {
	ev, err := m.authorize(ctx, actor, eventID, authz.ActionManagePermissions)
	if err != nil {
		return ir.PermissionChange{}, err
	}
	if principal == ev.Owner {
		return ir.PermissionChange{}, apperrors.Rejected("cannot remove owner's permission")
	}

	old, err := m.currentRole(ctx, eventID, principal)
	if err != nil {
		return ir.PermissionChange{}, err
	}
	change := ir.PermissionChange{
		EventID:   eventID,
		Actor:     actor,
		Principal: principal,
		Kind:      ir.ChangePermissionChange,
		OldRole:   old,
		NewRole:   ir.RoleNone,
		Timestamp: m.now().UTC(),
	}
	if err := m.roles.DeleteAssignment(ctx, eventID, principal, change); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ir.PermissionChange{}, apperrors.NotFound(fmt.Sprintf("%s has no role on event %s", principal, eventID))
		}
		return ir.PermissionChange{}, err
	}

	m.logger.Info("permission revoked",
		"event_id", eventID,
		"principal", principal,
		"actor", actor,
		"old_role", old.String())
	return change, nil
}

// List returns the event's assignments with the owner first. Listing
// requires editor access.
func (m *Manager) List(ctx context.Context, actor, eventID string) ([]ir.RoleAssignment, error) {
	ev, err := m.authorize(ctx, actor, eventID, authz.ActionWrite)
	if err != nil {
		return nil, err
	}
	assignments, err := m.roles.ListAssignments(ctx, eventID)
	if err != nil {
		return nil, err
	}

	out := []ir.RoleAssignment{{
		EventID:   eventID,
		Principal: ev.Owner,
		Role:      ir.RoleOwner,
		GrantedAt: ev.CreatedAt,
	}}
	for _, a := range assignments {
		if a.Principal == ev.Owner {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Log returns the permission change log, oldest first. Requires read access.
func (m *Manager) Log(ctx context.Context, actor, eventID string) ([]ir.PermissionChange, error) {
	if _, err := m.authorize(ctx, actor, eventID, authz.ActionRead); err != nil {
		return nil, err
	}
	return m.roles.PermissionLog(ctx, eventID)
}

func (m *Manager) authorize(ctx context.Context, actor, eventID string, action authz.Action) (ir.Event, error) {
	ev, err := m.events.Event(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Event{}, apperrors.NotFound(fmt.Sprintf("event %s", eventID))
	}
	if err != nil {
		return ir.Event{}, err
	}

	d := m.eval.Check(ctx, ev, actor, action)
	if !d.Allowed {
		return ir.Event{}, apperrors.PermissionDenied(d.Reason)
	}
	return ev, nil
}

func (m *Manager) currentRole(ctx context.Context, eventID, principal string) (ir.Role, error) {
	assignments, err := m.roles.Assignments(ctx, eventID, principal)
	if err != nil {
		return ir.RoleNone, err
	}
	return authz.EffectiveRole("", assignments, principal, eventID), nil
}

func (m *Manager) put(ctx context.Context, actor, eventID, principal string, old, role ir.Role, kind ir.ChangeKind) (ir.RoleAssignment, error) {
	now := m.now().UTC()
	a := ir.RoleAssignment{
		EventID:   eventID,
		Principal: principal,
		Role:      role,
		GrantedBy: actor,
		GrantedAt: now,
	}
	change := ir.PermissionChange{
		EventID:   eventID,
		Actor:     actor,
		Principal: principal,
		Kind:      kind,
		OldRole:   old,
		NewRole:   role,
		Timestamp: now,
	}
	if err := m.roles.PutAssignment(ctx, a, change); err != nil {
		return ir.RoleAssignment{}, err
	}

	m.logger.Info("permission granted",
		"event_id", eventID,
		"principal", principal,
		"actor", actor,
		"kind", string(kind),
		"role", role.String())
	return a, nil
}
