// Package authz decides whether a principal may perform an action on an event.
//
// Evaluate is a pure function over role assignments. Evaluator wraps it with a
// RoleSource lookup for callers that hold a store rather than assignments.
package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/coedit/internal/ir"
)

// Action is an operation gated by a role.
type Action int

const (
	ActionRead Action = iota + 1
	ActionWrite
	ActionDelete
	ActionManagePermissions
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionDelete:
		return "delete"
	case ActionManagePermissions:
		return "manage-permissions"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// RequiredRole returns the minimum role for an action. Unknown actions
// require a role no principal can hold.
func RequiredRole(a Action) ir.Role {
	switch a {
	case ActionRead:
		return ir.RoleViewer
	case ActionWrite:
		return ir.RoleEditor
	case ActionDelete, ActionManagePermissions:
		return ir.RoleOwner
	default:
		return ir.RoleOwner + 1
	}
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Role    ir.Role // effective role, RoleNone when there is no assignment
	Reason  string  // set when denied
}

func allow(role ir.Role) Decision {
	return Decision{Allowed: true, Role: role}
}

func deny(role ir.Role, reason string) Decision {
	return Decision{Role: role, Reason: reason}
}

// EffectiveRole collapses every assignment for (principal, eventID) to the
// highest one. The event owner always holds RoleOwner.
func EffectiveRole(owner string, assignments []ir.RoleAssignment, principal, eventID string) ir.Role {
	if principal == "" {
		return ir.RoleNone
	}
	role := ir.RoleNone
	if owner != "" && owner == principal {
		role = ir.RoleOwner
	}
	for _, a := range assignments {
		if a.EventID != eventID || a.Principal != principal || !a.Role.Valid() {
			continue
		}
		if a.Role > role {
			role = a.Role
		}
	}
	return role
}

// Evaluate resolves (principal, event, action) to Allow or Deny.
// It fails closed: no assignment, an empty principal or an unknown action
// all deny.
func Evaluate(owner string, assignments []ir.RoleAssignment, principal, eventID string, action Action) Decision {
	if principal == "" {
		return deny(ir.RoleNone, "unauthenticated principal")
	}
	role := EffectiveRole(owner, assignments, principal, eventID)
	if role == ir.RoleNone {
		return deny(role, fmt.Sprintf("%s has no role on event %s", principal, eventID))
	}
	required := RequiredRole(action)
	if !role.AtLeast(required) {
		if required > ir.RoleOwner {
			return deny(role, fmt.Sprintf("unknown action %s", action))
		}
		return deny(role, fmt.Sprintf("%s requires %s, %s is %s", action, required, principal, role))
	}
	return allow(role)
}

// RoleSource looks up the role assignments one principal holds on one event.
type RoleSource interface {
	Assignments(ctx context.Context, eventID, principal string) ([]ir.RoleAssignment, error)
}

// Evaluator checks permissions against a RoleSource.
type Evaluator struct {
	roles  RoleSource
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator. A nil logger uses slog.Default().
func NewEvaluator(roles RoleSource, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{roles: roles, logger: logger}
}

// Check evaluates action for principal on event. A failed lookup denies.
func (e *Evaluator) Check(ctx context.Context, event ir.Event, principal string, action Action) Decision {
	var assignments []ir.RoleAssignment
	if e.roles != nil && principal != "" && principal != event.Owner {
		var err error
		assignments, err = e.roles.Assignments(ctx, event.ID, principal)
		if err != nil {
			e.logger.Warn("role lookup failed, denying",
				"event_id", event.ID,
				"principal", principal,
				"error", err)
			return deny(ir.RoleNone, "role lookup failed")
		}
	}
	return Evaluate(event.Owner, assignments, principal, event.ID, action)
}
