package access

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/coedit/internal/ir"
	"github.com/roach88/coedit/internal/store"
)

type assignmentKey struct {
	eventID   string
	principal string
}

// MemoryRoles is an in-process RoleStore.
type MemoryRoles struct {
	mu          sync.RWMutex
	assignments map[assignmentKey]ir.RoleAssignment
	log         []ir.PermissionChange
}

var _ RoleStore = (*MemoryRoles)(nil)

// NewMemoryRoles creates an empty MemoryRoles.
func NewMemoryRoles() *MemoryRoles {
	return &MemoryRoles{assignments: make(map[assignmentKey]ir.RoleAssignment)}
}

// Assignments implements authz.RoleSource.
func (r *MemoryRoles) Assignments(_ context.Context, eventID, principal string) ([]ir.RoleAssignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assignments[assignmentKey{eventID, principal}]
	if !ok {
		return nil, nil
	}
	return []ir.RoleAssignment{a}, nil
}

// ListAssignments implements RoleStore.
func (r *MemoryRoles) ListAssignments(_ context.Context, eventID string) ([]ir.RoleAssignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []ir.RoleAssignment{}
	for k, a := range r.assignments {
		if k.eventID == eventID {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b ir.RoleAssignment) int { return strings.Compare(a.Principal, b.Principal) })
	return out, nil
}

// PutAssignment implements RoleStore.
func (r *MemoryRoles) PutAssignment(_ context.Context, a ir.RoleAssignment, change ir.PermissionChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.assignments[assignmentKey{a.EventID, a.Principal}] = a
	r.log = append(r.log, change)
	return nil
}

// DeleteAssignment implements RoleStore.
func (r *MemoryRoles) DeleteAssignment(_ context.Context, eventID, principal string, change ir.PermissionChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := assignmentKey{eventID, principal}
	if _, ok := r.assignments[k]; !ok {
		return fmt.Errorf("assignment %s/%s: %w", eventID, principal, store.ErrNotFound)
	}
	delete(r.assignments, k)
	r.log = append(r.log, change)
	return nil
}

// PermissionLog implements RoleStore.
func (r *MemoryRoles) PermissionLog(_ context.Context, eventID string) ([]ir.PermissionChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []ir.PermissionChange{}
	for _, c := range r.log {
		if c.EventID == eventID {
			out = append(out, c)
		}
	}
	return out, nil
}
