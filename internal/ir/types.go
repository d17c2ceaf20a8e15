package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a collaboratively edited record. Its state lives entirely in the
// version chain; the event row only carries identity, ownership and the head.
type Event struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	CreatedAt     time.Time `json:"created_at"`
	HeadVersionID string    `json:"current_version_id"`
	HeadSeq       int64     `json:"head_seq"`
	Deleted       bool      `json:"deleted,omitempty"` // head is a tombstone
}

// Version is an immutable payload snapshot at one point in an event's history.
//
// Parents is empty only for the creation version. A merge version has two
// parents: the head it was appended onto, then the caller's base.
type Version struct {
	ID        string        `json:"id"`
	EventID   string        `json:"event_id"`
	Parents   []string      `json:"parents"`
	Seq       int64         `json:"seq"` // 1-based position in the chain
	Author    string        `json:"author"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   Object        `json:"payload"`
	Summary   ChangeSummary `json:"summary"`
	Tombstone bool          `json:"tombstone,omitempty"`
}

// ChangeKind classifies version and permission changes.
type ChangeKind string

const (
	ChangeCreate           ChangeKind = "create"
	ChangeUpdate           ChangeKind = "update"
	ChangeMerge            ChangeKind = "merge"
	ChangeRollback         ChangeKind = "rollback"
	ChangeDelete           ChangeKind = "delete"
	ChangeShare            ChangeKind = "share"
	ChangePermissionChange ChangeKind = "permission_change"
)

// FieldChange is one top-level field that differs between two payloads.
// A nil Old means the field was added; a nil New means it was removed.
type FieldChange struct {
	Field string `json:"field"`
	Old   Value  `json:"old,omitempty"`
	New   Value  `json:"new,omitempty"`
}

// MarshalJSON omits absent sides rather than encoding them as null, so an
// explicit Null value survives a round trip.
func (c FieldChange) MarshalJSON() ([]byte, error) {
	m := map[string]any{"field": c.Field}
	if c.Old != nil {
		m["old"] = c.Old
	}
	if c.New != nil {
		m["new"] = c.New
	}
	return MarshalCanonical(m)
}

// UnmarshalJSON implements json.Unmarshaler for FieldChange.
func (c *FieldChange) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out FieldChange
	if err := json.Unmarshal(raw["field"], &out.Field); err != nil {
		return fmt.Errorf("field change: field: %w", err)
	}
	if old, ok := raw["old"]; ok {
		v, err := ParseValue(old)
		if err != nil {
			return fmt.Errorf("field change %q: old: %w", out.Field, err)
		}
		out.Old = v
	}
	if nv, ok := raw["new"]; ok {
		v, err := ParseValue(nv)
		if err != nil {
			return fmt.Errorf("field change %q: new: %w", out.Field, err)
		}
		out.New = v
	}
	*c = out
	return nil
}

// ChangeSummary is the audit record attached to a version when it is created.
type ChangeSummary struct {
	Kind      ChangeKind    `json:"kind"`
	Author    string        `json:"author"`
	Timestamp time.Time     `json:"timestamp"`
	Changes   []FieldChange `json:"changes"`
	Comment   string        `json:"comment,omitempty"`
}

// Fields returns the names of the changed fields in summary order.
func (s ChangeSummary) Fields() []string {
	fields := make([]string, len(s.Changes))
	for i, c := range s.Changes {
		fields[i] = c.Field
	}
	return fields
}

// RoleAssignment binds a principal to a role on one event.
type RoleAssignment struct {
	EventID   string    `json:"event_id"`
	Principal string    `json:"principal"`
	Role      Role      `json:"role"`
	GrantedBy string    `json:"granted_by,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// PermissionChange records a share, role change or revocation.
// NewRole is RoleNone for a revocation.
type PermissionChange struct {
	EventID   string     `json:"event_id"`
	Actor     string     `json:"actor"`
	Principal string     `json:"principal"`
	Kind      ChangeKind `json:"kind"`
	OldRole   Role       `json:"old_role"`
	NewRole   Role       `json:"new_role"`
	Timestamp time.Time  `json:"timestamp"`
}

// MutationRequest asks for a new version of an event.
//
// Proposed is the full payload the caller wants, computed from the snapshot at
// BaseVersionID. An empty BaseVersionID creates the event.
type MutationRequest struct {
	EventID       string     `json:"event_id"`
	BaseVersionID string     `json:"base_version_id"`
	Proposed      Object     `json:"proposed_payload"`
	Principal     string     `json:"principal"`
	Kind          ChangeKind `json:"kind,omitempty"` // update (default), rollback, delete
	Comment       string     `json:"comment,omitempty"`
}

// ChangeRecord is emitted to notification subscribers after a version is
// accepted.
type ChangeRecord struct {
	EventID   string        `json:"event_id"`
	VersionID string        `json:"version_id"`
	Parents   []string      `json:"parents"`
	Seq       int64         `json:"seq"`
	Summary   ChangeSummary `json:"summary"`
}

// ChangelogEntry is one line of an event's audit log: either a version
// summary or a permission change.
type ChangelogEntry struct {
	Kind        ChangeKind    `json:"kind"`
	Actor       string        `json:"actor"`
	Timestamp   time.Time     `json:"timestamp"`
	VersionID   string        `json:"version_id,omitempty"`
	FromVersion string        `json:"from_version,omitempty"`
	Changes     []FieldChange `json:"changes,omitempty"`
	Comment     string        `json:"comment,omitempty"`
	Principal   string        `json:"principal,omitempty"`
	OldRole     Role          `json:"old_role,omitempty"`
	NewRole     Role          `json:"new_role,omitempty"`
}
