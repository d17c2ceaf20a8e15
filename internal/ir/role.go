package ir

import "fmt"

// Role is a permission level on an event. Roles are totally ordered:
// RoleOwner > RoleEditor > RoleViewer > RoleNone.
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleEditor
	RoleOwner
)

var roleNames = map[Role]string{
	RoleNone:   "",
	RoleViewer: "viewer",
	RoleEditor: "editor",
	RoleOwner:  "owner",
}

// String returns the lowercase role name, or "" for RoleNone.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

// Valid reports whether r is one of viewer, editor or owner.
func (r Role) Valid() bool {
	return r >= RoleViewer && r <= RoleOwner
}

// ParseRole parses a role name. The empty string parses to RoleNone.
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return RoleNone, fmt.Errorf("unknown role %q: must be owner, editor or viewer", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
