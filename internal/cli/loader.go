package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/coedit/internal/access"
	"github.com/roach88/coedit/internal/ir"
)

// PayloadFlags are the ways a command can describe a payload or an edit.
type PayloadFlags struct {
	Payload     string   // inline JSON object
	PayloadFile string   // .json, .yaml or .yml file
	Set         []string // field=value, value parsed as JSON when it is valid JSON
	Unset       []string // fields to remove
}

// hasPayload reports whether a full payload was given.
func (p PayloadFlags) hasPayload() bool {
	return p.Payload != "" || p.PayloadFile != ""
}

// hasEdits reports whether any field edit was given.
func (p PayloadFlags) hasEdits() bool {
	return len(p.Set) > 0 || len(p.Unset) > 0
}

// loadPayload returns the full payload given by --payload or --payload-file.
func (p PayloadFlags) loadPayload() (ir.Object, error) {
	switch {
	case p.Payload != "" && p.PayloadFile != "":
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	case p.Payload != "":
		obj, err := ir.ParseObject([]byte(p.Payload))
		if err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
		return obj, nil
	case p.PayloadFile != "":
		return LoadPayloadFile(p.PayloadFile)
	default:
		return nil, fmt.Errorf("no payload: pass --payload or --payload-file")
	}
}

// build computes the proposed payload: the full payload when one is given,
// else base, then --set and --unset applied on top.
func (p PayloadFlags) build(base ir.Object) (ir.Object, error) {
	out := base.Clone()
	if p.hasPayload() {
		full, err := p.loadPayload()
		if err != nil {
			return nil, err
		}
		out = full
	}
	if out == nil {
		out = ir.Object{}
	}

	sets, err := ParseAssignments(p.Set)
	if err != nil {
		return nil, err
	}
	for k, v := range sets {
		out[k] = v
	}
	for _, field := range p.Unset {
		delete(out, field)
	}
	return out, nil
}

// LoadPayloadFile reads a payload object from a JSON or YAML file.
func LoadPayloadFile(path string) (ir.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		obj, err := ir.ParseObject(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return obj, nil
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		obj := make(ir.Object, len(raw))
		for k, v := range raw {
			val, err := yamlValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %q: %w", path, k, err)
			}
			obj[k] = val
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported payload file format: %s", ext)
	}
}

// yamlValue converts a decoded YAML value. Timestamps become RFC 3339
// strings; integral floats become integers.
func yamlValue(v any) (ir.Value, error) {
	switch val := v.(type) {
	case time.Time:
		return ir.String(val.UTC().Format(time.RFC3339)), nil
	case float64:
		if val != float64(int64(val)) {
			return nil, fmt.Errorf("floats are not allowed in payloads: %v", val)
		}
		return ir.Int(int64(val)), nil
	case map[string]any:
		obj := make(ir.Object, len(val))
		for k, elem := range val {
			conv, err := yamlValue(elem)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	case []any:
		arr := make(ir.Array, len(val))
		for i, elem := range val {
			conv, err := yamlValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	default:
		return ir.FromGo(v)
	}
}

// ParseAssignments parses field=value pairs. A value that is valid JSON is
// decoded as JSON; anything else is taken as a plain string.
func ParseAssignments(pairs []string) (ir.Object, error) {
	out := make(ir.Object, len(pairs))
	for _, pair := range pairs {
		field, raw, ok := strings.Cut(pair, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid --set %q: want field=value", pair)
		}
		if !json.Valid([]byte(raw)) {
			out[field] = ir.String(raw)
			continue
		}
		v, err := ir.ParseValue([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid --set %q: %w", pair, err)
		}
		out[field] = v
	}
	return out, nil
}

// ParseGrants parses principal=role pairs for share.
func ParseGrants(args []string) ([]access.Grant, error) {
	grants := make([]access.Grant, 0, len(args))
	for _, arg := range args {
		principal, roleName, ok := strings.Cut(arg, "=")
		if !ok || principal == "" {
			return nil, fmt.Errorf("invalid grant %q: want principal=role", arg)
		}
		role, err := ir.ParseRole(roleName)
		if err != nil {
			return nil, err
		}
		if !role.Valid() {
			return nil, fmt.Errorf("invalid grant %q: role is required", arg)
		}
		grants = append(grants, access.Grant{Principal: principal, Role: role})
	}
	return grants, nil
}
