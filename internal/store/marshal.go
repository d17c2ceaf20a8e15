package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/roach88/coedit/internal/ir"
)

// encodePayload stores a snapshot as snappy-compressed canonical JSON.
// Canonical bytes keep the stored form stable across writers, so the
// content-addressed version ID can be recomputed from what is on disk.
func encodePayload(payload ir.Object) ([]byte, error) {
	if payload == nil {
		payload = ir.Object{}
	}
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// decodePayload reverses encodePayload.
func decodePayload(data []byte) (ir.Object, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	obj, err := ir.ParseObject(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

// marshalParents stores ancestry as a canonical JSON array.
func marshalParents(parents []string) (string, error) {
	if parents == nil {
		parents = []string{}
	}
	data, err := ir.MarshalCanonical(parents)
	if err != nil {
		return "", fmt.Errorf("marshal parents: %w", err)
	}
	return string(data), nil
}

func unmarshalParents(data string) ([]string, error) {
	parents := []string{}
	if data == "" {
		return parents, nil
	}
	if err := json.Unmarshal([]byte(data), &parents); err != nil {
		return nil, fmt.Errorf("unmarshal parents: %w", err)
	}
	return parents, nil
}

// marshalSummary stores a change summary as JSON. FieldChange values are
// encoded canonically by their own MarshalJSON.
func marshalSummary(summary ir.ChangeSummary) (string, error) {
	if summary.Changes == nil {
		summary.Changes = []ir.FieldChange{}
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	return string(data), nil
}

func unmarshalSummary(data string) (ir.ChangeSummary, error) {
	var summary ir.ChangeSummary
	if data == "" {
		return summary, nil
	}
	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		return ir.ChangeSummary{}, fmt.Errorf("unmarshal summary: %w", err)
	}
	summary.Timestamp = summary.Timestamp.UTC()
	return summary, nil
}

// Timestamps are stored as Unix nanoseconds in both dialects.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
