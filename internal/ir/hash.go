package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for an algorithm migration.
const (
	DomainVersion = "coedit/version/v1"
	DomainPayload = "coedit/payload/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VersionID computes the content-addressed ID of a version.
//
// The ID covers everything that defines the version's place in history:
// event, ancestry, author, position and snapshot. Wall-clock timestamps and
// the change summary are excluded, so re-deriving an ID from stored data does
// not depend on clock precision.
func VersionID(eventID string, parents []string, author string, seq int64, payload Object, tombstone bool) (string, error) {
	if parents == nil {
		parents = []string{}
	}
	if payload == nil {
		payload = Object{}
	}
	obj := map[string]any{
		"event_id":  eventID,
		"parents":   parents,
		"author":    author,
		"seq":       seq,
		"payload":   payload,
		"tombstone": tombstone,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("VersionID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainVersion, canonical), nil
}

// PayloadDigest hashes a payload snapshot on its own.
func PayloadDigest(payload Object) (string, error) {
	if payload == nil {
		payload = Object{}
	}
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("PayloadDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// ComputeID recomputes v's content-addressed ID from its fields.
func (v Version) ComputeID() (string, error) {
	return VersionID(v.EventID, v.Parents, v.Author, v.Seq, v.Payload, v.Tombstone)
}
