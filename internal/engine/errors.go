package engine

import (
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/roach88/coedit/internal/errors"
	"github.com/roach88/coedit/internal/merge"
)

// ConflictError is returned with OutcomeConflict. It carries the current head
// and both sides' changes so the caller can build a retry without a read.
//
// errors.Is(err, apperrors.ErrVersionConflict) holds for it.
type ConflictError struct {
	EventID  string
	Conflict *merge.Conflict
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Conflict == nil {
		return fmt.Sprintf("version conflict on event %s", e.EventID)
	}
	msg := fmt.Sprintf("version conflict on event %s: %s (head=%s)",
		e.EventID, e.Conflict.Reason, e.Conflict.Head.ID)
	if len(e.Conflict.Fields) > 0 {
		msg += " fields=" + strings.Join(e.Conflict.Fields, ",")
	}
	return msg
}

// Unwrap exposes the taxonomy error.
func (e *ConflictError) Unwrap() error {
	reason := "version conflict"
	if e.Conflict != nil {
		reason = e.Conflict.Reason
	}
	return apperrors.VersionConflict(reason).WithDetails(map[string]any{
		"event_id": e.EventID,
	})
}

// AsConflict returns the conflict carried by err, if any.
// Uses errors.As to handle wrapped errors.
func AsConflict(err error) (*merge.Conflict, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) && ce.Conflict != nil {
		return ce.Conflict, true
	}
	return nil, false
}

// IsDenied reports a failed permission check.
func IsDenied(err error) bool {
	return errors.Is(err, apperrors.ErrPermissionDenied)
}

// IsConflict reports a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, apperrors.ErrVersionConflict)
}

// IsMalformed reports a payload that failed validation.
func IsMalformed(err error) bool {
	return errors.Is(err, apperrors.ErrMalformedPayload)
}

// IsUnavailable reports a store failure that survived the retry budget.
func IsUnavailable(err error) bool {
	return errors.Is(err, apperrors.ErrStoreUnavailable)
}
