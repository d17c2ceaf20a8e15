package engine

import (
	"context"
	"fmt"

	"github.com/roach88/coedit/internal/authz"
	"github.com/roach88/coedit/internal/ir"
)

// VerifyReport is the result of auditing one event's version chain.
type VerifyReport struct {
	EventID       string   `json:"event_id"`
	HeadVersionID string   `json:"head_version_id"`
	Versions      int      `json:"versions"`
	Problems      []string `json:"problems,omitempty"`
}

// OK reports whether the chain passed every check.
func (r VerifyReport) OK() bool {
	return len(r.Problems) == 0
}

// Verify audits an event's chain: every version ID must match its content,
// sequence numbers must be contiguous from the head down to 1, each version's
// first parent must be its predecessor, and merge parents must belong to the
// same event. A failed check is reported, not returned as an error.
func (e *Engine) Verify(ctx context.Context, principal, eventID string) (VerifyReport, error) {
	ev, err := e.authorize(ctx, principal, eventID, authz.ActionRead)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{EventID: eventID, HeadVersionID: ev.HeadVersionID}
	problem := func(format string, args ...any) {
		report.Problems = append(report.Problems, fmt.Sprintf(format, args...))
	}

	var chain []ir.Version
	for v, err := range e.store.History(ctx, eventID) {
		if err != nil {
			return VerifyReport{}, err
		}
		chain = append(chain, v)
	}
	report.Versions = len(chain)
	if len(chain) == 0 {
		problem("event has no versions")
		return report, nil
	}

	byID := make(map[string]ir.Version, len(chain))
	for _, v := range chain {
		byID[v.ID] = v
	}

	if chain[0].ID != ev.HeadVersionID {
		problem("head %s is not the newest version %s", ev.HeadVersionID, chain[0].ID)
	}

	for i, v := range chain {
		if id, err := v.ComputeID(); err != nil {
			problem("version %s: %v", v.ID, err)
		} else if id != v.ID {
			problem("version %s: content hashes to %s", v.ID, id)
		}

		if want := int64(len(chain) - i); v.Seq != want {
			problem("version %s: seq %d, want %d", v.ID, v.Seq, want)
		}
		if v.EventID != eventID {
			problem("version %s: belongs to event %s", v.ID, v.EventID)
		}

		if i == len(chain)-1 {
			if len(v.Parents) != 0 {
				problem("version %s: creation version has parents", v.ID)
			}
			continue
		}
		if len(v.Parents) == 0 || len(v.Parents) > 2 {
			problem("version %s: has %d parents", v.ID, len(v.Parents))
			continue
		}
		if v.Parents[0] != chain[i+1].ID {
			problem("version %s: first parent %s is not its predecessor %s", v.ID, v.Parents[0], chain[i+1].ID)
		}
		if len(v.Parents) == 2 {
			base, ok := byID[v.Parents[1]]
			switch {
			case !ok:
				problem("version %s: merge parent %s not in history", v.ID, v.Parents[1])
			case base.Seq >= v.Seq:
				problem("version %s: merge parent %s is not older", v.ID, base.ID)
			}
		}
	}
	return report, nil
}
