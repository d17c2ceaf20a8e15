package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	apperrors "github.com/roach88/coedit/internal/errors"
	"github.com/roach88/coedit/internal/ir"
)

const versionColumns = `id, event_id, seq, parents, author, ts, payload, summary, tombstone`

// eventColumns selects an event joined with its head version as v.
const eventColumns = `e.id, e.owner, e.created_at, e.head_version_id, e.head_seq, v.tombstone`

// Get implements VersionStore.
func (s *Store) Get(ctx context.Context, versionID string) (ir.Version, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+versionColumns+`
		FROM versions
		WHERE id = ?
	`), versionID)

	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Version{}, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}
	return v, err
}

// Event implements VersionStore.
func (s *Store) Event(ctx context.Context, eventID string) (ir.Event, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+eventColumns+`
		FROM events e
		JOIN versions v ON v.id = e.head_version_id
		WHERE e.id = ?
	`), eventID)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Event{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return ev, err
}

// Head implements VersionStore.
func (s *Store) Head(ctx context.Context, eventID string) (ir.Version, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT v.id, v.event_id, v.seq, v.parents, v.author, v.ts, v.payload, v.summary, v.tombstone
		FROM events e
		JOIN versions v ON v.id = e.head_version_id
		WHERE e.id = ?
	`), eventID)

	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Version{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return v, err
}

// History implements VersionStore.
//
// Versions are fetched in pages keyed on seq, and each page's rows are closed
// before any version is yielded. A slow consumer therefore never pins a
// connection, which matters for SQLite's single-connection pool.
func (s *Store) History(ctx context.Context, eventID string) iter.Seq2[ir.Version, error] {
	return func(yield func(ir.Version, error) bool) {
		ev, err := s.Event(ctx, eventID)
		if err != nil {
			yield(ir.Version{}, err)
			return
		}

		// Start from the head seen now, so appends during iteration are skipped.
		cursor := ev.HeadSeq + 1
		for {
			page, err := s.historyPage(ctx, eventID, cursor)
			if err != nil {
				yield(ir.Version{}, err)
				return
			}
			for _, v := range page {
				if !yield(v, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			cursor = page[len(page)-1].Seq
		}
	}
}

func (s *Store) historyPage(ctx context.Context, eventID string, beforeSeq int64) ([]ir.Version, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+versionColumns+`
		FROM versions
		WHERE event_id = ? AND seq < ?
		ORDER BY seq DESC
		LIMIT ?
	`), eventID, beforeSeq, s.pageSize)
	if err != nil {
		return nil, unavailable("query history", err)
	}
	defer rows.Close()

	var page []ir.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, v)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate history", err)
	}
	return page, nil
}

// Events implements VersionStore.
func (s *Store) Events(ctx context.Context) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events e
		JOIN versions v ON v.id = e.head_version_id
		ORDER BY e.id ASC
	`)
	if err != nil {
		return nil, unavailable("query events", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate events", err)
	}
	return events, nil
}

// Assignments returns the role assignments principal holds on eventID.
// It satisfies authz.RoleSource.
func (s *Store) Assignments(ctx context.Context, eventID, principal string) ([]ir.RoleAssignment, error) {
	return s.queryAssignments(ctx, s.rebind(`
		SELECT event_id, principal, role, granted_by, granted_at
		FROM role_assignments
		WHERE event_id = ? AND principal = ?
	`), eventID, principal)
}

// ListAssignments returns every assignment on eventID ordered by principal.
func (s *Store) ListAssignments(ctx context.Context, eventID string) ([]ir.RoleAssignment, error) {
	return s.queryAssignments(ctx, s.rebind(`
		SELECT event_id, principal, role, granted_by, granted_at
		FROM role_assignments
		WHERE event_id = ?
		ORDER BY principal ASC
	`), eventID)
}

func (s *Store) queryAssignments(ctx context.Context, query string, args ...any) ([]ir.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query assignments", err)
	}
	defer rows.Close()

	out := []ir.RoleAssignment{}
	for rows.Next() {
		var (
			a         ir.RoleAssignment
			role      string
			grantedAt int64
		)
		if err := rows.Scan(&a.EventID, &a.Principal, &role, &a.GrantedBy, &grantedAt); err != nil {
			return nil, unavailable("scan assignment", err)
		}
		if a.Role, err = ir.ParseRole(role); err != nil {
			return nil, apperrors.Corrupt("scan assignment", err)
		}
		a.GrantedAt = fromNanos(grantedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate assignments", err)
	}
	return out, nil
}

// PermissionLog returns eventID's permission changes, oldest first.
func (s *Store) PermissionLog(ctx context.Context, eventID string) ([]ir.PermissionChange, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT event_id, actor, principal, kind, old_role, new_role, ts
		FROM permission_log
		WHERE event_id = ?
		ORDER BY id ASC
	`), eventID)
	if err != nil {
		return nil, unavailable("query permission log", err)
	}
	defer rows.Close()

	out := []ir.PermissionChange{}
	for rows.Next() {
		var (
			c                ir.PermissionChange
			kind, oldR, newR string
			ts               int64
		)
		if err := rows.Scan(&c.EventID, &c.Actor, &c.Principal, &kind, &oldR, &newR, &ts); err != nil {
			return nil, unavailable("scan permission change", err)
		}
		c.Kind = ir.ChangeKind(kind)
		if c.OldRole, err = ir.ParseRole(oldR); err != nil {
			return nil, apperrors.Corrupt("scan permission change", err)
		}
		if c.NewRole, err = ir.ParseRole(newR); err != nil {
			return nil, apperrors.Corrupt("scan permission change", err)
		}
		c.Timestamp = fromNanos(ts)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate permission log", err)
	}
	return out, nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (ir.Version, error) {
	var (
		v         ir.Version
		parents   string
		ts        int64
		payload   []byte
		summary   string
		tombstone int64
	)
	err := row.Scan(&v.ID, &v.EventID, &v.Seq, &parents, &v.Author, &ts, &payload, &summary, &tombstone)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Version{}, err
	}
	if err != nil {
		return ir.Version{}, unavailable("scan version", err)
	}

	if v.Parents, err = unmarshalParents(parents); err != nil {
		return ir.Version{}, apperrors.Corrupt("scan version "+v.ID, err)
	}
	if v.Payload, err = decodePayload(payload); err != nil {
		return ir.Version{}, apperrors.Corrupt("scan version "+v.ID, err)
	}
	if v.Summary, err = unmarshalSummary(summary); err != nil {
		return ir.Version{}, apperrors.Corrupt("scan version "+v.ID, err)
	}
	v.Timestamp = fromNanos(ts)
	v.Tombstone = tombstone != 0
	return v, nil
}

func scanEvent(row scanner) (ir.Event, error) {
	var (
		ev        ir.Event
		createdAt int64
		tombstone int64
	)
	err := row.Scan(&ev.ID, &ev.Owner, &createdAt, &ev.HeadVersionID, &ev.HeadSeq, &tombstone)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Event{}, err
	}
	if err != nil {
		return ir.Event{}, unavailable("scan event", err)
	}
	ev.CreatedAt = fromNanos(createdAt)
	ev.Deleted = tombstone != 0
	return ev, nil
}
