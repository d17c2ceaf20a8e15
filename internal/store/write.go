package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/coedit/internal/ir"
)

// Append implements VersionStore.
//
// The head CAS and the version insert share one transaction. The CAS runs
// first, so under Postgres a concurrent appender blocks on the event row and
// then sees zero rows affected instead of racing on the version insert.
func (s *Store) Append(ctx context.Context, req AppendRequest) (ir.Version, error) {
	if req.EventID == "" {
		return ir.Version{}, fmt.Errorf("append: empty event id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.Version{}, unavailable("append: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	var v ir.Version
	if req.Parent == "" {
		v, err = s.appendCreate(ctx, tx, req)
	} else {
		v, err = s.appendNext(ctx, tx, req)
	}
	if err != nil {
		return ir.Version{}, err
	}

	if err := tx.Commit(); err != nil {
		return ir.Version{}, unavailable("append: commit", err)
	}
	return v, nil
}

func (s *Store) appendCreate(ctx context.Context, tx *sql.Tx, req AppendRequest) (ir.Version, error) {
	v, err := req.build(1)
	if err != nil {
		return ir.Version{}, fmt.Errorf("append %s: %w", req.EventID, err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO events (id, owner, created_at, head_version_id, head_seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`), req.EventID, req.owner(), toNanos(v.Timestamp), v.ID, v.Seq)
	if err != nil {
		return ir.Version{}, unavailable("append: insert event", err)
	}
	if err := requireOneRow(res); err != nil {
		return ir.Version{}, err
	}

	if err := s.insertVersion(ctx, tx, v); err != nil {
		return ir.Version{}, err
	}
	return v, nil
}

func (s *Store) appendNext(ctx context.Context, tx *sql.Tx, req AppendRequest) (ir.Version, error) {
	var parentSeq int64
	err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT seq FROM versions WHERE id = ? AND event_id = ?
	`), req.Parent, req.EventID).Scan(&parentSeq)
	if errors.Is(err, sql.ErrNoRows) {
		// A parent that was never appended cannot be the head.
		return ir.Version{}, s.staleOrMissing(ctx, tx, req.EventID)
	}
	if err != nil {
		return ir.Version{}, unavailable("append: read parent", err)
	}

	v, err := req.build(parentSeq + 1)
	if err != nil {
		return ir.Version{}, fmt.Errorf("append %s: %w", req.EventID, err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE events SET head_version_id = ?, head_seq = ?
		WHERE id = ? AND head_version_id = ?
	`), v.ID, v.Seq, req.EventID, req.Parent)
	if err != nil {
		return ir.Version{}, unavailable("append: swap head", err)
	}
	if err := requireOneRow(res); err != nil {
		return ir.Version{}, err
	}

	if err := s.insertVersion(ctx, tx, v); err != nil {
		return ir.Version{}, err
	}
	return v, nil
}

func (s *Store) insertVersion(ctx context.Context, tx *sql.Tx, v ir.Version) error {
	payload, err := encodePayload(v.Payload)
	if err != nil {
		return fmt.Errorf("append %s: %w", v.EventID, err)
	}
	parents, err := marshalParents(v.Parents)
	if err != nil {
		return fmt.Errorf("append %s: %w", v.EventID, err)
	}
	summary, err := marshalSummary(v.Summary)
	if err != nil {
		return fmt.Errorf("append %s: %w", v.EventID, err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO versions (id, event_id, seq, parents, author, ts, payload, summary, tombstone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), v.ID, v.EventID, v.Seq, parents, v.Author, toNanos(v.Timestamp), payload, summary, boolToInt(v.Tombstone))
	if err != nil {
		return unavailable("append: insert version", err)
	}
	return nil
}

// staleOrMissing distinguishes an unknown event from a stale parent.
func (s *Store) staleOrMissing(ctx context.Context, tx *sql.Tx, eventID string) error {
	var id string
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM events WHERE id = ?`), eventID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("append %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return unavailable("append: read event", err)
	}
	return ErrStaleBase
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("append: rows affected", err)
	}
	if n == 0 {
		return ErrStaleBase
	}
	return nil
}

// PutAssignment upserts a role assignment and logs the change in one
// transaction.
func (s *Store) PutAssignment(ctx context.Context, a ir.RoleAssignment, change ir.PermissionChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("put assignment: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO role_assignments (event_id, principal, role, granted_by, granted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id, principal) DO UPDATE SET
			role = excluded.role,
			granted_by = excluded.granted_by,
			granted_at = excluded.granted_at
	`), a.EventID, a.Principal, a.Role.String(), a.GrantedBy, toNanos(a.GrantedAt))
	if err != nil {
		return unavailable("put assignment", err)
	}

	if err := s.logPermissionChange(ctx, tx, change); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("put assignment: commit", err)
	}
	return nil
}

// DeleteAssignment removes a principal's role and logs the change.
// Deleting an assignment that does not exist returns ErrNotFound.
func (s *Store) DeleteAssignment(ctx context.Context, eventID, principal string, change ir.PermissionChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("delete assignment: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM role_assignments WHERE event_id = ? AND principal = ?
	`), eventID, principal)
	if err != nil {
		return unavailable("delete assignment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("delete assignment: rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("assignment %s/%s: %w", eventID, principal, ErrNotFound)
	}

	if err := s.logPermissionChange(ctx, tx, change); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("delete assignment: commit", err)
	}
	return nil
}

func (s *Store) logPermissionChange(ctx context.Context, tx *sql.Tx, c ir.PermissionChange) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO permission_log (event_id, actor, principal, kind, old_role, new_role, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), c.EventID, c.Actor, c.Principal, string(c.Kind), c.OldRole.String(), c.NewRole.String(), toNanos(c.Timestamp))
	if err != nil {
		return unavailable("log permission change", err)
	}
	return nil
}
