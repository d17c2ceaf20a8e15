package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coedit/internal/ir"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	v, err := s1.Append(context.Background(), createReq("ev-1", ir.Object{"title": ir.String("A")}))
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("Get() after reopen failed: %v", err)
	}
	if got.Payload["title"] != ir.String("A") {
		t.Errorf("payload title = %v, want A", got.Payload["title"])
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.verifyPragma(tt.name, tt.expected); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestParseDialect(t *testing.T) {
	for _, name := range []string{"", "sqlite", "sqlite3", "SQLite"} {
		d, err := ParseDialect(name)
		require.NoError(t, err)
		assert.Equal(t, DialectSQLite, d)
	}
	for _, name := range []string{"postgres", "postgresql", "pq"} {
		d, err := ParseDialect(name)
		require.NoError(t, err)
		assert.Equal(t, DialectPostgres, d)
	}
	_, err := ParseDialect("mysql")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := NewWithDB(nil, DialectPostgres)
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c = $3", pg.rebind("UPDATE t SET a = ? WHERE b = ? AND c = ?"))

	lite := NewWithDB(nil, DialectSQLite)
	assert.Equal(t, "SELECT ? FROM t", lite.rebind("SELECT ? FROM t"))
}

func TestRoleAssignments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	grant := ir.RoleAssignment{EventID: "ev-1", Principal: "bob", Role: ir.RoleViewer, GrantedBy: "alice", GrantedAt: t0}
	require.NoError(t, s.PutAssignment(ctx, grant, ir.PermissionChange{
		EventID: "ev-1", Actor: "alice", Principal: "bob", Kind: ir.ChangeShare, NewRole: ir.RoleViewer, Timestamp: t0,
	}))

	grant.Role = ir.RoleEditor
	require.NoError(t, s.PutAssignment(ctx, grant, ir.PermissionChange{
		EventID: "ev-1", Actor: "alice", Principal: "bob", Kind: ir.ChangePermissionChange,
		OldRole: ir.RoleViewer, NewRole: ir.RoleEditor, Timestamp: t0,
	}))

	got, err := s.Assignments(ctx, "ev-1", "bob")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ir.RoleEditor, got[0].Role)
	assert.Equal(t, "alice", got[0].GrantedBy)
	assert.True(t, t0.Equal(got[0].GrantedAt))

	none, err := s.Assignments(ctx, "ev-1", "carol")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.DeleteAssignment(ctx, "ev-1", "bob", ir.PermissionChange{
		EventID: "ev-1", Actor: "alice", Principal: "bob", Kind: ir.ChangePermissionChange,
		OldRole: ir.RoleEditor, Timestamp: t0,
	}))
	err = s.DeleteAssignment(ctx, "ev-1", "bob", ir.PermissionChange{EventID: "ev-1"})
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListAssignments(ctx, "ev-1")
	require.NoError(t, err)
	assert.Empty(t, all)

	log, err := s.PermissionLog(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, ir.ChangeShare, log[0].Kind)
	assert.Equal(t, ir.RoleViewer, log[1].OldRole)
	assert.Equal(t, ir.RoleEditor, log[1].NewRole)
	assert.Equal(t, ir.RoleNone, log[2].NewRole)
}

func TestListAssignmentsOrdered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for _, p := range []string{"zed", "amy", "kim"} {
		a := ir.RoleAssignment{EventID: "ev-1", Principal: p, Role: ir.RoleViewer, GrantedBy: "alice", GrantedAt: t0}
		require.NoError(t, s.PutAssignment(ctx, a, ir.PermissionChange{EventID: "ev-1", Principal: p, Kind: ir.ChangeShare}))
	}
	all, err := s.ListAssignments(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"amy", "kim", "zed"}, []string{all[0].Principal, all[1].Principal, all[2].Principal})
}
