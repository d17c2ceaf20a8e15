package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coedit/internal/access"
	apperrors "github.com/roach88/coedit/internal/errors"
	"github.com/roach88/coedit/internal/ir"
	"github.com/roach88/coedit/internal/merge"
	"github.com/roach88/coedit/internal/notify"
	"github.com/roach88/coedit/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	eng     *Engine
	store   store.VersionStore
	roles   access.RoleStore
	access  *access.Manager
	notes   *notify.Notifier
	changes *notify.Subscription
}

func newFixture(t *testing.T, s store.VersionStore, roles access.RoleStore, opts ...Option) *fixture {
	t.Helper()
	clk := NewClock(func() time.Time { return t0 })
	notes := notify.New(256)
	f := &fixture{
		store:   s,
		roles:   roles,
		notes:   notes,
		changes: notes.Subscribe(""),
		access:  access.NewManager(roles, s, access.WithClock(clk.Now)),
	}
	base := []Option{WithNow(clk.Now), WithNotifier(notes)}
	f.eng = New(s, roles, append(base, opts...)...)
	t.Cleanup(f.changes.Close)
	return f
}

func memoryFixture(t *testing.T, opts ...Option) *fixture {
	return newFixture(t, store.NewMemory(), access.NewMemoryRoles(), opts...)
}

func sqliteFixture(t *testing.T, opts ...Option) (*fixture, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "coedit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return newFixture(t, s, s, opts...), s
}

// forEachBackend runs fn against the memory and SQLite backends.
func forEachBackend(t *testing.T, fn func(t *testing.T, f *fixture), opts ...Option) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryFixture(t, opts...)) })
	t.Run("sqlite", func(t *testing.T) {
		f, _ := sqliteFixture(t, opts...)
		fn(t, f)
	})
}

func payload(title string, fields ...ir.Field) ir.Object {
	return ir.NewObject(append([]ir.Field{ir.F("title", ir.String(title))}, fields...)...)
}

func with(base ir.Object, key string, v ir.Value) ir.Object {
	out := base.Clone()
	out[key] = v
	return out
}

// seedEvent creates ev-1 owned by alice with bob as editor and dave as viewer.
func (f *fixture) seedEvent(t *testing.T, p ir.Object) ir.Version {
	t.Helper()
	ctx := context.Background()
	res, err := f.eng.Mutate(ctx, "alice", ir.MutationRequest{EventID: "ev-1", Proposed: p})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, res.Outcome)

	_, err = f.access.Share(ctx, "alice", "ev-1", []access.Grant{
		{Principal: "bob", Role: ir.RoleEditor},
		{Principal: "carol", Role: ir.RoleEditor},
		{Principal: "dave", Role: ir.RoleViewer},
	})
	require.NoError(t, err)
	return *res.Version
}

func (f *fixture) update(principal, base string, p ir.Object) (*Result, error) {
	return f.eng.Mutate(context.Background(), principal, ir.MutationRequest{
		EventID: "ev-1", BaseVersionID: base, Proposed: p,
	})
}

func (f *fixture) historyLen(t *testing.T) int {
	t.Helper()
	seq, err := f.eng.History(context.Background(), "alice", "ev-1")
	require.NoError(t, err)
	versions, err := store.Collect(seq)
	require.NoError(t, err)
	return len(versions)
}

func (f *fixture) head(t *testing.T) ir.Version {
	t.Helper()
	v, err := f.store.Head(context.Background(), "ev-1")
	require.NoError(t, err)
	return v
}

func (f *fixture) drain() []ir.ChangeRecord {
	var out []ir.ChangeRecord
	for {
		select {
		case rec := <-f.changes.C():
			out = append(out, rec)
		default:
			return out
		}
	}
}

func TestMutateCreate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		res, err := f.eng.Mutate(context.Background(), "alice", ir.MutationRequest{
			EventID:  "ev-1",
			Proposed: payload("Kickoff"),
		})
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, res.Outcome)

		v := res.Version
		assert.Equal(t, int64(1), v.Seq)
		assert.Empty(t, v.Parents)
		assert.Equal(t, "alice", v.Author)
		assert.Equal(t, t0, v.Timestamp)
		assert.Equal(t, ir.ChangeCreate, v.Summary.Kind)
		assert.Equal(t, []string{"title"}, v.Summary.Fields())

		ev, err := f.store.Event(context.Background(), "ev-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", ev.Owner)
		assert.Equal(t, v.ID, ev.HeadVersionID)

		recs := f.drain()
		require.Len(t, recs, 1)
		assert.Equal(t, v.ID, recs[0].VersionID)
		assert.Equal(t, ir.ChangeCreate, recs[0].Summary.Kind)
	})
}

func TestMutateCreateGeneratesEventID(t *testing.T) {
	f := memoryFixture(t, WithIDGenerator(NewFixedGenerator("gen-1")))
	res, err := f.eng.Mutate(context.Background(), "alice", ir.MutationRequest{Proposed: payload("A")})
	require.NoError(t, err)
	assert.Equal(t, "gen-1", res.EventID)
	assert.Equal(t, "gen-1", res.Version.EventID)
}

func TestMutateCreateExistingRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		f.seedEvent(t, payload("A"))

		res, err := f.update("bob", "", payload("B"))
		require.Error(t, err)
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.ErrorIs(t, err, apperrors.ErrRejected)

		res, err = f.update("mallory", "", payload("B"))
		assert.Equal(t, OutcomeDenied, res.Outcome)
		assert.True(t, IsDenied(err))
	})
}

// Scenario A: two editors edit disjoint fields from the same base.
func TestScenarioDisjointEditsMerge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		v1 := f.seedEvent(t, payload("A"))
		f.drain()

		r1, err := f.update("bob", v1.ID, payload("B"))
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, r1.Outcome)
		assert.False(t, r1.Merged)

		r2, err := f.update("carol", v1.ID, payload("A", ir.F("description", ir.String("x"))))
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, r2.Outcome)
		assert.True(t, r2.Merged)

		v3 := r2.Version
		assert.True(t, ir.Equal(payload("B", ir.F("description", ir.String("x"))), v3.Payload))
		assert.Equal(t, []string{r1.Version.ID, v1.ID}, v3.Parents)
		assert.Equal(t, ir.ChangeMerge, v3.Summary.Kind)
		assert.Equal(t, "carol", v3.Summary.Author)

		assert.Equal(t, v3.ID, f.head(t).ID)
		assert.Equal(t, 3, f.historyLen(t))
		assert.Len(t, f.drain(), 2)
	})
}

func TestScenarioDisjointEditsConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		v1 := f.seedEvent(t, payload("A"))

		edits := map[string]ir.Object{
			"bob":   payload("B"),
			"carol": payload("A", ir.F("description", ir.String("x"))),
		}
		results := make(map[string]*Result)
		var mu sync.Mutex
		var wg sync.WaitGroup
		for who, p := range edits {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := f.update(who, v1.ID, p)
				assert.NoError(t, err)
				mu.Lock()
				results[who] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		for who, res := range results {
			assert.Equal(t, OutcomeAccepted, res.Outcome, who)
		}
		head := f.head(t)
		assert.Equal(t, int64(3), head.Seq)
		assert.Len(t, head.Parents, 2)
		assert.True(t, ir.Equal(payload("B", ir.F("description", ir.String("x"))), head.Payload))
	})
}

// Scenario B: a viewer cannot mutate.
func TestScenarioViewerDenied(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		v1 := f.seedEvent(t, payload("A"))
		f.drain()

		res, err := f.update("dave", v1.ID, payload("B"))
		require.Error(t, err)
		assert.Equal(t, OutcomeDenied, res.Outcome)
		assert.True(t, IsDenied(err))
		assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
		assert.Nil(t, res.Version)

		assert.Equal(t, 1, f.historyLen(t))
		assert.Empty(t, f.drain())
	})
}

// Scenario C: overlapping edits conflict and leave the head alone.
func TestScenarioOverlappingEditsConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		v1 := f.seedEvent(t, payload("A"))

		r1, err := f.update("bob", v1.ID, payload("B"))
		require.NoError(t, err)
		v2 := r1.Version

		res, err := f.update("carol", v1.ID, payload("C"))
		require.Error(t, err)
		assert.Equal(t, OutcomeConflict, res.Outcome)
		assert.True(t, IsConflict(err))

		c, ok := AsConflict(err)
		require.True(t, ok)
		assert.Same(t, res.Conflict, c)
		assert.Equal(t, v2.ID, c.Head.ID)
		assert.Equal(t, []string{"title"}, c.Fields)
		assert.Equal(t, ir.String("B"), c.Head.Payload["title"])
		assert.Equal(t, ir.String("A"), c.BasePayload["title"])
		assert.Equal(t, ir.String("C"), c.Proposed["title"])

		assert.Equal(t, v2.ID, f.head(t).ID)
		assert.Equal(t, 2, f.historyLen(t))

		// The conflict carries enough to retry without a read.
		retry, err := f.update("carol", c.Head.ID, with(c.Head.Payload, "title", ir.String("C")))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, retry.Outcome)
	})
}

func TestMutateDocumentGranularity(t *testing.T) {
	f := memoryFixture(t, WithGranularity(merge.GranularityDocument))
	v1 := f.seedEvent(t, payload("A"))
	assert.Equal(t, merge.GranularityDocument, f.eng.Config().Granularity)

	_, err := f.update("bob", v1.ID, payload("B"))
	require.NoError(t, err)
	res, err := f.update("carol", v1.ID, payload("A", ir.F("description", ir.String("x"))))
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.True(t, IsConflict(err))
}

func TestMutateDenials(t *testing.T) {
	f := memoryFixture(t)
	v1 := f.seedEvent(t, payload("A"))

	tests := []struct {
		name      string
		principal string
		req       ir.MutationRequest
	}{
		{"no role", "mallory", ir.MutationRequest{EventID: "ev-1", BaseVersionID: v1.ID, Proposed: payload("B")}},
		{"unauthenticated", "", ir.MutationRequest{EventID: "ev-1", BaseVersionID: v1.ID, Proposed: payload("B")}},
		{"unknown event", "bob", ir.MutationRequest{EventID: "ev-9", BaseVersionID: v1.ID, Proposed: payload("B")}},
		{"editor delete", "bob", ir.MutationRequest{EventID: "ev-1", BaseVersionID: v1.ID, Proposed: v1.Payload, Kind: ir.ChangeDelete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.eng.Mutate(context.Background(), tt.principal, tt.req)
			assert.Equal(t, OutcomeDenied, res.Outcome)
			assert.True(t, IsDenied(err))
			assert.Equal(t, v1.ID, f.head(t).ID)
		})
	}
}

func TestMutateMalformedPayload(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		v1 := f.seedEvent(t, payload("A"))

		tests := []struct {
			name string
			p    ir.Object
		}{
			{"missing title", ir.Object{"description": ir.String("x")}},
			{"unknown field", payload("A", ir.F("colour", ir.String("red")))},
			{"end before start", payload("A",
				ir.F("start_time", ir.String("2026-03-02T10:00:00Z")),
				ir.F("end_time", ir.String("2026-03-02T09:00:00Z")))},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				res, err := f.update("bob", v1.ID, tt.p)
				assert.Equal(t, OutcomeRejected, res.Outcome)
				assert.True(t, IsMalformed(err))
				assert.Equal(t, 1, f.historyLen(t))
			})
		}

		res, err := f.eng.Mutate(context.Background(), "alice", ir.MutationRequest{EventID: "ev-2", Proposed: ir.Object{}})
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.True(t, IsMalformed(err))
		_, err = f.store.Event(context.Background(), "ev-2")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestMutateInvalidMergeConflicts(t *testing.T) {
	f := memoryFixture(t)
	v1 := f.seedEvent(t, payload("A",
		ir.F("start_time", ir.String("2026-03-02T09:00:00Z")),
		ir.F("end_time", ir.String("2026-03-02T10:00:00Z"))))

	_, err := f.update("bob", v1.ID, with(v1.Payload, "start_time", ir.String("2026-03-02T09:45:00Z")))
	require.NoError(t, err)

	res, err := f.update("carol", v1.ID, with(v1.Payload, "end_time", ir.String("2026-03-02T09:30:00Z")))
	assert.Equal(t, OutcomeConflict, res.Outcome)
	c, ok := AsConflict(err)
	require.True(t, ok)
	assert.Contains(t, c.Reason, "merged payload is invalid")
	assert.Equal(t, []string{"end_time", "start_time"}, c.Fields)
}

func TestMutateRejections(t *testing.T) {
	f := memoryFixture(t)
	v1 := f.seedEvent(t, payload("A"))

	tests := []struct {
		name string
		req  ir.MutationRequest
	}{
		{"no change", ir.MutationRequest{EventID: "ev-1", BaseVersionID: v1.ID, Proposed: payload("A")}},
		{"unknown base", ir.MutationRequest{EventID: "ev-1", BaseVersionID: "missing", Proposed: payload("B")}},
		{"unsupported kind", ir.MutationRequest{EventID: "ev-1", BaseVersionID: v1.ID, Proposed: payload("B"), Kind: ir.ChangeMerge}},
		{"rollback without base", ir.MutationRequest{EventID: "ev-3", Proposed: payload("B"), Kind: ir.ChangeRollback}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.eng.Mutate(context.Background(), "bob", tt.req)
			assert.Equal(t, OutcomeRejected, res.Outcome)
			assert.ErrorIs(t, err, apperrors.ErrRejected)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestSnapshotAtRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		v1 := f.seedEvent(t, payload("A"))
		p2 := payload("B",
			ir.F("description", ir.Null{}),
			ir.F("is_recurring", ir.Bool(true)),
			ir.F("recurrence_pattern", ir.Object{
				"frequency": ir.String("weekly"),
				"weekdays":  ir.Array{ir.Int(1), ir.Int(3)},
			}))
		r2, err := f.update("bob", v1.ID, p2)
		require.NoError(t, err)

		for _, v := range []ir.Version{v1, *r2.Version} {
			got, err := f.eng.SnapshotAt(context.Background(), "dave", v.ID)
			require.NoError(t, err)
			assert.True(t, ir.Equal(v.Payload, got.Payload))
			assert.Equal(t, v.ID, got.ID)
		}

		_, existingErr := f.eng.SnapshotAt(context.Background(), "mallory", v1.ID)
		assert.True(t, IsDenied(existingErr))

		_, missingErr := f.eng.SnapshotAt(context.Background(), "mallory", "missing")
		assert.True(t, IsDenied(missingErr))
		assert.Equal(t, existingErr.Error(), missingErr.Error(), "unreadable and unknown versions must be indistinguishable")

		_, err = f.eng.SnapshotAt(context.Background(), "alice", "missing")
		assert.True(t, IsDenied(err))
	})
}

func TestHistoryAndHead(t *testing.T) {
	f := memoryFixture(t)
	v1 := f.seedEvent(t, payload("A"))
	r2, err := f.update("bob", v1.ID, payload("B"))
	require.NoError(t, err)

	seq, err := f.eng.History(context.Background(), "dave", "ev-1")
	require.NoError(t, err)
	versions, err := store.Collect(seq)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, r2.Version.ID, versions[0].ID)
	assert.Equal(t, v1.ID, versions[1].ID)

	head, err := f.eng.Head(context.Background(), "dave", "ev-1")
	require.NoError(t, err)
	assert.Equal(t, r2.Version.ID, head.ID)

	_, err = f.eng.History(context.Background(), "mallory", "ev-1")
	assert.True(t, IsDenied(err))
	_, err = f.eng.History(context.Background(), "alice", "ev-9")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDiffBetweenVersions(t *testing.T) {
	f := memoryFixture(t)
	v1 := f.seedEvent(t, payload("A", ir.F("location", ir.String("HQ"))))
	r2, err := f.update("bob", v1.ID, payload("B", ir.F("description", ir.String("x"))))
	require.NoError(t, err)

	changes, err := f.eng.Diff(context.Background(), "dave", v1.ID, r2.Version.ID)
	require.NoError(t, err)
	assert.Equal(t, []ir.FieldChange{
		{Field: "description", New: ir.String("x")},
		{Field: "location", Old: ir.String("HQ")},
		{Field: "title", Old: ir.String("A"), New: ir.String("B")},
	}, changes)

	other, err := f.eng.Mutate(context.Background(), "dave", ir.MutationRequest{EventID: "ev-2", Proposed: payload("Z")})
	require.NoError(t, err)
	_, err = f.eng.Diff(context.Background(), "dave", v1.ID, other.Version.ID)
	assert.ErrorIs(t, err, apperrors.ErrRejected)
}

func TestRollback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		v1 := f.seedEvent(t, payload("A"))
		r2, err := f.update("bob", v1.ID, payload("B", ir.F("location", ir.String("HQ"))))
		require.NoError(t, err)

		res, err := f.eng.Rollback(ctx, "bob", "ev-1", v1.ID, "")
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, res.Outcome)
		v3 := res.Version
		assert.True(t, ir.Equal(v1.Payload, v3.Payload))
		assert.Equal(t, []string{r2.Version.ID}, v3.Parents)
		assert.Equal(t, ir.ChangeRollback, v3.Summary.Kind)
		assert.Equal(t, "rolled back to version 1", v3.Summary.Comment)

		res, err = f.eng.Rollback(ctx, "bob", "ev-1", v3.ID, "again")
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.ErrorIs(t, err, apperrors.ErrRejected)

		res, err = f.eng.Rollback(ctx, "dave", "ev-1", r2.Version.ID, "")
		assert.Equal(t, OutcomeDenied, res.Outcome)
		assert.True(t, IsDenied(err))

		res, err = f.eng.Rollback(ctx, "bob", "ev-1", "missing", "")
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		res, err = f.eng.Rollback(ctx, "mallory", "ev-1", "missing", "")
		assert.Equal(t, OutcomeDenied, res.Outcome)
		assert.True(t, IsDenied(err))
		res, err = f.eng.Rollback(ctx, "mallory", "ev-1", v1.ID, "")
		assert.Equal(t, OutcomeDenied, res.Outcome)
		assert.True(t, IsDenied(err))
	})
}

func TestDeleteAndRestore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		v1 := f.seedEvent(t, payload("A"))

		res, err := f.eng.Delete(ctx, "bob", "ev-1", "")
		assert.Equal(t, OutcomeDenied, res.Outcome)
		assert.True(t, IsDenied(err))

		res, err = f.eng.Delete(ctx, "alice", "ev-1", "")
		require.NoError(t, err)
		tomb := res.Version
		assert.True(t, tomb.Tombstone)
		assert.Equal(t, ir.ChangeDelete, tomb.Summary.Kind)
		assert.True(t, ir.Equal(v1.Payload, tomb.Payload))

		res, err = f.update("bob", tomb.ID, payload("B"))
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.ErrorIs(t, err, apperrors.ErrRejected)
		assert.Contains(t, res.Reason, "deleted")

		res, err = f.eng.Delete(ctx, "alice", "ev-1", "")
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.ErrorIs(t, err, apperrors.ErrRejected)

		res, err = f.eng.Delete(ctx, "mallory", "ev-1", "missing")
		assert.Equal(t, OutcomeDenied, res.Outcome)
		assert.True(t, IsDenied(err))

		res, err = f.eng.Rollback(ctx, "bob", "ev-1", v1.ID, "restore")
		require.NoError(t, err)
		assert.False(t, res.Version.Tombstone)
		assert.Equal(t, int64(3), res.Version.Seq)
		assert.Equal(t, 3, f.historyLen(t))
	})
}

func TestChangelog(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		v1 := f.seedEvent(t, payload("A"))
		_, err := f.update("bob", v1.ID, payload("B"))
		require.NoError(t, err)

		entries, err := f.eng.Changelog(ctx, "dave", "ev-1")
		require.NoError(t, err)

		kinds := make([]ir.ChangeKind, len(entries))
		for i, e := range entries {
			kinds[i] = e.Kind
		}
		assert.Equal(t, []ir.ChangeKind{
			ir.ChangeUpdate,
			ir.ChangeShare, ir.ChangeShare, ir.ChangeShare,
			ir.ChangeCreate,
		}, kinds)

		assert.Equal(t, "bob", entries[0].Actor)
		assert.Equal(t, v1.ID, entries[0].FromVersion)
		assert.Equal(t, []string{"title"}, ir.ChangeSummary{Changes: entries[0].Changes}.Fields())
		assert.Equal(t, "dave", entries[1].Principal)
		assert.Equal(t, ir.RoleViewer, entries[1].NewRole)
		assert.Equal(t, "alice", entries[4].Actor)

		_, err = f.eng.Changelog(ctx, "mallory", "ev-1")
		assert.True(t, IsDenied(err))
	})
}

func TestEventsFilteredByRole(t *testing.T) {
	f := memoryFixture(t)
	f.seedEvent(t, payload("A"))
	_, err := f.eng.Mutate(context.Background(), "erin", ir.MutationRequest{EventID: "ev-2", Proposed: payload("Private")})
	require.NoError(t, err)

	ids := func(principal string) []string {
		page, err := f.eng.Events(context.Background(), principal, EventFilter{})
		require.NoError(t, err)
		var out []string
		for _, ev := range page.Events {
			out = append(out, ev.ID)
		}
		return out
	}
	assert.Equal(t, []string{"ev-1"}, ids("dave"))
	assert.Equal(t, []string{"ev-2"}, ids("erin"))
	assert.Empty(t, ids("mallory"))
}

// flakyStore fails the first n Append calls with a retryable error.
type flakyStore struct {
	store.VersionStore
	mu    sync.Mutex
	fails int
	calls int
}

func (s *flakyStore) Append(ctx context.Context, req store.AppendRequest) (ir.Version, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.fails
	s.mu.Unlock()
	if fail {
		return ir.Version{}, apperrors.StoreUnavailable("append", errors.New("database is locked"))
	}
	return s.VersionStore.Append(ctx, req)
}

func TestTransientStoreFailureRetried(t *testing.T) {
	inner := store.NewMemory()
	fs := &flakyStore{VersionStore: inner}
	f := newFixture(t, fs, access.NewMemoryRoles(), WithStoreRetries(2, time.Millisecond))
	v1 := f.seedEvent(t, payload("A"))

	fs.mu.Lock()
	fs.fails, fs.calls = 2, 0
	fs.mu.Unlock()
	res, err := f.update("bob", v1.ID, payload("B"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
}

func TestTransientStoreFailureSurfaces(t *testing.T) {
	inner := store.NewMemory()
	fs := &flakyStore{VersionStore: inner}
	f := newFixture(t, fs, access.NewMemoryRoles(), WithStoreRetries(2, time.Millisecond))
	v1 := f.seedEvent(t, payload("A"))
	f.drain()

	fs.mu.Lock()
	fs.fails, fs.calls = 100, 0
	fs.mu.Unlock()
	res, err := f.update("bob", v1.ID, payload("B"))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, 3, fs.calls)

	assert.Equal(t, v1.ID, f.head(t).ID)
	assert.Empty(t, f.drain())
}

func TestMutateCancelled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		v1 := f.seedEvent(t, payload("A"))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res, err := f.eng.Mutate(ctx, "bob", ir.MutationRequest{
			EventID: "ev-1", BaseVersionID: v1.ID, Proposed: payload("B"),
		})
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, v1.ID, f.head(t).ID)
	})
}
