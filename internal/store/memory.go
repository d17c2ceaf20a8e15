package store

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/coedit/internal/ir"
)

// node is one immutable link in an event's chain. prev points at the
// previous head, so a head pointer is a complete snapshot of history.
type node struct {
	version ir.Version
	prev    *node
	chain   *chain
	linked  atomic.Bool // set once the node is known to be on its chain
}

// onChain reports whether n is reachable from its chain's current head.
func (n *node) onChain() bool {
	for cur := n.chain.head.Load(); cur != nil && cur.version.Seq >= n.version.Seq; cur = cur.prev {
		if cur == n {
			return true
		}
	}
	return false
}

// Memory is a lock-free in-process VersionStore.
//
// Readers load the head pointer and walk immutable nodes; writers build a new
// node and CAS it in. Neither side ever blocks the other.
type Memory struct {
	events   sync.Map // event ID -> *chain
	versions sync.Map // version ID -> *node
}

var _ VersionStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Append implements VersionStore.
func (m *Memory) Append(ctx context.Context, req AppendRequest) (ir.Version, error) {
	if err := ctx.Err(); err != nil {
		return ir.Version{}, err
	}
	if req.EventID == "" {
		return ir.Version{}, fmt.Errorf("append: empty event id")
	}

	if req.Parent == "" {
		return m.create(ctx, req)
	}

	val, ok := m.events.Load(req.EventID)
	if !ok {
		return ir.Version{}, fmt.Errorf("append %s: %w", req.EventID, ErrNotFound)
	}
	c := val.(*chain)

	head := c.head.Load()
	if head.version.ID != req.Parent {
		return ir.Version{}, ErrStaleBase
	}
	v, err := req.build(head.version.Seq + 1)
	if err != nil {
		return ir.Version{}, fmt.Errorf("append %s: %w", req.EventID, err)
	}
	n := &node{version: v, prev: head, chain: c}

	// Last chance to abandon with no effect.
	if err := ctx.Err(); err != nil {
		return ir.Version{}, err
	}
	// Index before the swap so a head seen through Event or Head can be Got.
	m.index(n)
	if !c.head.CompareAndSwap(head, n) {
		m.versions.CompareAndDelete(v.ID, n)
		return ir.Version{}, ErrStaleBase
	}
	m.link(n)
	return cloneVersion(v), nil
}

func (m *Memory) create(ctx context.Context, req AppendRequest) (ir.Version, error) {
	if _, exists := m.events.Load(req.EventID); exists {
		return ir.Version{}, ErrStaleBase
	}
	v, err := req.build(1)
	if err != nil {
		return ir.Version{}, fmt.Errorf("create %s: %w", req.EventID, err)
	}
	c := &chain{id: req.EventID, owner: req.owner(), createdAt: v.Timestamp}
	n := &node{version: v, chain: c}
	c.head.Store(n)

	if err := ctx.Err(); err != nil {
		return ir.Version{}, err
	}
	m.index(n)
	if _, loaded := m.events.LoadOrStore(req.EventID, c); loaded {
		m.versions.CompareAndDelete(v.ID, n)
		return ir.Version{}, ErrStaleBase
	}
	m.link(n)
	return cloneVersion(v), nil
}

// published reports whether n was appended, as opposed to indexed by an
// Append that has not swapped it in yet or lost the swap.
func (m *Memory) published(n *node) bool {
	if n.linked.Load() {
		return true
	}
	c, ok := m.chain(n.chain.id)
	return ok && c == n.chain && n.onChain()
}

// index makes n findable by Get. Get still hides it until it is published.
func (m *Memory) index(n *node) {
	m.versions.LoadOrStore(n.version.ID, n)
}

// link marks n published. An identical version indexed by a concurrent
// Append that lost its swap is replaced.
func (m *Memory) link(n *node) {
	n.linked.Store(true)
	if cur, _ := m.versions.Load(n.version.ID); cur != n {
		m.versions.Store(n.version.ID, n)
	}
}

// Get implements VersionStore. A version is visible from the instant its
// node becomes a head.
func (m *Memory) Get(ctx context.Context, versionID string) (ir.Version, error) {
	if err := ctx.Err(); err != nil {
		return ir.Version{}, err
	}
	val, ok := m.versions.Load(versionID)
	if !ok || !m.published(val.(*node)) {
		return ir.Version{}, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}
	return cloneVersion(val.(*node).version), nil
}

// Event implements VersionStore.
func (m *Memory) Event(ctx context.Context, eventID string) (ir.Event, error) {
	if err := ctx.Err(); err != nil {
		return ir.Event{}, err
	}
	c, ok := m.chain(eventID)
	if !ok {
		return ir.Event{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return c.event(c.head.Load()), nil
}

// Head implements VersionStore.
func (m *Memory) Head(ctx context.Context, eventID string) (ir.Version, error) {
	if err := ctx.Err(); err != nil {
		return ir.Version{}, err
	}
	c, ok := m.chain(eventID)
	if !ok {
		return ir.Version{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return cloneVersion(c.head.Load().version), nil
}

// History implements VersionStore. Each range over the sequence starts from
// the head at that moment; versions appended mid-iteration are not seen.
func (m *Memory) History(ctx context.Context, eventID string) iter.Seq2[ir.Version, error] {
	return func(yield func(ir.Version, error) bool) {
		c, ok := m.chain(eventID)
		if !ok {
			yield(ir.Version{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound))
			return
		}
		for n := c.head.Load(); n != nil; n = n.prev {
			if err := ctx.Err(); err != nil {
				yield(ir.Version{}, err)
				return
			}
			if !yield(cloneVersion(n.version), nil) {
				return
			}
		}
	}
}

// Events implements VersionStore.
func (m *Memory) Events(ctx context.Context) ([]ir.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []ir.Event
	m.events.Range(func(_, val any) bool {
		c := val.(*chain)
		out = append(out, c.event(c.head.Load()))
		return true
	})
	slices.SortFunc(out, func(a, b ir.Event) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) chain(eventID string) (*chain, bool) {
	val, ok := m.events.Load(eventID)
	if !ok {
		return nil, false
	}
	return val.(*chain), true
}

func (c *chain) event(head *node) ir.Event {
	return ir.Event{
		ID:            c.id,
		Owner:         c.owner,
		CreatedAt:     c.createdAt,
		HeadVersionID: head.version.ID,
		HeadSeq:       head.version.Seq,
		Deleted:       head.version.Tombstone,
	}
}

// cloneVersion copies the mutable parts of a version so callers cannot
// reach into stored history.
func cloneVersion(v ir.Version) ir.Version {
	v.Parents = slices.Clone(v.Parents)
	v.Payload = v.Payload.Clone()
	v.Summary.Changes = slices.Clone(v.Summary.Changes)
	return v
}
