package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coedit/internal/ir"
)

func TestMemoryGetHidesUnpublishedNode(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	v1, err := m.Append(ctx, createReq("ev-1", ir.Object{"title": ir.String("A")}))
	require.NoError(t, err)

	c, ok := m.chain("ev-1")
	require.True(t, ok)
	head := c.head.Load()
	v2, err := nextReq("ev-1", v1.ID, "bob", ir.Object{"title": ir.String("B")}).build(2)
	require.NoError(t, err)
	n := &node{version: v2, prev: head, chain: c}

	m.index(n)
	_, err = m.Get(ctx, v2.ID)
	assert.ErrorIs(t, err, ErrNotFound, "indexed but not yet the head")

	require.True(t, c.head.CompareAndSwap(head, n))
	got, err := m.Get(ctx, v2.ID)
	require.NoError(t, err, "the head must be readable before the append returns")
	assert.Equal(t, v2.ID, got.ID)

	m.link(n)
	got, err = m.Get(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, got.ID)
}

func TestMemoryHeadAlwaysReadable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	v1, err := m.Append(ctx, createReq("ev-1", ir.Object{"title": ir.String("A")}))
	require.NoError(t, err)

	const writes = 200
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		parent := v1.ID
		for i := range writes {
			v, err := m.Append(ctx, nextReq("ev-1", parent, "bob", ir.Object{"title": ir.String("A"), "n": ir.Int(int64(i))}))
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
			parent = v.ID
		}
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			ev, err := m.Event(ctx, "ev-1")
			require.NoError(t, err)
			assert.Equal(t, int64(writes+1), ev.HeadSeq)
			return
		default:
		}
		ev, err := m.Event(ctx, "ev-1")
		require.NoError(t, err)
		_, err = m.Get(ctx, ev.HeadVersionID)
		require.NoError(t, err, "head %s seq %d", ev.HeadVersionID, ev.HeadSeq)
	}
}
