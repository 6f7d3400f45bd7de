// Package distrib coordinates the processes of a data-parallel run:
// gathering values onto rank 0, barriers, and merging gathered results.
package distrib

import (
	"context"
	"fmt"
	"sync"
)

// #region group
// Group is one process's handle on the collective. Every rank must issue
// the same sequence of Gather and Barrier calls.
type Group interface {
	Rank() int
	Size() int
	// Gather sends payload to rank 0. Rank 0 receives every payload in
	// rank order; other ranks receive nil.
	Gather(ctx context.Context, payload []byte) ([][]byte, error)
	// Barrier blocks until every rank has reached it.
	Barrier(ctx context.Context) error
	Close() error
}
// #endregion group

// #region hub
// hub matches collective calls of all ranks by sequence number.
type hub struct {
	size int

	mu       sync.Mutex
	gathers  map[uint64]*round
	barriers map[uint64]*round
}

type round struct {
	payloads [][]byte
	arrived  int
	done     chan struct{}
}

func newHub(size int) *hub {
	return &hub{size: size, gathers: make(map[uint64]*round), barriers: make(map[uint64]*round)}
}

func (h *hub) arrive(rounds map[uint64]*round, seq uint64, rank int, payload []byte) (*round, error) {
	if rank < 0 || rank >= h.size {
		return nil, fmt.Errorf("rank %d outside group of size %d", rank, h.size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := rounds[seq]
	if !ok {
		r = &round{payloads: make([][]byte, h.size), done: make(chan struct{})}
		rounds[seq] = r
	}
	if r.payloads[rank] != nil {
		return nil, fmt.Errorf("rank %d arrived twice at collective %d", rank, seq)
	}
	if payload == nil {
		payload = []byte{}
	}
	r.payloads[rank] = payload
	r.arrived++
	if r.arrived == h.size {
		close(r.done)
	}
	return r, nil
}

// gather deposits payload; only rank 0 waits for the others.
func (h *hub) gather(ctx context.Context, seq uint64, rank int, payload []byte) ([][]byte, error) {
	r, err := h.arrive(h.gathers, seq, rank, payload)
	if err != nil {
		return nil, err
	}
	if rank != 0 {
		return nil, nil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	delete(h.gathers, seq)
	h.mu.Unlock()
	return r.payloads, nil
}

func (h *hub) barrier(ctx context.Context, seq uint64, rank int) error {
	r, err := h.arrive(h.barriers, seq, rank, nil)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if rank == 0 {
		h.mu.Lock()
		delete(h.barriers, seq)
		h.mu.Unlock()
	}
	return nil
}
// #endregion hub

// #region local
// localGroup is a rank of an in-process group.
type localGroup struct {
	hub        *hub
	rank       int
	gatherSeq  uint64
	barrierSeq uint64
}

// NewLocalGroups returns n groups sharing one in-process collective, one
// per rank. Each must be driven from its own goroutine.
func NewLocalGroups(n int) []Group {
	h := newHub(n)
	out := make([]Group, n)
	for i := range out {
		out[i] = &localGroup{hub: h, rank: i}
	}
	return out
}

func (g *localGroup) Rank() int { return g.rank }
func (g *localGroup) Size() int { return g.hub.size }

func (g *localGroup) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	g.gatherSeq++
	return g.hub.gather(ctx, g.gatherSeq, g.rank, payload)
}

func (g *localGroup) Barrier(ctx context.Context) error {
	g.barrierSeq++
	return g.hub.barrier(ctx, g.barrierSeq, g.rank)
}

func (g *localGroup) Close() error { return nil }
// #endregion local

// #region single
// single is the trivial group of a non-distributed run.
type single struct{}

// Single returns the group of a run with one process.
func Single() Group { return single{} }

func (single) Rank() int { return 0 }
func (single) Size() int { return 1 }
func (single) Gather(_ context.Context, payload []byte) ([][]byte, error) {
	return [][]byte{payload}, nil
}
func (single) Barrier(context.Context) error { return nil }
func (single) Close() error                  { return nil }
// #endregion single
