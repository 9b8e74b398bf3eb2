// Package comm provides the collective-communication primitives shared
// by the tensor-parallel device workers. All participating ranks execute
// the same step program; every collective is a synchronization point and
// every rank must call it, in the same order, with buffers of the same
// length. The implementation is in-process (channel-free cyclic barriers
// over a shared arena) but the Communicator surface is what a hardware
// backend would implement.
package comm

import (
	"sync"
	"time"

	"github.com/loomworks/loom/internal/metrics"
)

// Group owns the shared reduction arena for a set of ranks.
type Group struct {
	n int

	arrive, release *barrier

	slots  [][]float32
	result []float32

	argVal []float32
	argIdx []int

	argValRes float32
	argIdxRes int
}

// NewGroup creates the communicator group for n lock-step ranks.
func NewGroup(n int) *Group {
	if n < 1 {
		n = 1
	}
	return &Group{
		n:       n,
		arrive:  newBarrier(n),
		release: newBarrier(n),
		slots:   make([][]float32, n),
		argVal:  make([]float32, n),
		argIdx:  make([]int, n),
	}
}

// Size reports the number of participating ranks.
func (g *Group) Size() int { return g.n }

// Rank returns the communicator handle for one rank.
func (g *Group) Rank(r int) *Communicator {
	return &Communicator{g: g, rank: r}
}

// Communicator is one rank's handle into the group.
type Communicator struct {
	g    *Group
	rank int
}

func (c *Communicator) RankID() int { return c.rank }

// Barrier blocks until every rank has arrived.
func (c *Communicator) Barrier() {
	if c.g.n == 1 {
		return
	}
	c.g.arrive.await()
	c.g.release.await()
}

// AllReduceSum replaces buf on every rank with the element-wise sum of
// all ranks' buffers. This is the block-boundary reassembly primitive
// after row-parallel projections.
func (c *Communicator) AllReduceSum(buf []float32) {
	if c.g.n == 1 {
		return
	}
	start := time.Now()
	g := c.g
	g.slots[c.rank] = buf
	g.arrive.await()
	if c.rank == 0 {
		g.ensureResult(len(buf))
		copy(g.result, g.slots[0])
		for r := 1; r < g.n; r++ {
			other := g.slots[r]
			for i, v := range other {
				g.result[i] += v
			}
		}
	}
	g.release.await()
	copy(buf, g.result[:len(buf)])
	metrics.RecordCollective("all_reduce_sum", time.Since(start))
}

// AllGather concatenates every rank's local buffer in rank order and
// returns the full vector on all ranks. local must be the same length
// on every rank.
func (c *Communicator) AllGather(local []float32) []float32 {
	if c.g.n == 1 {
		out := make([]float32, len(local))
		copy(out, local)
		return out
	}
	start := time.Now()
	g := c.g
	g.slots[c.rank] = local
	g.arrive.await()
	if c.rank == 0 {
		g.ensureResult(len(local) * g.n)
		for r := 0; r < g.n; r++ {
			copy(g.result[r*len(local):], g.slots[r])
		}
	}
	g.release.await()
	out := make([]float32, len(local)*g.n)
	copy(out, g.result[:len(out)])
	metrics.RecordCollective("all_gather", time.Since(start))
	return out
}

// Broadcast copies root's buffer to every rank.
func (c *Communicator) Broadcast(buf []float32, root int) {
	if c.g.n == 1 {
		return
	}
	start := time.Now()
	g := c.g
	if c.rank == root {
		g.slots[root] = buf
	}
	g.arrive.await()
	if c.rank == 0 {
		g.ensureResult(len(g.slots[root]))
		copy(g.result, g.slots[root])
	}
	g.release.await()
	copy(buf, g.result[:len(buf)])
	metrics.RecordCollective("broadcast", time.Since(start))
}

// AllReduceArgMax merges per-rank (value, global index) candidates and
// returns the pair with the largest value on every rank. Ties resolve
// to the lowest index so greedy decoding stays deterministic regardless
// of rank scheduling. This is the on-device sampling reduce.
func (c *Communicator) AllReduceArgMax(val float32, idx int) (float32, int) {
	if c.g.n == 1 {
		return val, idx
	}
	start := time.Now()
	g := c.g
	g.argVal[c.rank] = val
	g.argIdx[c.rank] = idx
	g.arrive.await()
	if c.rank == 0 {
		bestVal, bestIdx := g.argVal[0], g.argIdx[0]
		for r := 1; r < g.n; r++ {
			v, i := g.argVal[r], g.argIdx[r]
			if v > bestVal || (v == bestVal && i < bestIdx) {
				bestVal, bestIdx = v, i
			}
		}
		g.argValRes, g.argIdxRes = bestVal, bestIdx
	}
	g.release.await()
	metrics.RecordCollective("all_reduce_arg_max", time.Since(start))
	return g.argValRes, g.argIdxRes
}

func (g *Group) ensureResult(n int) {
	if cap(g.result) < n {
		g.result = make([]float32, n)
	}
	g.result = g.result[:n]
}

// barrier is a reusable cyclic barrier.
type barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	gen   uint64
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) await() {
	b.mu.Lock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
	} else {
		for gen == b.gen {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}
