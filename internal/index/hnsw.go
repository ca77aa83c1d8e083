// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package index

import (
	"container/heap"
	"context"
	"hash/fnv"
	"math"
	"slices"

	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// maxLevel caps the layer a node can be assigned to.
const maxLevel = 16

// HNSWConfig configures the HNSW graph.
type HNSWConfig struct {
	M              int     // Max connections per node above layer 0 (default 16)
	EfConstruction int     // Construction search depth (default 200)
	EfSearch       int     // Query search depth (default 50)
	LevelMult      float64 // Level multiplier (default 1/ln(M))

	// MinRecords is the snapshot size below which an exact flat scan is
	// used instead of a graph (default 1024).
	MinRecords int
}

func (c HNSWConfig) withDefaults() HNSWConfig {
	if c.M <= 1 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 50
	}
	if c.LevelMult <= 0 {
		c.LevelMult = 1.0 / math.Log(float64(c.M))
	}
	if c.MinRecords <= 0 {
		c.MinRecords = 1024
	}
	return c
}

// hnswGraph is a Hierarchical Navigable Small World graph over the vectors
// of a snapshot. It is built once and never mutated afterwards, so searches
// need no locking.
//
// Construction is deterministic: nodes are inserted in snapshot order
// (ascending id), levels come from a hash of the id, and every ordering
// decision breaks distance ties by node index.
type hnswGraph struct {
	cfg       HNSWConfig
	metric    vector.Metric
	vectors   [][]float32
	neighbors [][][]uint32 // neighbors[node][level]
	entry     int32        // -1 if empty
	top       int
}

// levelFor derives a node's level from its id.
func levelFor(id string, mult float64) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	u := float64(h.Sum64()>>11) / (1 << 53) // [0, 1)
	level := int(-math.Log(1-u) * mult)
	return min(level, maxLevel)
}

func buildHNSW(ctx context.Context, metric vector.Metric, cfg HNSWConfig, ids []string, vectors [][]float32) (*hnswGraph, error) {
	g := &hnswGraph{
		cfg:       cfg,
		metric:    metric,
		vectors:   vectors,
		neighbors: make([][][]uint32, len(vectors)),
		entry:     -1,
	}
	for i := range vectors {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		g.insert(uint32(i), levelFor(ids[i], cfg.LevelMult))
	}
	return g, nil
}

func (g *hnswGraph) dist(q []float32, idx uint32) float64 {
	return g.metric.Distance(q, g.vectors[idx])
}

func (g *hnswGraph) insert(idx uint32, level int) {
	g.neighbors[idx] = make([][]uint32, level+1)
	for l := range g.neighbors[idx] {
		g.neighbors[idx][l] = make([]uint32, 0, g.cfg.M)
	}

	if g.entry < 0 {
		g.entry = int32(idx)
		g.top = level
		return
	}

	q := g.vectors[idx]
	ep := []candidate{{idx: uint32(g.entry), dist: g.dist(q, uint32(g.entry))}}
	for l := g.top; l > level; l-- {
		ep = g.searchLayer(q, ep, 1, l)
	}

	for l := min(level, g.top); l >= 0; l-- {
		w := g.searchLayer(q, ep, g.cfg.EfConstruction, l)
		selected := w[:min(len(w), g.cfg.M)]
		for _, c := range selected {
			g.neighbors[idx][l] = append(g.neighbors[idx][l], c.idx)
			g.connect(c.idx, idx, l)
		}
		ep = w
	}

	if level > g.top {
		g.top = level
		g.entry = int32(idx)
	}
}

// connect adds a back edge from node to peer and prunes node's list to the
// closest maxConn entries.
func (g *hnswGraph) connect(node, peer uint32, level int) {
	maxConn := g.cfg.M
	if level == 0 {
		maxConn = g.cfg.M * 2
	}
	g.neighbors[node][level] = append(g.neighbors[node][level], peer)
	if len(g.neighbors[node][level]) <= maxConn {
		return
	}

	v := g.vectors[node]
	cands := make([]candidate, len(g.neighbors[node][level]))
	for i, n := range g.neighbors[node][level] {
		cands[i] = candidate{idx: n, dist: g.dist(v, n)}
	}
	slices.SortFunc(cands, compareCandidates)

	kept := g.neighbors[node][level][:0]
	for _, c := range cands[:maxConn] {
		kept = append(kept, c.idx)
	}
	g.neighbors[node][level] = kept
}

// searchLayer is the beam search of the HNSW paper on one layer. It
// returns up to ef candidates in ascending order.
func (g *hnswGraph) searchLayer(q []float32, entries []candidate, ef, level int) []candidate {
	visited := make(map[uint32]struct{}, ef*4)
	cands := make(minHeap, 0, ef)
	results := make(maxHeap, 0, ef+1)
	for _, e := range entries {
		if _, ok := visited[e.idx]; ok {
			continue
		}
		visited[e.idx] = struct{}{}
		heap.Push(&cands, e)
		heap.Push(&results, e)
		if results.Len() > ef {
			heap.Pop(&results)
		}
	}

	for cands.Len() > 0 {
		c := heap.Pop(&cands).(candidate)
		if results.Len() >= ef && compareCandidates(c, results[0]) > 0 {
			break
		}
		if level >= len(g.neighbors[c.idx]) {
			continue
		}
		for _, n := range g.neighbors[c.idx][level] {
			if _, ok := visited[n]; ok {
				continue
			}
			visited[n] = struct{}{}
			nc := candidate{idx: n, dist: g.dist(q, n)}
			if results.Len() < ef || compareCandidates(nc, results[0]) < 0 {
				heap.Push(&cands, nc)
				heap.Push(&results, nc)
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := []candidate(results)
	slices.SortFunc(out, compareCandidates)
	return out
}

// search returns up to ef nearest candidates for q.
func (g *hnswGraph) search(q []float32, ef int) []candidate {
	if g.entry < 0 {
		return nil
	}
	ep := []candidate{{idx: uint32(g.entry), dist: g.dist(q, uint32(g.entry))}}
	for l := g.top; l > 0; l-- {
		ep = g.searchLayer(q, ep, 1, l)
	}
	return g.searchLayer(q, ep, max(ef, g.cfg.EfSearch), 0)
}

// candidate is a node index with its distance to the current query.
type candidate struct {
	idx  uint32
	dist float64
}

// compareCandidates orders by distance, then by node index. Snapshot nodes
// are sorted by id, so index order is id order.
func compareCandidates(a, b candidate) int {
	switch {
	case a.dist < b.dist:
		return -1
	case a.dist > b.dist:
		return 1
	case a.idx < b.idx:
		return -1
	case a.idx > b.idx:
		return 1
	}
	return 0
}

type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return compareCandidates(h[i], h[j]) < 0 }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// maxHeap keeps the worst candidate at the root.
type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return compareCandidates(h[i], h[j]) > 0 }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}
