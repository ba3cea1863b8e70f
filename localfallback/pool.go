// File: localfallback/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package localfallback is the purely local allocator the pool falls back
// to when a stream is gated off the shared pool, or when the shared pool
// is exhausted or invalidated. It never touches the segment.

package localfallback

import (
	"sync"

	"github.com/crosspool/hybridmem/api"
)

// Pool hands out process-local []byte buffers from a size-bucketed
// sync.Pool, matching the non-NUMA half of the teacher's hugepage-free
// bufferpool: a plain Get/recycle path with no segment, no budget, no
// cross-process bookkeeping.
type Pool struct {
	mu      sync.Mutex
	buckets map[int]*sync.Pool
	stats   api.BufferPoolStats
}

var _ api.BufferPool = (*Pool)(nil)

// New creates an empty local fallback pool.
func New() *Pool {
	return &Pool{buckets: make(map[int]*sync.Pool)}
}

type localBuffer struct {
	data  []byte
	size  int
	pool  *Pool
	valid bool
}

func (b *localBuffer) Bytes() []byte { return b.data }
func (b *localBuffer) Valid() bool   { return b.valid }
func (b *localBuffer) Release() {
	if !b.valid {
		return
	}
	b.valid = false
	b.pool.put(b.size, b.data)
}

func (p *Pool) bucket(size int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.buckets[size]
	if !ok {
		sp = &sync.Pool{New: func() any { return make([]byte, size) }}
		p.buckets[size] = sp
	}
	return sp
}

// Get returns a buffer of exactly size bytes, reused from a prior Release
// of the same size when available.
func (p *Pool) Get(size int) api.Buffer {
	data := p.bucket(size).Get().([]byte)

	p.mu.Lock()
	p.stats.TotalAlloc++
	p.stats.InUse++
	p.mu.Unlock()

	return &localBuffer{data: data, size: size, pool: p, valid: true}
}

func (p *Pool) put(size int, data []byte) {
	p.bucket(size).Put(data)

	p.mu.Lock()
	p.stats.TotalFree++
	p.stats.InUse--
	p.mu.Unlock()
}

// Put returns b to the pool it came from; b must not be used afterwards.
func (p *Pool) Put(b api.Buffer) {
	b.Release()
}

// Stats reports allocation/reuse counters.
func (p *Pool) Stats() api.BufferPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
