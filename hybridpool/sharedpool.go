// File: hybridpool/sharedpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// sharedPool is the segment-resident layout backing spec's shared Pool:
// buffers (free-list), sizes (allocation registry), and allocated (byte
// counter). Go cannot place live maps-of-pointers across a process
// boundary the way the source's Boost.Interprocess allocators do, so this
// keeps the free-list and registry as fixed-capacity serialized tables
// inside the segment arena, each guarded by its own ipcsync.Mutex, which is
// the structural equivalent the design notes call for.
//
// Both free-list and registry entries carry an originPID field. The CPU
// pool leaves it at zero; the GPU pools use it for findBuffer's PID-scoped
// scan (spec §4.5).

package hybridpool

import (
	"encoding/binary"
	"fmt"

	"github.com/crosspool/hybridmem/ipcsync"
)

const (
	freeEntrySize  = 24 // size int64 + offset int64 + originPID uint64
	sizesEntrySize = 24 // offset int64 + size int64 + originPID uint64

	poolFreeCapacity  = 512
	poolSizesCapacity = 512

	poolBuffersMutexOff = 0
	poolSizesMutexOff   = ipcsync.MutexSize
	poolAllocatedOff    = 2 * ipcsync.MutexSize
	poolFreeCountOff    = poolAllocatedOff + 8
	poolFreeEntriesOff  = poolFreeCountOff + 8
	poolSizesCountOff   = poolFreeEntriesOff + poolFreeCapacity*freeEntrySize
	poolSizesEntriesOff = poolSizesCountOff + 8

	// PoolRegionSize is the fixed number of bytes a sharedPool occupies in
	// the segment arena.
	PoolRegionSize = poolSizesEntriesOff + poolSizesCapacity*sizesEntrySize
)

type sharedPool struct {
	region        []byte
	buffersMutex  *ipcsync.Mutex
	sizesMutex    *ipcsync.Mutex
}

func attachSharedPool(region []byte) *sharedPool {
	if len(region) < PoolRegionSize {
		panic("hybridpool: pool region too small")
	}
	return &sharedPool{
		region:       region,
		buffersMutex: ipcsync.New(region[poolBuffersMutexOff : poolBuffersMutexOff+ipcsync.MutexSize]),
		sizesMutex:   ipcsync.New(region[poolSizesMutexOff : poolSizesMutexOff+ipcsync.MutexSize]),
	}
}

func (p *sharedPool) allocated() int64 {
	return int64(binary.LittleEndian.Uint64(p.region[poolAllocatedOff:]))
}

func (p *sharedPool) addAllocated(delta int64) {
	v := p.allocated() + delta
	binary.LittleEndian.PutUint64(p.region[poolAllocatedOff:], uint64(v))
}

func (p *sharedPool) freeCount() int64 {
	return int64(binary.LittleEndian.Uint64(p.region[poolFreeCountOff:]))
}

func (p *sharedPool) setFreeCount(n int64) {
	binary.LittleEndian.PutUint64(p.region[poolFreeCountOff:], uint64(n))
}

func (p *sharedPool) freeEntryOffset(i int64) int {
	return poolFreeEntriesOff + int(i)*freeEntrySize
}

func (p *sharedPool) readFreeEntry(i int64) (size, offset int64, originPID uint64) {
	o := p.freeEntryOffset(i)
	size = int64(binary.LittleEndian.Uint64(p.region[o:]))
	offset = int64(binary.LittleEndian.Uint64(p.region[o+8:]))
	originPID = binary.LittleEndian.Uint64(p.region[o+16:])
	return
}

func (p *sharedPool) writeFreeEntry(i, size, offset int64, originPID uint64) {
	o := p.freeEntryOffset(i)
	binary.LittleEndian.PutUint64(p.region[o:], uint64(size))
	binary.LittleEndian.PutUint64(p.region[o+8:], uint64(offset))
	binary.LittleEndian.PutUint64(p.region[o+16:], originPID)
}

// pushFree appends an entry to the free-list. Must be called under
// buffersMutex.
func (p *sharedPool) pushFree(size, offset int64, originPID uint64) error {
	n := p.freeCount()
	if n >= poolFreeCapacity {
		return fmt.Errorf("hybridpool: free-list capacity exhausted (max %d)", poolFreeCapacity)
	}
	p.writeFreeEntry(n, size, offset, originPID)
	p.setFreeCount(n + 1)
	return nil
}

// popFreeLIFO scans the free-list from the tail and removes the first
// entry matching size, implementing spec's per-size LIFO recycling even
// though all sizes share one physical array.
func (p *sharedPool) popFreeLIFO(size int64) (offset int64, ok bool) {
	n := p.freeCount()
	for i := n - 1; i >= 0; i-- {
		s, off, _ := p.readFreeEntry(i)
		if s != size {
			continue
		}
		last := n - 1
		for j := i; j < last; j++ {
			ls, loff, lpid := p.readFreeEntry(j + 1)
			p.writeFreeEntry(j, ls, loff, lpid)
		}
		p.setFreeCount(last)
		return off, true
	}
	return 0, false
}

// popFreeByOriginPID scans the free-list from the tail for the first entry
// matching both size and originPID; used by the GPU pool's findBuffer.
func (p *sharedPool) popFreeByOriginPID(size int64, originPID uint64) (offset int64, ok bool) {
	n := p.freeCount()
	for i := n - 1; i >= 0; i-- {
		s, off, pid := p.readFreeEntry(i)
		if s != size || pid != originPID {
			continue
		}
		last := n - 1
		if i != last {
			ls, loff, lpid := p.readFreeEntry(last)
			p.writeFreeEntry(i, ls, loff, lpid)
		}
		p.setFreeCount(last)
		return off, true
	}
	return 0, false
}

// removeFreeEntriesByOriginPID drops every free-list entry whose
// originPID matches pid, invoking onEach for each removed (size, offset)
// pair before compaction. Used by cleanPool.
func (p *sharedPool) removeFreeEntriesByOriginPID(pid uint64, onEach func(size, offset int64)) {
	n := p.freeCount()
	kept := int64(0)
	for i := int64(0); i < n; i++ {
		size, off, entryPID := p.readFreeEntry(i)
		if entryPID == pid {
			onEach(size, off)
			continue
		}
		if kept != i {
			p.writeFreeEntry(kept, size, off, entryPID)
		}
		kept++
	}
	p.setFreeCount(kept)
}

func (p *sharedPool) clearFreeList() {
	p.setFreeCount(0)
}

func (p *sharedPool) sizesCount() int64 {
	return int64(binary.LittleEndian.Uint64(p.region[poolSizesCountOff:]))
}

func (p *sharedPool) setSizesCount(n int64) {
	binary.LittleEndian.PutUint64(p.region[poolSizesCountOff:], uint64(n))
}

func (p *sharedPool) sizesEntryOffset(i int64) int {
	return poolSizesEntriesOff + int(i)*sizesEntrySize
}

func (p *sharedPool) readSizesEntry(i int64) (offset, size int64, originPID uint64) {
	o := p.sizesEntryOffset(i)
	offset = int64(binary.LittleEndian.Uint64(p.region[o:]))
	size = int64(binary.LittleEndian.Uint64(p.region[o+8:]))
	originPID = binary.LittleEndian.Uint64(p.region[o+16:])
	return
}

func (p *sharedPool) writeSizesEntry(i, offset, size int64, originPID uint64) {
	o := p.sizesEntryOffset(i)
	binary.LittleEndian.PutUint64(p.region[o:], uint64(offset))
	binary.LittleEndian.PutUint64(p.region[o+8:], uint64(size))
	binary.LittleEndian.PutUint64(p.region[o+16:], originPID)
}

// registerSize appends an allocation record. Must be called under
// sizesMutex.
func (p *sharedPool) registerSize(offset, size int64, originPID uint64) error {
	n := p.sizesCount()
	if n >= poolSizesCapacity {
		return fmt.Errorf("hybridpool: sizes registry capacity exhausted (max %d)", poolSizesCapacity)
	}
	p.writeSizesEntry(n, offset, size, originPID)
	p.setSizesCount(n + 1)
	return nil
}

// sizeOf returns the registered size for offset, if present.
func (p *sharedPool) sizeOf(offset int64) (int64, bool) {
	n := p.sizesCount()
	for i := int64(0); i < n; i++ {
		off, size, _ := p.readSizesEntry(i)
		if off == offset {
			return size, true
		}
	}
	return 0, false
}

func (p *sharedPool) clearSizes() {
	p.setSizesCount(0)
	binary.LittleEndian.PutUint64(p.region[poolAllocatedOff:], 0)
}
