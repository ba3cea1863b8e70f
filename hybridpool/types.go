// File: hybridpool/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Local-handle types returned to callers. Go has no destructors, so each
// carries an explicit Release method that must be deferred by the caller;
// this is the same pattern the teacher's api.Buffer uses.

package hybridpool

import "github.com/crosspool/hybridmem/api"

// StreamId identifies a routing stream. Any comparable value works; the
// pool only ever compares by equality.
type StreamId string

// sharedRef is the local mirror of a cross-process reference-counted
// wrapper: a strong reference to one free-list entry, identified by its
// offset and owning pool. Dropping the last local reference invokes
// release, the "reclaimer" of spec §4.3/§4.5: it returns the offset to the
// free-list but never frees segment memory and never decrements allocated.
type sharedRef struct {
	offset    int64
	size      int64
	originPID uint64
	pool      *sharedPool
	released  bool
}

func (r *sharedRef) release() {
	if r.released {
		return
	}
	r.released = true
	r.pool.buffersMutex.Lock()
	_ = r.pool.pushFree(r.size, r.offset, r.originPID)
	r.pool.buffersMutex.Unlock()
}

// Offset returns the byte offset within the owning segment that ref points
// at.
func (r *sharedRef) Offset() int64 { return r.offset }

// Size returns the byte length of the region ref points at.
func (r *sharedRef) Size() int64 { return r.size }

// OriginPID returns the PID of the process that originally allocated the
// region ref points at.
func (r *sharedRef) OriginPID() uint64 { return r.originPID }

// Ref is the serializable form of a sharedRef: the three primitives needed
// to carry a reference across an OS process boundary (spec §4.6/§4.7,
// scenario S4). A real transport marshals a Ref and a peer reconstructs the
// local wrapper from it with Pool.WrapCPURef/WrapGPURef.
type Ref struct {
	Offset    int64
	Size      int64
	OriginPID uint64
}

// ToRef converts r to its serializable form.
func (r *sharedRef) ToRef() Ref {
	return Ref{Offset: r.offset, Size: r.size, OriginPID: r.originPID}
}

// CpuBuffer is a locally-owned handle over either a shared byte region or,
// on fallback, a process-local buffer. Equality of two CpuBuffers drawn
// from the shared pool is equality of rawAddr (spec §3's "equality by
// underlying pointer").
type CpuBuffer struct {
	data    []byte
	rawAddr uintptr
	pool    *Pool
	isLocal bool
	localBuf api.Buffer
	valid   bool
}

// Bytes returns the buffer's backing storage.
func (b *CpuBuffer) Bytes() []byte { return b.data }

// Valid reports whether the buffer refers to live backing storage.
func (b *CpuBuffer) Valid() bool { return b.valid }

// Release returns the buffer to whichever allocator produced it. Must not
// be called more than once.
func (b *CpuBuffer) Release() {
	if !b.valid {
		return
	}
	b.valid = false
	if b.isLocal {
		b.localBuf.Release()
		return
	}
	b.pool.destroyLocalCPU(b.rawAddr)
}

// GpuBuffer is a locally-owned handle over a GPU allocation, carrying the
// OS-level handle visible in this process and, for host-visible
// allocations, the mapped CPU view.
type GpuBuffer struct {
	handle          uint64
	size            int64
	memoryTypeIndex uint32
	originPID       uint64
	cpuView         []byte
	pool            *Pool
	valid           bool
}

// Bytes returns the host-visible mapping, or nil for a device-local buffer.
func (b *GpuBuffer) Bytes() []byte { return b.cpuView }

// Handle returns the OS-level external-memory handle visible in this
// process.
func (b *GpuBuffer) Handle() uint64 { return b.handle }

// Valid reports whether the buffer refers to a live GPU allocation.
func (b *GpuBuffer) Valid() bool { return b.valid }

// Release returns the buffer to its GPU pool's free-list.
func (b *GpuBuffer) Release() {
	if !b.valid {
		return
	}
	b.valid = false
	b.pool.destroyLocalGPU(b.handle)
}
