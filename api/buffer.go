// Package api
// Author: momentics
//
// Zero-copy memory buffer contracts shared between the shared-memory pool,
// the local fallback allocator, and callers. A Buffer is a locally-owned
// handle: Release returns it to whichever pool produced it and must not be
// called more than once.

package api

// Buffer describes a byte-backed handle returned by a pool.
type Buffer interface {
	// Bytes returns a view of the buffer's data.
	Bytes() []byte

	// Release returns the buffer to its owning pool. After Release, the
	// buffer must not be used.
	Release()

	// Valid reports whether the buffer refers to live backing storage.
	// A zero-value Buffer (e.g. returned on budget exhaustion) is invalid.
	Valid() bool
}

// BufferPool abstracts byte-buffer allocation and recycling.
type BufferPool interface {
	// Get returns a buffer of at least size bytes.
	Get(size int) Buffer

	// Put returns a buffer to the pool; it must not be used afterwards.
	Put(b Buffer)

	// Stats exposes resource/accounting metrics for observability.
	Stats() BufferPoolStats
}

// BufferPoolStats aggregates buffer allocation/reuse stats.
type BufferPoolStats struct {
	TotalAlloc int64
	TotalFree  int64
	InUse      int64
}
