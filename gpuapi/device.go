// File: gpuapi/device.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package gpuapi is the graphics-API collaborator named in the pool's
// external interfaces: allocate, export, map, and free external-memory
// handles. Exactly one backend is compiled in per binary, selected by the
// cuda build tag.

package gpuapi

import "errors"

// ErrUnknownHandle is returned by Map/Free for a handle the device never
// allocated (or already freed).
var ErrUnknownHandle = errors.New("gpuapi: unknown handle")

// Device is the graphics-API utility contract: allocate, export, map, and
// free external-memory handles.
type Device interface {
	// IsActive reports whether the graphics API is initialized and usable.
	IsActive() bool

	// Allocate reserves size bytes of external memory, device-local if
	// deviceLocal is set. Returns handle == 0 on failure.
	Allocate(size int64, deviceLocal bool) (handle uint64, memoryTypeIndex uint32, err error)

	// Map returns a CPU-visible view of a host-visible allocation. Not
	// called for device-local allocations.
	Map(handle uint64, size int64, memoryTypeIndex uint32) (CpuView, error)

	// Free releases an allocation. Must be called only by the process that
	// allocated handle.
	Free(handle uint64)
}

// CpuView is a CPU-mapped window onto GPU memory.
type CpuView interface {
	Bytes() []byte
	Unmap()
}
