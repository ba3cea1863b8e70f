// File: gpuapi/mock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//go:build !cuda
// +build !cuda

package gpuapi

import (
	"os"
	"sync"
	"sync/atomic"
)

// MockDevice stands in for a real accelerator when the binary is built
// without the cuda tag. It hands out plain Go memory in place of external
// memory handles so the rest of the pool's GPU path can be exercised
// without hardware. IsActive reports false until ForceActive(true), so the
// default build surfaces "graphics inactive" exactly as spec'd for a host
// with no GPU.
//
// Each allocation's exported handle is the read end of a real OS pipe
// rather than an opaque counter: oshandle.Duplicate dups an actual
// descriptor/HANDLE out of /proc/<pid>/fd (POSIX) or DuplicateHandle
// (Windows), so CreateLocalGPU's cross-process duplication path has a
// genuine OS object to operate on even against this mock.
type MockDevice struct {
	active int32
	mu     sync.Mutex
	allocs map[uint64]*mockAlloc
}

type mockAlloc struct {
	data []byte
	r, w *os.File
}

// NewMockDevice returns a Device backed by ordinary heap memory.
func NewMockDevice() *MockDevice {
	return &MockDevice{allocs: make(map[uint64]*mockAlloc)}
}

// NewDevice selects this build's Device implementation. Non-cuda builds
// always return a MockDevice, inactive until ForceActive(true).
func NewDevice() Device {
	return NewMockDevice()
}

// ForceActive flips IsActive for tests exercising the GPU path.
func (d *MockDevice) ForceActive(active bool) {
	if active {
		atomic.StoreInt32(&d.active, 1)
	} else {
		atomic.StoreInt32(&d.active, 0)
	}
}

func (d *MockDevice) IsActive() bool { return atomic.LoadInt32(&d.active) != 0 }

func (d *MockDevice) Allocate(size int64, deviceLocal bool) (uint64, uint32, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return 0, 0, err
	}
	handle := uint64(r.Fd())

	d.mu.Lock()
	d.allocs[handle] = &mockAlloc{data: make([]byte, size), r: r, w: w}
	d.mu.Unlock()

	var memType uint32
	if deviceLocal {
		memType = 1
	}
	return handle, memType, nil
}

func (d *MockDevice) Map(handle uint64, size int64, memoryTypeIndex uint32) (CpuView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	alloc, ok := d.allocs[handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return &mockView{data: alloc.data[:size]}, nil
}

func (d *MockDevice) Free(handle uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	alloc, ok := d.allocs[handle]
	if !ok {
		return
	}
	delete(d.allocs, handle)
	_ = alloc.r.Close()
	_ = alloc.w.Close()
}

type mockView struct{ data []byte }

func (v *mockView) Bytes() []byte { return v.data }
func (v *mockView) Unmap()        {}
