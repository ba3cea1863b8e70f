// File: gpuapi/cuda.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//go:build cuda
// +build cuda

package gpuapi

/*
#cgo LDFLAGS: -lcudart
#include <cuda_runtime.h>
#include <stdlib.h>

static int go_cuda_alloc(size_t size, void** outPtr, int* outMemType) {
	cudaError_t err = cudaMalloc(outPtr, size);
	if (err != cudaSuccess) {
		return -1;
	}
	*outMemType = 0;
	return 0;
}

static int go_cuda_ipc_handle(void* ptr, cudaIpcMemHandle_t* outHandle) {
	cudaError_t err = cudaIpcGetMemHandle(outHandle, ptr);
	return err == cudaSuccess ? 0 : -1;
}

static void go_cuda_free(void* ptr) {
	cudaFree(ptr);
}
*/
import "C"

import (
	"sync"
	"unsafe"
)

// CudaDevice binds Allocate/Free to cudaMalloc/cudaFree. Handles are the
// raw device pointer value reinterpreted as uint64, and that same value is
// what the pool passes to oshandle.Duplicate. The go_cuda_ipc_handle helper
// above is not called, so no cudaIpcMemHandle_t export token is produced.
// Allocate ignores deviceLocal.
type CudaDevice struct {
	mu      sync.Mutex
	ptrs    map[uint64]unsafe.Pointer
	sizes   map[uint64]int64
	active  bool
}

// NewCudaDevice probes CUDA availability and returns a ready Device.
func NewCudaDevice() *CudaDevice {
	return &CudaDevice{
		ptrs:   make(map[uint64]unsafe.Pointer),
		sizes:  make(map[uint64]int64),
		active: C.cudaSetDevice(0) == C.cudaSuccess,
	}
}

// NewDevice selects this build's Device implementation. Cuda builds probe
// the real device.
func NewDevice() Device {
	return NewCudaDevice()
}

func (d *CudaDevice) IsActive() bool { return d.active }

func (d *CudaDevice) Allocate(size int64, deviceLocal bool) (uint64, uint32, error) {
	if !d.active {
		return 0, 0, ErrUnknownHandle
	}
	var ptr unsafe.Pointer
	var memType C.int
	if C.go_cuda_alloc(C.size_t(size), &ptr, &memType) != 0 {
		return 0, 0, ErrUnknownHandle
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	handle := uint64(uintptr(ptr))
	d.ptrs[handle] = ptr
	d.sizes[handle] = size
	return handle, uint32(memType), nil
}

func (d *CudaDevice) Map(handle uint64, size int64, memoryTypeIndex uint32) (CpuView, error) {
	d.mu.Lock()
	ptr, ok := d.ptrs[handle]
	d.mu.Unlock()
	if !ok {
		return nil, ErrUnknownHandle
	}
	return &cudaView{data: unsafe.Slice((*byte)(ptr), int(size))}, nil
}

func (d *CudaDevice) Free(handle uint64) {
	d.mu.Lock()
	ptr, ok := d.ptrs[handle]
	delete(d.ptrs, handle)
	delete(d.sizes, handle)
	d.mu.Unlock()
	if ok {
		C.go_cuda_free(ptr)
	}
}

type cudaView struct{ data []byte }

func (v *cudaView) Bytes() []byte { return v.data }
func (v *cudaView) Unmap()        {}
