// File: hybridpool/poolgpu.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// GPU pool paths: findBuffer's PID-scoped fast path, the allocate-fresh
// slow path, cross-process duplication (createLocal), and conversion.

package hybridpool

import (
	"github.com/crosspool/hybridmem/api"
	"github.com/crosspool/hybridmem/oshandle"
)

func (p *Pool) gpuPoolFor(deviceLocal bool) *sharedPool {
	if deviceLocal {
		return p.gpuDeviceLocalPool
	}
	return p.gpuPool
}

// GetGpuBufferFromPool implements spec §4.5.
func (p *Pool) GetGpuBufferFromPool(n int64, deviceLocal bool) *GpuBuffer {
	if !p.device.IsActive() {
		return &GpuBuffer{valid: false}
	}
	pool := p.gpuPoolFor(deviceLocal)

	if offset, ok := p.findBuffer(pool, n); ok {
		return p.finishGPURequest(pool, offset, n, p.selfPID, deviceLocal)
	}
	return p.gpuSlowPath(pool, n, deviceLocal)
}

// findBuffer implements spec §4.5's fast path: scan the free-list for the
// first entry whose originPID is the local PID. Foreign entries are left
// in place (the §9 open question this module resolves by never compacting
// them — see DESIGN.md).
func (p *Pool) findBuffer(pool *sharedPool, n int64) (offset int64, ok bool) {
	pool.buffersMutex.Lock()
	defer pool.buffersMutex.Unlock()
	return pool.popFreeByOriginPID(n, p.selfPID)
}

func (p *Pool) gpuSlowPath(pool *sharedPool, n int64, deviceLocal bool) *GpuBuffer {
	pool.sizesMutex.Lock()
	if pool.allocated()+n >= p.cfg.GPUBudgetBytes {
		pool.sizesMutex.Unlock()
		return &GpuBuffer{valid: false}
	}

	handle, memType, err := p.device.Allocate(n, deviceLocal)
	if err != nil || handle == 0 {
		pool.sizesMutex.Unlock()
		return &GpuBuffer{valid: false}
	}

	recOffset, err := p.segment.ConstructAnonymous(gpuRecordSize)
	if err != nil {
		pool.sizesMutex.Unlock()
		return &GpuBuffer{valid: false}
	}
	writeGPURecord(p.segment.Bytes(recOffset, gpuRecordSize), handle, memType)

	if err := pool.registerSize(recOffset, n, p.selfPID); err != nil {
		pool.sizesMutex.Unlock()
		return &GpuBuffer{valid: false}
	}
	pool.addAllocated(n)
	pool.sizesMutex.Unlock()

	var view []byte
	if !deviceLocal {
		cpuView, err := p.device.Map(handle, n, memType)
		if err != nil {
			return &GpuBuffer{valid: false}
		}
		p.mu.Lock()
		p.gpuMappedBuffers[handle] = cpuView
		p.mu.Unlock()
		view = cpuView.Bytes()
	}

	ref := &sharedRef{offset: recOffset, size: n, originPID: p.selfPID, pool: pool}
	p.mu.Lock()
	p.handlesGPU[handle] = ref
	p.mu.Unlock()

	return &GpuBuffer{
		handle:          handle,
		size:            n,
		memoryTypeIndex: memType,
		originPID:       p.selfPID,
		cpuView:         view,
		pool:            p,
		valid:           true,
	}
}

// finishGPURequest builds the local handle for a GPU offset popped from
// the free-list by findBuffer: since it only ever matches entries owned by
// the local PID, the handle and mapping are already this process's own.
func (p *Pool) finishGPURequest(pool *sharedPool, offset, n int64, originPID uint64, deviceLocal bool) *GpuBuffer {
	rec := p.segment.Bytes(offset, gpuRecordSize)
	handle, memType := readGPURecord(rec)

	ref := &sharedRef{offset: offset, size: n, originPID: originPID, pool: pool}
	p.mu.Lock()
	p.handlesGPU[handle] = ref
	view, hasView := p.gpuMappedBuffers[handle]
	p.mu.Unlock()

	var bytes []byte
	if hasView {
		bytes = view.Bytes()
	}

	return &GpuBuffer{
		handle:          handle,
		size:            n,
		memoryTypeIndex: memType,
		originPID:       originPID,
		cpuView:         bytes,
		pool:            p,
		valid:           true,
	}
}

// destroyLocalGPU erases the local reference and triggers the reclaimer.
func (p *Pool) destroyLocalGPU(handle uint64) {
	p.mu.Lock()
	ref, ok := p.handlesGPU[handle]
	delete(p.handlesGPU, handle)
	p.mu.Unlock()
	if ok {
		ref.release()
	}
}

// CreateLocalGPU implements spec §4.6: make a shared GPU wrapper received
// from elsewhere usable in this process, duplicating the external-memory
// handle if it has not already been duplicated.
func (p *Pool) CreateLocalGPU(ref *sharedRef, deviceLocal bool) (*GpuBuffer, error) {
	rec := p.segment.Bytes(ref.offset, gpuRecordSize)
	originHandle, memType := readGPURecord(rec)

	p.mu.Lock()
	localHandle, known := p.gpuHandleProcMap[originHandle]
	p.mu.Unlock()

	if !known {
		dup, err := oshandle.Duplicate(ref.originPID, originHandle)
		if err != nil {
			return nil, api.NewError(api.ErrCodeHandleDuplication, api.ErrHandleDuplication.Error()).
				WithContext("originPID", ref.originPID).
				WithContext("handle", originHandle).
				WithContext("cause", err.Error())
		}
		localHandle = dup
		p.mu.Lock()
		p.gpuHandleProcMap[originHandle] = localHandle
		p.mu.Unlock()
	}

	p.mu.Lock()
	view, hasView := p.gpuMappedBuffers[localHandle]
	p.mu.Unlock()
	if !hasView && !deviceLocal {
		cpuView, err := p.device.Map(localHandle, ref.size, memType)
		if err != nil {
			return nil, api.NewError(api.ErrCodeGraphicsInactive, api.ErrGraphicsInactive.Error()).
				WithContext("handle", localHandle).
				WithContext("cause", err.Error())
		}
		p.mu.Lock()
		p.gpuMappedBuffers[localHandle] = cpuView
		p.mu.Unlock()
		view = cpuView
	}

	p.mu.Lock()
	p.handlesGPU[localHandle] = ref
	p.mu.Unlock()

	var bytes []byte
	if view != nil {
		bytes = view.Bytes()
	}

	return &GpuBuffer{
		handle:          localHandle,
		size:            ref.size,
		memoryTypeIndex: memType,
		originPID:       ref.originPID,
		cpuView:         bytes,
		pool:            p,
		valid:           true,
	}, nil
}

// ConvertGPU implements spec §4.7's convert(GpuBuffer).
func (p *Pool) ConvertGPU(b *GpuBuffer) *sharedRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlesGPU[b.handle]
}

// IsGpuBufferFromPool reports whether b is backed by a shared-pool
// reference.
func (p *Pool) IsGpuBufferFromPool(b *GpuBuffer) bool {
	return p.ConvertGPU(b) != nil
}
