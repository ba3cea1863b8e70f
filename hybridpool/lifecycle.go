// File: hybridpool/lifecycle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The liveness loop (spec §4.8), the detach sequence (spec §4.9), and
// Nuke, the "framework" collaborator's teardown routine spec names but
// leaves external.

package hybridpool

import (
	"runtime"
	"time"

	"github.com/crosspool/hybridmem/affinity"
	"github.com/crosspool/hybridmem/control"
	"github.com/crosspool/hybridmem/gpuapi"
	"github.com/crosspool/hybridmem/shm"
)

// livenessLoop periodically re-audits the segment; on failure it nukes the
// region and invalidates. It sleeps before re-acquiring Auditor.mutex
// rather than yield-spinning under it, per the Open Question decision in
// DESIGN.md, to bound the destructor's worst-case wait.
func (p *Pool) livenessLoop() {
	defer close(p.loopDone)

	if p.cfg.PinCPU >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := affinity.SetAffinity(p.cfg.PinCPU); err != nil {
			p.cfg.Logger.Printf("hybridpool: liveness loop affinity pin failed: %v", err)
		}
	}

	for {
		select {
		case <-p.stopSignal:
			return
		case <-time.After(p.cfg.AuditorPollInterval):
		}

		p.auditor.mutex.Lock()
		ok := p.auditor.audit()
		p.auditor.mutex.Unlock()
		if ok {
			continue
		}

		if err := Nuke(p.segment); err != nil {
			p.cfg.Logger.Printf("hybridpool: nuke on peer death failed: %v", err)
		}
		p.auditor.invalidate()
		control.TriggerReload()
		return
	}
}

// Detach runs the destructor sequence of spec §4.9.
func (p *Pool) Detach() error {
	p.mu.Lock()
	cpuRefs := make([]*sharedRef, 0, len(p.ptrs))
	for _, ref := range p.ptrs {
		cpuRefs = append(cpuRefs, ref)
	}
	p.ptrs = make(map[uintptr]*sharedRef)

	gpuRefs := make([]*sharedRef, 0, len(p.handlesGPU))
	for _, ref := range p.handlesGPU {
		gpuRefs = append(gpuRefs, ref)
	}
	p.handlesGPU = make(map[uint64]*sharedRef)
	p.mu.Unlock()

	for _, ref := range cpuRefs {
		ref.release()
	}
	for _, ref := range gpuRefs {
		ref.release()
	}

	if p.attached {
		close(p.stopSignal)
		<-p.loopDone
	}

	p.auditor.mutex.Lock()
	p.auditor.detachPID(p.selfPID)
	if p.cfg.ForceCleanOnDetach {
		p.auditor.clearAllProcesses()
	}
	last := p.auditor.isEmpty()
	if last {
		p.auditor.region[auditorInvalidOff] = 1
	}
	p.auditor.mutex.Unlock()

	if last {
		p.wipeCPUPool()
	}

	p.mu.Lock()
	p.gpuMappedBuffers = make(map[uint64]gpuapi.CpuView)
	dupHandles := p.gpuHandleProcMap
	p.gpuHandleProcMap = make(map[uint64]uint64)
	p.mu.Unlock()

	p.cleanPool(p.gpuPool, last)
	p.cleanPool(p.gpuDeviceLocalPool, last)

	for _, dup := range dupHandles {
		p.device.Free(dup)
	}

	return p.segment.Close()
}

// wipeCPUPool implements spec §4.9 step 4: this was the last process, so
// every shared CPU allocation is destroyed and both registries cleared.
func (p *Pool) wipeCPUPool() {
	p.cpuPool.buffersMutex.Lock()
	p.cpuPool.sizesMutex.Lock()
	n := p.cpuPool.sizesCount()
	for i := int64(0); i < n; i++ {
		offset, size, _ := p.cpuPool.readSizesEntry(i)
		_ = p.segment.DestroyPtr(offset, int(size))
	}
	p.cpuPool.clearFreeList()
	p.cpuPool.clearSizes()
	p.cpuPool.sizesMutex.Unlock()
	p.cpuPool.buffersMutex.Unlock()
}

// cleanPool implements spec §4.9's cleanPool: origin-owned free-list
// entries are freed and dropped; the rest survive so buffers duplicated by
// other processes remain usable. If clearAllocations, the allocation
// registry itself is wiped too (only correct when no process remains).
func (p *Pool) cleanPool(pool *sharedPool, clearAllocations bool) {
	pool.buffersMutex.Lock()
	pool.sizesMutex.Lock()
	pool.removeFreeEntriesByOriginPID(p.selfPID, func(size, offset int64) {
		handle, _ := readGPURecord(p.segment.Bytes(offset, gpuRecordSize))
		p.device.Free(handle)
		_ = p.segment.DestroyPtr(offset, gpuRecordSize)
	})
	if clearAllocations {
		pool.clearSizes()
	}
	pool.sizesMutex.Unlock()
	pool.buffersMutex.Unlock()
}

// Nuke destroys all four named objects in segment, orderly-tearing-down a
// segment an Auditor has marked invalid. It is the "framework" collaborator
// spec §6 leaves external, given a concrete home here since this module has
// no separate framework package to delegate to.
func Nuke(segment shm.Segment) error {
	for _, name := range [...]string{nameCPUPool, nameGPUPool, nameGPUDeviceLocalPool, nameAuditor} {
		if err := segment.Destroy(name); err != nil {
			return err
		}
	}
	return nil
}
