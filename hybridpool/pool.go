// File: hybridpool/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pool is the hybrid memory pool's core: attach sequence, CPU request path,
// and stream gating. GPU paths live in poolgpu.go; the liveness loop and
// detach sequence live in lifecycle.go.

package hybridpool

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/crosspool/hybridmem/api"
	"github.com/crosspool/hybridmem/gpuapi"
	"github.com/crosspool/hybridmem/localfallback"
	"github.com/crosspool/hybridmem/shm"
)

// Config carries the pool's fixed-for-lifetime settings.
type Config struct {
	CPUBudgetBytes      int64
	GPUBudgetBytes      int64
	MaxSHMUsageFrac     float64
	EnableAuditorLoop   bool
	ForceCleanOnDetach  bool
	AuditorPollInterval time.Duration
	RateLimitWindow     time.Duration
	RateLimitMax        int
	Logger              *log.Logger

	// PinCPU, if >= 0, pins the liveness loop's OS thread to this logical
	// CPU (spec §4.10's CPUAffinity). Negative disables pinning.
	PinCPU int
}

// DefaultConfig returns the pool's default settings. Attach separately fills
// in defaults for zero-valued fields of the Config it is given.
func DefaultConfig() Config {
	return Config{
		CPUBudgetBytes:      1 << 20,
		GPUBudgetBytes:      16 << 20,
		MaxSHMUsageFrac:     DefaultMaxSHMUsageFrac,
		EnableAuditorLoop:   true,
		AuditorPollInterval: DefaultAuditorPollInterval,
		RateLimitWindow:     time.Second,
		RateLimitMax:        1,
		Logger:              log.Default(),
		PinCPU:              -1,
	}
}

// Pool is the attached, per-process view of a hybrid memory pool segment.
type Pool struct {
	segment shm.Segment
	device  gpuapi.Device
	cfg     Config

	cpuPool            *sharedPool
	gpuPool            *sharedPool
	gpuDeviceLocalPool *sharedPool
	auditor            *Auditor

	localFallback *localfallback.Pool

	mu               sync.Mutex
	ptrs             map[uintptr]*sharedRef
	handlesGPU       map[uint64]*sharedRef
	gpuMappedBuffers map[uint64]gpuapi.CpuView
	gpuHandleProcMap map[uint64]uint64

	streamMu     sync.RWMutex
	streamActive map[StreamId]bool

	limiter *rateLimiter

	attached   bool
	selfPID    uint64
	stopSignal chan struct{}
	loopDone   chan struct{}
}

// Attach resolves or constructs the segment's four named objects and joins
// the auditor's process set, matching spec §4.1 exactly: if the audit
// fails at join time, the segment is marked invalid and this process
// operates local-only from the start.
func Attach(segment shm.Segment, device gpuapi.Device, cfg Config) (*Pool, error) {
	if cfg.CPUBudgetBytes == 0 && cfg.GPUBudgetBytes == 0 {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.MaxSHMUsageFrac == 0 {
		cfg.MaxSHMUsageFrac = DefaultMaxSHMUsageFrac
	}
	if cfg.AuditorPollInterval == 0 {
		cfg.AuditorPollInterval = DefaultAuditorPollInterval
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Second
	}
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 1
	}

	cpuOff, _, err := segment.FindOrConstruct(nameCPUPool, PoolRegionSize)
	if err != nil {
		return nil, fmt.Errorf("hybridpool: attach cpu pool: %w", err)
	}
	gpuOff, _, err := segment.FindOrConstruct(nameGPUPool, PoolRegionSize)
	if err != nil {
		return nil, fmt.Errorf("hybridpool: attach gpu pool: %w", err)
	}
	gpuDLOff, _, err := segment.FindOrConstruct(nameGPUDeviceLocalPool, PoolRegionSize)
	if err != nil {
		return nil, fmt.Errorf("hybridpool: attach gpu device-local pool: %w", err)
	}
	auditorOff, _, err := segment.FindOrConstruct(nameAuditor, AuditorRegionSize)
	if err != nil {
		return nil, fmt.Errorf("hybridpool: attach auditor: %w", err)
	}

	p := &Pool{
		segment:            segment,
		device:             device,
		cfg:                cfg,
		cpuPool:            attachSharedPool(segment.Bytes(cpuOff, PoolRegionSize)),
		gpuPool:            attachSharedPool(segment.Bytes(gpuOff, PoolRegionSize)),
		gpuDeviceLocalPool: attachSharedPool(segment.Bytes(gpuDLOff, PoolRegionSize)),
		auditor:            attachAuditor(segment.Bytes(auditorOff, AuditorRegionSize)),
		localFallback:      localfallback.New(),
		ptrs:               make(map[uintptr]*sharedRef),
		handlesGPU:         make(map[uint64]*sharedRef),
		gpuMappedBuffers:   make(map[uint64]gpuapi.CpuView),
		gpuHandleProcMap:   make(map[uint64]uint64),
		streamActive:       make(map[StreamId]bool),
		limiter:            newRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax),
		selfPID:            uint64(os.Getpid()),
		stopSignal:         make(chan struct{}),
		loopDone:           make(chan struct{}),
	}

	p.auditor.mutex.Lock()
	if p.auditor.audit() {
		if err := p.auditor.attachSelf(); err != nil {
			p.auditor.mutex.Unlock()
			return nil, err
		}
		p.attached = true
		p.auditor.mutex.Unlock()
		if cfg.EnableAuditorLoop {
			go p.livenessLoop()
		} else {
			close(p.loopDone)
		}
	} else {
		p.auditor.invalidateLocked()
		p.auditor.mutex.Unlock()
		close(p.loopDone)
	}

	return p, nil
}

// invalidateLocked sets the invalid flag; caller must already hold
// a.mutex. Kept separate from the exported-style invalidate() (which takes
// the lock itself) to avoid relocking during Attach's join failure path.
func (a *Auditor) invalidateLocked() {
	a.region[auditorInvalidOff] = 1
}

// IsValid reports whether the segment is still usable, per the Auditor's
// sticky flag.
func (p *Pool) IsValid() bool {
	return !p.auditor.isInvalid()
}

// requestSHM implements spec §4.3: draw an n-byte buffer from the shared
// CPU pool's free-list, or allocate fresh against the CPU budget.
func (p *Pool) requestSHM(n int) *CpuBuffer {
	p.cpuPool.buffersMutex.Lock()
	if offset, ok := p.cpuPool.popFreeLIFO(int64(n)); ok {
		p.cpuPool.buffersMutex.Unlock()
		return p.finishCPURequest(offset, int64(n), 0)
	}
	p.cpuPool.buffersMutex.Unlock()

	p.cpuPool.sizesMutex.Lock()
	budgetCap := int64(float64(p.cfg.CPUBudgetBytes) * p.cfg.MaxSHMUsageFrac)
	if p.cpuPool.allocated()+int64(n) >= budgetCap {
		p.cpuPool.sizesMutex.Unlock()
		return &CpuBuffer{valid: false}
	}
	offset, err := p.segment.ConstructAnonymous(n)
	if err != nil {
		p.cpuPool.sizesMutex.Unlock()
		return &CpuBuffer{valid: false}
	}
	if err := p.cpuPool.registerSize(offset, int64(n), 0); err != nil {
		p.cpuPool.sizesMutex.Unlock()
		return &CpuBuffer{valid: false}
	}
	p.cpuPool.addAllocated(int64(n))
	p.cpuPool.sizesMutex.Unlock()

	return p.finishCPURequest(offset, int64(n), 0)
}

// finishCPURequest builds the shared reference wrapper and local handle
// for a CPU offset resolved by either the fast (free-list) or slow
// (fresh-allocation) path of requestSHM.
func (p *Pool) finishCPURequest(offset, size int64, originPID uint64) *CpuBuffer {
	ref := &sharedRef{offset: offset, size: size, originPID: originPID, pool: p.cpuPool}
	data := p.segment.Bytes(offset, int(size))
	rawAddr := uintptr(p.segment.AddressFromHandle(offset))

	p.mu.Lock()
	p.ptrs[rawAddr] = ref
	p.mu.Unlock()

	return &CpuBuffer{data: data, rawAddr: rawAddr, pool: p, valid: true}
}

// destroyLocalCPU erases the local reference and triggers the reclaimer
// (spec §4.3 step 5), releasing memoryMutex_ before touching the
// shared-pool mutex per the lock-order rule in spec §5.
func (p *Pool) destroyLocalCPU(rawAddr uintptr) {
	p.mu.Lock()
	ref, ok := p.ptrs[rawAddr]
	delete(p.ptrs, rawAddr)
	p.mu.Unlock()
	if ok {
		ref.release()
	}
}

// getBufferFromPool implements spec §4.4: stream gating plus the
// rate-limited local-allocator fallback.
func (p *Pool) getBufferFromPool(stream StreamId, n int) *CpuBuffer {
	if p.streamGoesShared(stream) {
		if !p.IsValid() {
			p.warnFallback(stream, n, api.NewError(api.ErrCodeSegmentInvalid, api.ErrSegmentInvalid.Error()))
			return p.localCPU(n)
		}
		buf := p.requestSHM(n)
		if buf.Valid() {
			return buf
		}
		p.warnFallback(stream, n, api.NewError(api.ErrCodeBudgetExhausted, api.ErrBudgetExhausted.Error()).
			WithContext("requested_bytes", n))
	}
	return p.localCPU(n)
}

func (p *Pool) localCPU(n int) *CpuBuffer {
	lb := p.localFallback.Get(n)
	return &CpuBuffer{data: lb.Bytes(), pool: p, isLocal: true, localBuf: lb, valid: true}
}

// warnFallback rate-limits the local-fallback warning spec §4.4/§7 calls
// for; cause is logged, never returned, matching §7's "never crosses the
// API as an error" rule for these two conditions.
func (p *Pool) warnFallback(stream StreamId, n int, cause error) {
	if p.limiter.allow(time.Now()) {
		p.cfg.Logger.Printf("hybridpool: stream %q request for %d bytes fell back to local allocator: %v", stream, n, cause)
	}
}

// streamGoesShared reports whether stream should route to the shared pool:
// unknown streams default to shared; known streams follow their bit.
func (p *Pool) streamGoesShared(stream StreamId) bool {
	p.streamMu.RLock()
	defer p.streamMu.RUnlock()
	active, known := p.streamActive[stream]
	return !known || active
}

// ActivateStream sets the per-stream routing bit. Idempotent.
func (p *Pool) ActivateStream(stream StreamId, active bool) {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	p.streamActive[stream] = active
}

// Request is the public entry point matching spec §4.4's
// getBufferFromPool.
func (p *Pool) Request(stream StreamId, n int) api.Buffer {
	return p.getBufferFromPool(stream, n)
}

// ConvertCPU implements spec §4.7's convert(CpuBuffer): non-nil iff b was
// drawn from the shared pool (never for a local-fallback buffer).
func (p *Pool) ConvertCPU(b *CpuBuffer) *sharedRef {
	if b.isLocal {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptrs[b.rawAddr]
}

// IsBufferFromPool reports whether b was drawn from the shared pool.
func (p *Pool) IsBufferFromPool(b *CpuBuffer) bool {
	return p.ConvertCPU(b) != nil
}

// GetBufferFromSharedPoolDirect implements spec §4.7: bypass the local
// handle and return the cross-process reference directly.
func (p *Pool) GetBufferFromSharedPoolDirect(n int) *sharedRef {
	buf := p.requestSHM(n)
	if !buf.Valid() {
		return nil
	}
	return p.ConvertCPU(buf)
}

// WrapCPURef reconstructs a local CPU-pool reference from a Ref received
// over a real transport (spec §4.6/§4.7, scenario S4): the wire form carries
// only offset/size/originPID, so the receiving process supplies its own
// attachment's *sharedPool as context.
func (p *Pool) WrapCPURef(ref Ref) *sharedRef {
	return &sharedRef{offset: ref.Offset, size: ref.Size, originPID: ref.OriginPID, pool: p.cpuPool}
}

// WrapGPURef reconstructs a local GPU-pool reference from a Ref, selecting
// the host-visible or device-local pool the same way GetGpuBufferFromPool
// does.
func (p *Pool) WrapGPURef(ref Ref, deviceLocal bool) *sharedRef {
	return &sharedRef{offset: ref.Offset, size: ref.Size, originPID: ref.OriginPID, pool: p.gpuPoolFor(deviceLocal)}
}

// CreateLocalCPU implements spec §4.6's simpler CPU case: a shared
// reference received from elsewhere is recorded in ptrs and handed back
// as a local buffer whose Release drops that reference.
func (p *Pool) CreateLocalCPU(ref *sharedRef) *CpuBuffer {
	data := p.segment.Bytes(ref.offset, int(ref.size))
	rawAddr := uintptr(p.segment.AddressFromHandle(ref.offset))

	p.mu.Lock()
	p.ptrs[rawAddr] = ref
	p.mu.Unlock()

	return &CpuBuffer{data: data, rawAddr: rawAddr, pool: p, valid: true}
}
