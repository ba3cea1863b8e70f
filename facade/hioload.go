// File: facade/hioload.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Facade aggregates a shared-memory segment, the hybrid CPU/GPU pool, and
// the control/affinity adapters behind a single immutable-config entry
// point, the way the teacher's facade assembled transport/pool/executor/
// scheduler behind HioloadWS.

package facade

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crosspool/hybridmem/adapters"
	"github.com/crosspool/hybridmem/api"
	"github.com/crosspool/hybridmem/gpuapi"
	"github.com/crosspool/hybridmem/hybridpool"
	"github.com/crosspool/hybridmem/shm"
)

// Config holds parameters immutable for the facade's lifetime.
type Config struct {
	SegmentName         string        // Named backing object under /dev/shm (Linux) or the system paging file (Windows)
	SegmentSize         int64         // Total mapped size, header and both budgets included
	CPUBudgetBytes      int64         // Soft ceiling on shared CPU allocations
	GPUBudgetBytes      int64         // Soft ceiling on shared GPU allocations (applies per GPU pool)
	MaxSHMUsageFrac     float64       // Fraction of the CPU budget usable before requests start failing (GPU pools use their full budget)
	EnableAuditorLoop   bool          // Whether to run the background liveness loop
	ForceCleanOnDetach  bool          // Whether Shutdown wipes every process's records, not just this one's
	AuditorPollInterval time.Duration // Liveness loop re-audit interval
	CPUAffinity         bool          // Whether to pin the liveness loop's OS thread
	PinCPU              int           // Logical CPU to pin to, when CPUAffinity is set
	Logger              *log.Logger
}

// DefaultConfig returns sane defaults for a single-host deployment.
func DefaultConfig() *Config {
	return &Config{
		SegmentName:         "hybridmem",
		SegmentSize:         64 << 20,
		CPUBudgetBytes:      16 << 20,
		GPUBudgetBytes:      256 << 20,
		MaxSHMUsageFrac:     hybridpool.DefaultMaxSHMUsageFrac,
		EnableAuditorLoop:   true,
		AuditorPollInterval: hybridpool.DefaultAuditorPollInterval,
		CPUAffinity:         false,
		PinCPU:              0,
		Logger:              log.Default(),
	}
}

// Facade is the top-level attachment point: one per process per segment.
type Facade struct {
	config   *Config
	segment  shm.Segment
	device   gpuapi.Device
	pool     *hybridpool.Pool
	control  api.Control
	affinity api.Affinity

	mu      sync.RWMutex
	started bool

	requestsTotal int64
	fallbackTotal int64
}

var _ api.GracefulShutdown = (*Facade)(nil)

// New opens or joins the named segment, attaches the hybrid pool, and wires
// the control/affinity adapters. The pool itself decides whether this
// process successfully joined (see hybridpool.Attach); a failed join still
// returns a usable, local-fallback-only Facade rather than an error.
func New(cfg *Config) (*Facade, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	f := &Facade{config: cfg}
	f.control = adapters.NewControlAdapter()
	f.affinity = adapters.NewAffinityAdapter()

	segment, err := shm.Open(cfg.SegmentName, cfg.SegmentSize)
	if err != nil {
		return nil, fmt.Errorf("facade: open segment %q: %w", cfg.SegmentName, err)
	}
	f.segment = segment
	f.device = gpuapi.NewDevice()

	poolCfg := hybridpool.DefaultConfig()
	poolCfg.CPUBudgetBytes = cfg.CPUBudgetBytes
	poolCfg.GPUBudgetBytes = cfg.GPUBudgetBytes
	poolCfg.MaxSHMUsageFrac = cfg.MaxSHMUsageFrac
	poolCfg.EnableAuditorLoop = cfg.EnableAuditorLoop
	poolCfg.ForceCleanOnDetach = cfg.ForceCleanOnDetach
	poolCfg.AuditorPollInterval = cfg.AuditorPollInterval
	poolCfg.Logger = cfg.Logger
	poolCfg.PinCPU = -1
	if cfg.CPUAffinity {
		poolCfg.PinCPU = cfg.PinCPU
	}

	pool, err := hybridpool.Attach(segment, f.device, poolCfg)
	if err != nil {
		_ = segment.Close()
		return nil, fmt.Errorf("facade: attach pool: %w", err)
	}
	f.pool = pool

	f.control.RegisterDebugProbe("hybridpool", func() any { return f.pool.Stats() })
	f.control.SetConfig(map[string]any{
		"segment_name":       cfg.SegmentName,
		"cpu_budget_bytes":   cfg.CPUBudgetBytes,
		"gpu_budget_bytes":   cfg.GPUBudgetBytes,
		"max_shm_usage_frac": cfg.MaxSHMUsageFrac,
	})

	return f, nil
}

// Start marks the facade active. Subsequent calls are a no-op.
func (f *Facade) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}
	f.started = true
	return nil
}

// Shutdown detaches the pool, releasing every local reference this process
// holds and closing the segment mapping. Calling Shutdown twice is safe.
func (f *Facade) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.started = false
	return f.pool.Detach()
}

// GetControl returns the Control interface for observability.
func (f *Facade) GetControl() api.Control {
	return f.control
}

// GetAffinity returns the Affinity interface.
func (f *Facade) GetAffinity() api.Affinity {
	return f.affinity
}

// IsValid reports whether the underlying segment is still usable.
func (f *Facade) IsValid() bool {
	return f.pool.IsValid()
}

// Request draws an n-byte CPU buffer for stream, routing through the shared
// pool when the stream is active and valid, falling back to a process-local
// allocation otherwise.
func (f *Facade) Request(stream string, n int) api.Buffer {
	buf := f.pool.Request(hybridpool.StreamId(stream), n)

	total := atomic.AddInt64(&f.requestsTotal, 1)
	f.control.SetMetric("requests_total", total)
	if cpuBuf, ok := buf.(*hybridpool.CpuBuffer); ok && !f.pool.IsBufferFromPool(cpuBuf) {
		fallback := atomic.AddInt64(&f.fallbackTotal, 1)
		f.control.SetMetric("fallback_total", fallback)
	}

	return buf
}

// RequestGPU draws an n-byte GPU buffer, device-local if requested.
func (f *Facade) RequestGPU(n int64, deviceLocal bool) *hybridpool.GpuBuffer {
	return f.pool.GetGpuBufferFromPool(n, deviceLocal)
}

// ActivateStream sets whether stream routes to the shared pool.
func (f *Facade) ActivateStream(stream string, active bool) {
	f.pool.ActivateStream(hybridpool.StreamId(stream), active)
}

// Convert implements spec §4.7's convert(CpuBuffer): it returns the
// serializable Ref a caller hands to another process, or ok=false if buf
// was never drawn from the shared pool (a local-fallback allocation).
func (f *Facade) Convert(buf *hybridpool.CpuBuffer) (hybridpool.Ref, bool) {
	ref := f.pool.ConvertCPU(buf)
	if ref == nil {
		return hybridpool.Ref{}, false
	}
	return ref.ToRef(), true
}

// ConvertGPU implements spec §4.7's convert(GpuBuffer), the GPU equivalent
// of Convert.
func (f *Facade) ConvertGPU(buf *hybridpool.GpuBuffer) (hybridpool.Ref, bool) {
	ref := f.pool.ConvertGPU(buf)
	if ref == nil {
		return hybridpool.Ref{}, false
	}
	return ref.ToRef(), true
}

// CreateLocalCPU implements spec §4.6: make a Ref received from another
// process usable as a local CPU buffer in this one.
func (f *Facade) CreateLocalCPU(ref hybridpool.Ref) *hybridpool.CpuBuffer {
	return f.pool.CreateLocalCPU(f.pool.WrapCPURef(ref))
}

// CreateLocalGPU implements spec §4.6's GPU case: duplicate the external
// memory handle a Ref from another process refers to, if not already
// duplicated in this one.
func (f *Facade) CreateLocalGPU(ref hybridpool.Ref, deviceLocal bool) (*hybridpool.GpuBuffer, error) {
	return f.pool.CreateLocalGPU(f.pool.WrapGPURef(ref, deviceLocal), deviceLocal)
}

// Nuke forcibly tears down every named object in the segment, for use by
// an operator tool after the auditor has already marked it invalid.
func (f *Facade) Nuke() error {
	return hybridpool.Nuke(f.segment)
}
