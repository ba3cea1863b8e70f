// File: hybridpool/pool_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hybridpool

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crosspool/hybridmem/control"
	"github.com/crosspool/hybridmem/gpuapi"
	"github.com/crosspool/hybridmem/shm"
)

const testSegmentSize = 8 << 20 // 8 MiB, ample headroom over header + pool metadata

func newTestPool(t *testing.T, cpuBudget, gpuBudget int64) (*Pool, *gpuapi.MockDevice) {
	t.Helper()
	segment, err := shm.OpenAnonymous(testSegmentSize)
	if err != nil {
		t.Fatalf("OpenAnonymous: %v", err)
	}

	device := gpuapi.NewMockDevice()
	device.ForceActive(true)

	cfg := DefaultConfig()
	cfg.CPUBudgetBytes = cpuBudget
	cfg.GPUBudgetBytes = gpuBudget
	cfg.EnableAuditorLoop = false

	p, err := Attach(segment, device, cfg)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { _ = p.Detach() })
	return p, device
}

// S1: two 4096-byte allocations, drop both, allocate again — reuse, no new
// segment consumption.
func TestRequestSHM_S1_FreeListRecycling(t *testing.T) {
	p, _ := newTestPool(t, 1<<20, 16<<20)

	a := p.requestSHM(4096)
	b := p.requestSHM(4096)
	if !a.Valid() || !b.Valid() {
		t.Fatal("expected both allocations to succeed")
	}
	if got := p.cpuPool.allocated(); got != 8192 {
		t.Fatalf("allocated after two allocs = %d, want 8192", got)
	}

	a.Release()
	b.Release()
	if got := p.cpuPool.allocated(); got != 8192 {
		t.Fatalf("allocated after drops = %d, want unchanged 8192", got)
	}
	if got := p.cpuPool.freeCount(); got != 2 {
		t.Fatalf("free-list length after drops = %d, want 2", got)
	}

	c := p.requestSHM(4096)
	if !c.Valid() {
		t.Fatal("third allocation should succeed from free-list")
	}
	if got := p.cpuPool.freeCount(); got != 1 {
		t.Fatalf("free-list length after third alloc = %d, want 1", got)
	}
	if got := p.cpuPool.allocated(); got != 8192 {
		t.Fatalf("allocated after third alloc = %d, want unchanged 8192 (reused, not fresh)", got)
	}
}

// S2: budget rejection at MAX_SHM_USAGE_FRAC boundary.
func TestGetBufferFromPool_S2_BudgetRejection(t *testing.T) {
	p, _ := newTestPool(t, 1024, 16<<20)

	first := p.getBufferFromPool("s", 512)
	if !first.Valid() {
		t.Fatal("first 512-byte request should succeed (512 < 921)")
	}
	if p.IsBufferFromPool(first) == false {
		t.Fatal("first buffer should be shared-pool backed")
	}

	second := p.getBufferFromPool("s", 512)
	if !second.Valid() {
		t.Fatal("fallback buffer must still be valid (drawn from local allocator)")
	}
	if p.IsBufferFromPool(second) {
		t.Fatal("second request should have fallen back to local allocator, not the shared pool")
	}
}

// S3: stream gating.
func TestGetBufferFromPool_S3_StreamGating(t *testing.T) {
	p, _ := newTestPool(t, 1<<20, 16<<20)

	p.ActivateStream("A", false)
	off := p.getBufferFromPool("A", 256)
	if p.IsBufferFromPool(off) {
		t.Fatal("inactive stream must not reach the shared pool")
	}

	p.ActivateStream("A", true)
	on := p.getBufferFromPool("A", 256)
	if !p.IsBufferFromPool(on) {
		t.Fatal("active stream must reach the shared pool")
	}
}

// S6: LIFO locality — same-size reuse returns the identical offset.
func TestRequestSHM_S6_LIFOLocality(t *testing.T) {
	p, _ := newTestPool(t, 1<<20, 16<<20)

	a := p.requestSHM(1024)
	addrA := a.rawAddr
	a.Release()

	b := p.requestSHM(1024)
	if b.rawAddr != addrA {
		t.Fatalf("expected LIFO reuse of same raw address, got %v want %v", b.rawAddr, addrA)
	}
}

// Round-trip: createLocal(convert(b)) yields a buffer whose convert equals
// convert(b).
func TestConvert_RoundTrip(t *testing.T) {
	p, _ := newTestPool(t, 1<<20, 16<<20)

	buf := p.requestSHM(128)
	ref := p.ConvertCPU(buf)
	if ref == nil {
		t.Fatal("convert on a freshly requested buffer must be non-empty")
	}

	local := p.CreateLocalCPU(ref)
	ref2 := p.ConvertCPU(local)
	if ref2 != ref {
		t.Fatal("createLocal(convert(b)) should yield a buffer whose convert equals convert(b)")
	}
}

// activateStream is idempotent.
func TestActivateStream_Idempotent(t *testing.T) {
	p, _ := newTestPool(t, 1<<20, 16<<20)
	p.ActivateStream("x", true)
	p.ActivateStream("x", true)
	if !p.streamGoesShared("x") {
		t.Fatal("stream should remain active after idempotent activation")
	}
}

// Boundary: allocations summing to cpuBudget*MaxSHMUsageFrac - 1 succeed;
// the next n=1 fails.
func TestRequestSHM_BudgetBoundary(t *testing.T) {
	p, _ := newTestPool(t, 1024, 16<<20)

	// cap = floor(1024*0.9) = 921
	first := p.requestSHM(920)
	if !first.Valid() {
		t.Fatal("920-byte allocation should fit under the 921-byte cap")
	}

	second := p.requestSHM(1)
	if second.Valid() {
		t.Fatal("921st byte should be rejected at the budget boundary")
	}
}

func TestGPU_AllocateAndReuse(t *testing.T) {
	p, _ := newTestPool(t, 1<<20, 16<<20)

	buf := p.GetGpuBufferFromPool(4096, false)
	if !buf.Valid() {
		t.Fatal("gpu allocation should succeed with an active device")
	}
	if len(buf.Bytes()) != 4096 {
		t.Fatalf("expected mapped view of 4096 bytes, got %d", len(buf.Bytes()))
	}

	handle := buf.Handle()
	buf.Release()

	reused := p.GetGpuBufferFromPool(4096, false)
	if !reused.Valid() {
		t.Fatal("second gpu request should reuse the freed origin-owned entry")
	}
	if reused.Handle() != handle {
		t.Fatalf("expected findBuffer to recycle the same handle, got %d want %d", reused.Handle(), handle)
	}
}

func TestGPU_InactiveDeviceReturnsEmpty(t *testing.T) {
	p, device := newTestPool(t, 1<<20, 16<<20)
	device.ForceActive(false)

	buf := p.GetGpuBufferFromPool(4096, false)
	if buf.Valid() {
		t.Fatal("gpu request against an inactive device must return an empty buffer")
	}
}

func TestLivenessLoop_InvalidatesOnPeerDeath(t *testing.T) {
	segment, err := shm.OpenAnonymous(testSegmentSize)
	if err != nil {
		t.Fatalf("OpenAnonymous: %v", err)
	}

	device := gpuapi.NewMockDevice()
	cfg := DefaultConfig()
	cfg.EnableAuditorLoop = true
	cfg.AuditorPollInterval = 5 * time.Millisecond

	p, err := Attach(segment, device, cfg)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer p.Detach()

	var reloaded int32
	control.RegisterReloadHook(func() { atomic.StoreInt32(&reloaded, 1) })

	// forge a second, already-dead peer: PID 1 << 30 will not exist.
	p.auditor.mutex.Lock()
	_ = p.auditor.attachFakePID(1 << 30)
	p.auditor.mutex.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !p.IsValid() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p.IsValid() {
		t.Fatal("expected the liveness loop to invalidate the segment once a peer's pid is unreachable")
	}
	if atomic.LoadInt32(&reloaded) == 0 {
		t.Fatal("expected control.TriggerReload to fire a registered reload hook on invalidation")
	}

	fallback := p.getBufferFromPool("s", 64)
	if p.IsBufferFromPool(fallback) {
		t.Fatal("after invalidation, requests must fall back to the local allocator")
	}
}

// S4: two-process GPU share, driven by two independent attachments to the
// same named segment rather than an actual fork. P1 allocates a
// device-local GPU buffer and converts it; P2 duplicates the handle via
// CreateLocalGPU, drops it, and P1 reclaims the offset from its own
// free-list before either side detaches.
func TestGPU_S4_CrossProcessRoundTrip(t *testing.T) {
	name := fmt.Sprintf("hybridpool-s4-%d", os.Getpid())
	t.Cleanup(func() { _ = shm.Unlink(name) })

	seg1, err := shm.Open(name, testSegmentSize)
	if err != nil {
		t.Fatalf("shm.Open seg1: %v", err)
	}
	seg2, err := shm.Open(name, testSegmentSize)
	if err != nil {
		t.Fatalf("shm.Open seg2: %v", err)
	}

	device1 := gpuapi.NewMockDevice()
	device1.ForceActive(true)
	cfg1 := DefaultConfig()
	cfg1.GPUBudgetBytes = 16 << 20
	cfg1.EnableAuditorLoop = false
	p1, err := Attach(seg1, device1, cfg1)
	if err != nil {
		t.Fatalf("Attach p1: %v", err)
	}

	device2 := gpuapi.NewMockDevice()
	device2.ForceActive(true)
	cfg2 := DefaultConfig()
	cfg2.GPUBudgetBytes = 16 << 20
	cfg2.EnableAuditorLoop = false
	p2, err := Attach(seg2, device2, cfg2)
	if err != nil {
		t.Fatalf("Attach p2: %v", err)
	}

	buf1 := p1.GetGpuBufferFromPool(4096, true)
	if !buf1.Valid() {
		t.Fatal("p1's device-local gpu allocation should succeed")
	}
	handle1 := buf1.Handle()

	ref := p1.ConvertGPU(buf1)
	if ref == nil {
		t.Fatal("convert on a freshly allocated gpu buffer must be non-empty")
	}

	local, err := p2.CreateLocalGPU(ref, true)
	if err != nil {
		t.Fatalf("p2 CreateLocalGPU: %v", err)
	}
	if !local.Valid() {
		t.Fatal("p2's duplicated local gpu buffer should be valid")
	}
	if local.Handle() == handle1 {
		t.Fatal("p2's duplicated handle must be a distinct numeric value from p1's")
	}

	// P2 drops its local handle: the reclaimer returns the offset to
	// p1's-originated free-list, not p2's.
	local.Release()

	reused := p1.GetGpuBufferFromPool(4096, true)
	if !reused.Valid() {
		t.Fatal("p1 should reclaim the offset p2 released")
	}
	if reused.Handle() != handle1 {
		t.Fatalf("p1 should recycle its own original handle, got %d want %d", reused.Handle(), handle1)
	}

	// P2 detaches first (not the last detach): p1's still-open reference
	// must survive.
	if err := p2.Detach(); err != nil {
		t.Fatalf("p2 Detach: %v", err)
	}
	if n := p1.gpuDeviceLocalPool.sizesCount(); n != 1 {
		t.Fatalf("p1's allocation registry should survive p2's non-last detach, got %d entries want 1", n)
	}

	// P1 detaches last: its own open reference is released and, being the
	// final process, the registry is wiped.
	if err := p1.Detach(); err != nil {
		t.Fatalf("p1 Detach: %v", err)
	}
}
