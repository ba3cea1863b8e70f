package facade_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/crosspool/hybridmem/facade"
	"github.com/crosspool/hybridmem/shm"
)

func testConfig(t *testing.T) *facade.Config {
	t.Helper()
	cfg := facade.DefaultConfig()
	cfg.SegmentName = fmt.Sprintf("facadetest-%d", os.Getpid())
	cfg.SegmentSize = 8 << 20
	cfg.CPUBudgetBytes = 1 << 20
	cfg.GPUBudgetBytes = 4 << 20
	cfg.EnableAuditorLoop = false
	t.Cleanup(func() { _ = shm.Unlink(cfg.SegmentName) })
	return cfg
}

func TestFacadeLifecycle(t *testing.T) {
	f, err := facade.New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.IsValid() {
		t.Fatal("freshly attached facade should be valid")
	}

	buf := f.Request("default", 256)
	if !buf.Valid() {
		t.Fatal("expected a valid CPU buffer from a freshly attached facade")
	}
	buf.Release()

	stats := f.GetControl().Stats()
	if _, ok := stats["debug.hybridpool"]; !ok {
		t.Fatalf("expected hybridpool debug probe in stats, got %v", stats)
	}

	if err := f.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// A second Shutdown must be a harmless no-op.
	if err := f.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestFacadeStreamGating(t *testing.T) {
	f, err := facade.New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Shutdown()

	f.ActivateStream("local-only", false)
	buf := f.Request("local-only", 128)
	if !buf.Valid() {
		t.Fatal("inactive stream should still get a local-fallback buffer")
	}
	buf.Release()
}
