// File: adapters/affinity_adapter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
// Description:
//   Adapter implementing the api.Affinity interface, delegating to the
//   affinity package's platform-specific thread pinning. NUMA IDs are
//   accepted for interface compatibility but ignored: this pool does not
//   place memory by NUMA node.
//
// Package adapters provides glue code between the core API contracts
// and the internal implementation.

package adapters

import (
	"github.com/crosspool/hybridmem/affinity"
	"github.com/crosspool/hybridmem/api"
)

// AffinityAdapter implements api.Affinity by pinning the calling OS thread.
type AffinityAdapter struct {
	currentCPU int
	pinned     bool
}

// NewAffinityAdapter creates a new AffinityAdapter with no binding.
func NewAffinityAdapter() api.Affinity {
	return &AffinityAdapter{currentCPU: -1}
}

// Pin assigns the calling entity (thread) to a specific CPU. numaID is
// accepted for interface compatibility but has no effect.
func (a *AffinityAdapter) Pin(cpuID int, numaID int) error {
	if cpuID < 0 {
		return nil
	}
	if err := affinity.SetAffinity(cpuID); err != nil {
		return err
	}
	a.currentCPU = cpuID
	a.pinned = true
	return nil
}

// Unpin is a no-op: the affinity package has no unpin primitive, matching
// the underlying pthread_setaffinity_np/SetThreadAffinityMask calls, which
// only set a new mask rather than clear one.
func (a *AffinityAdapter) Unpin() error {
	a.pinned = false
	a.currentCPU = -1
	return nil
}

// Get returns the currently effective CPU ID; numaID is always -1.
func (a *AffinityAdapter) Get() (cpuID int, numaID int, err error) {
	return a.currentCPU, -1, nil
}
