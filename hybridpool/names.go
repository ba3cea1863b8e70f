// File: hybridpool/names.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed ABI strings shared by every cooperating process. Changing any of
// these breaks compatibility with already-running peers attached to the
// same segment.

package hybridpool

import "time"

const (
	nameCPUPool           = "MemoryPool"
	nameGPUPool           = "MemoryPoolGPU"
	nameGPUDeviceLocalPool = "MemoryPoolGPUDeviceLocal"
	nameAuditor           = "Auditor"
)

// DefaultMaxSHMUsageFrac reserves headroom in the CPU budget for
// bookkeeping; only this fraction of CPUBudgetBytes is usable for buffer
// payload.
const DefaultMaxSHMUsageFrac = 0.9

// DefaultAuditorPollInterval is how long the liveness loop sleeps between
// audits.
const DefaultAuditorPollInterval = 50 * time.Millisecond
