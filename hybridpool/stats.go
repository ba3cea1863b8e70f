// File: hybridpool/stats.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stats realizes spec §4.13's debug/metrics surface: per-pool allocated
// bytes and free-list depth, the auditor's process count and invalid flag,
// and a GPU pool origin-PID histogram. Meant to be registered with
// control.DebugProbes by the facade, not called from the hot path.

package hybridpool

func poolStats(pool *sharedPool) map[string]any {
	pool.buffersMutex.Lock()
	freeDepth := pool.freeCount()
	pool.buffersMutex.Unlock()

	pool.sizesMutex.Lock()
	allocated := pool.allocated()
	pool.sizesMutex.Unlock()

	return map[string]any{
		"allocated_bytes": allocated,
		"free_list_depth": freeDepth,
	}
}

func originPIDHistogram(pool *sharedPool) map[uint64]int64 {
	pool.sizesMutex.Lock()
	defer pool.sizesMutex.Unlock()

	hist := make(map[uint64]int64)
	n := pool.sizesCount()
	for i := int64(0); i < n; i++ {
		_, _, originPID := pool.readSizesEntry(i)
		hist[originPID]++
	}
	return hist
}

// Stats returns a snapshot of the pool's current state, suitable for
// registration with control.DebugProbes.
func (p *Pool) Stats() map[string]any {
	p.auditor.mutex.Lock()
	processCount := p.auditor.processCount()
	invalid := p.auditor.isInvalid()
	p.auditor.mutex.Unlock()

	return map[string]any{
		"cpu_pool":                    poolStats(p.cpuPool),
		"gpu_pool":                    poolStats(p.gpuPool),
		"gpu_device_local_pool":       poolStats(p.gpuDeviceLocalPool),
		"gpu_pool_origin_pid_hist":    originPIDHistogram(p.gpuPool),
		"gpu_device_local_origin_pid": originPIDHistogram(p.gpuDeviceLocalPool),
		"auditor_process_count":       processCount,
		"auditor_invalid":             invalid,
		"local_fallback":              p.localFallback.Stats(),
	}
}
