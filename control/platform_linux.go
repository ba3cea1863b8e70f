//go:build linux
// +build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific platform metrics or debug probe integrations.

package control

import (
	"runtime"
	"syscall"
)

// RegisterPlatformProbes sets Linux-specific debug metrics.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
}

// ProcessAlive reports whether pid still exists, by sending the null
// signal. It returns true for a zombie process: a dead owner's pid stays
// reachable this way until reaped. Any error other than ESRCH (such as
// EPERM) is also reported as alive.
func ProcessAlive(pid uint64) bool {
	err := syscall.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
