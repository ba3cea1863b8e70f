// File: hybridpool/auditor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Auditor tracks attached processes and the segment's sticky invalid flag,
// guarded by a single cross-process mutex (spec §3, §4.2).

package hybridpool

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/crosspool/hybridmem/control"
	"github.com/crosspool/hybridmem/ipcsync"
)

const (
	maxAuditedProcesses = 64
	processEntrySize    = 16 // pid uint64 + attached byte + 7 pad

	auditorMutexOff    = 0
	auditorInvalidOff  = ipcsync.MutexSize
	auditorCountOff    = auditorInvalidOff + 8
	auditorProcsOff    = auditorCountOff + 8

	// AuditorRegionSize is the fixed number of bytes an Auditor occupies in
	// the segment arena.
	AuditorRegionSize = auditorProcsOff + maxAuditedProcesses*processEntrySize
)

// Auditor is the segment-resident liveness/validity tracker.
type Auditor struct {
	region []byte
	mutex  *ipcsync.Mutex
}

func attachAuditor(region []byte) *Auditor {
	if len(region) < AuditorRegionSize {
		panic("hybridpool: auditor region too small")
	}
	return &Auditor{
		region: region,
		mutex:  ipcsync.New(region[auditorMutexOff : auditorMutexOff+ipcsync.MutexSize]),
	}
}

func (a *Auditor) isInvalid() bool {
	return a.region[auditorInvalidOff] != 0
}

// invalidate sets the sticky invalid flag. Monotonic: never cleared.
func (a *Auditor) invalidate() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.region[auditorInvalidOff] = 1
}

func (a *Auditor) processCount() int64 {
	return int64(binary.LittleEndian.Uint64(a.region[auditorCountOff:]))
}

func (a *Auditor) setProcessCount(n int64) {
	binary.LittleEndian.PutUint64(a.region[auditorCountOff:], uint64(n))
}

func (a *Auditor) procEntryOffset(i int64) int {
	return auditorProcsOff + int(i)*processEntrySize
}

func (a *Auditor) readProc(i int64) (pid uint64, attached bool) {
	o := a.procEntryOffset(i)
	pid = binary.LittleEndian.Uint64(a.region[o:])
	attached = a.region[o+8] != 0
	return
}

func (a *Auditor) writeProc(i int64, pid uint64, attached bool) {
	o := a.procEntryOffset(i)
	binary.LittleEndian.PutUint64(a.region[o:], pid)
	if attached {
		a.region[o+8] = 1
	} else {
		a.region[o+8] = 0
	}
}

// audit reports !invalid && every recorded process is still alive. Must be
// called under a.mutex.
func (a *Auditor) audit() bool {
	if a.isInvalid() {
		return false
	}
	n := a.processCount()
	for i := int64(0); i < n; i++ {
		pid, attached := a.readProc(i)
		if attached && !control.ProcessAlive(pid) {
			return false
		}
	}
	return true
}

// attachSelf appends a Process record for the calling process. Caller must
// hold a.mutex.
func (a *Auditor) attachSelf() error {
	n := a.processCount()
	if n >= maxAuditedProcesses {
		return fmt.Errorf("hybridpool: auditor process table full (max %d)", maxAuditedProcesses)
	}
	a.writeProc(n, uint64(os.Getpid()), true)
	a.setProcessCount(n + 1)
	return nil
}

// attachFakePID is a test-only hook: appends a Process record for a PID
// other than the caller's, letting a single OS process simulate a second
// attached peer without forking.
func (a *Auditor) attachFakePID(pid uint64) error {
	n := a.processCount()
	if n >= maxAuditedProcesses {
		return fmt.Errorf("hybridpool: auditor process table full (max %d)", maxAuditedProcesses)
	}
	a.writeProc(n, pid, true)
	a.setProcessCount(n + 1)
	return nil
}

// detachPID removes the first record matching pid, compacting the table.
func (a *Auditor) detachPID(pid uint64) {
	n := a.processCount()
	for i := int64(0); i < n; i++ {
		p, attached := a.readProc(i)
		if !attached || p != pid {
			continue
		}
		last := n - 1
		if i != last {
			lp, lattached := a.readProc(last)
			a.writeProc(i, lp, lattached)
		}
		a.setProcessCount(last)
		return
	}
}

// clearAllProcesses drops every Process record (used by force-clean
// detach).
func (a *Auditor) clearAllProcesses() {
	a.setProcessCount(0)
}

// isEmpty reports whether no process remains attached.
func (a *Auditor) isEmpty() bool {
	return a.processCount() == 0
}
