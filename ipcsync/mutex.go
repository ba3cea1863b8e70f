// File: ipcsync/mutex.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package ipcsync provides a robust, owner-death-tolerant mutex that lives
// inside a shared-memory region rather than in process memory, so that two
// processes mapping the same bytes contend on the same lock.

package ipcsync

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/crosspool/hybridmem/control"
)

// MutexSize is the number of bytes a Mutex occupies in its backing region:
// a 4-byte state word, 4 bytes padding, and an 8-byte owner PID.
const MutexSize = 16

const (
	stateFree   uint32 = 0
	stateLocked uint32 = 1
)

// Mutex is a spinlock backed by a fixed region of shared memory. Unlike a
// plain spinlock, Lock checks the recorded owner PID against
// control.ProcessAlive and steals the lock if the owner has died, per the
// "robust mutex" requirement: a crashed process cannot run its own
// destructor, so live peers must be able to break its lock.
type Mutex struct {
	region []byte
}

// New wraps region as a Mutex. region must be at least MutexSize bytes and
// must outlive the Mutex (callers typically pass a slice into a
// shm.Segment).
func New(region []byte) *Mutex {
	if len(region) < MutexSize {
		panic("ipcsync: region smaller than MutexSize")
	}
	return &Mutex{region: region}
}

func (m *Mutex) statePtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&m.region[0]))
}

func (m *Mutex) ownerPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&m.region[8]))
}

// Lock blocks until the mutex is acquired, stealing it from a dead owner
// if one is found holding it.
func (m *Mutex) Lock() {
	self := uint64(os.Getpid())
	for {
		if atomic.CompareAndSwapUint32(m.statePtr(), stateFree, stateLocked) {
			atomic.StoreUint64(m.ownerPtr(), self)
			return
		}
		if m.tryStealFromDeadOwner(self) {
			return
		}
		runtime.Gosched()
		time.Sleep(50 * time.Microsecond)
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	self := uint64(os.Getpid())
	if atomic.CompareAndSwapUint32(m.statePtr(), stateFree, stateLocked) {
		atomic.StoreUint64(m.ownerPtr(), self)
		return true
	}
	return m.tryStealFromDeadOwner(self)
}

// tryStealFromDeadOwner re-acquires an already-locked mutex in place when
// its recorded owner no longer exists. The state word stays stateLocked
// throughout; only the owner PID changes, so a concurrent live owner
// releasing the lock normally (Unlock) is never observed mid-steal.
func (m *Mutex) tryStealFromDeadOwner(self uint64) bool {
	if atomic.LoadUint32(m.statePtr()) != stateLocked {
		return false
	}
	owner := atomic.LoadUint64(m.ownerPtr())
	if owner == 0 || control.ProcessAlive(owner) {
		return false
	}
	return atomic.CompareAndSwapUint64(m.ownerPtr(), owner, self)
}

// Unlock releases the mutex. Unlock on an already-unlocked or stolen
// mutex is a caller error; it is not guarded against here, matching the
// unchecked-pthread-mutex semantics this type stands in for.
func (m *Mutex) Unlock() {
	atomic.StoreUint64(m.ownerPtr(), 0)
	atomic.StoreUint32(m.statePtr(), stateFree)
}
