// File: oshandle/duplicate_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//go:build linux
// +build linux

package oshandle

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// duplicate opens /proc/<originPID>/fd/<handle> read-write, which yields a
// new, independent file descriptor referring to the same underlying
// kernel object (dma-buf or similar) the origin process exported. The
// descriptor is dup'd off the *os.File before it is closed, so the
// caller's fd survives the os.File's finalizer.
func duplicate(originPID uint64, handle uint64) (uint64, error) {
	path := fmt.Sprintf("/proc/%d/fd/%d", originPID, handle)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("oshandle: duplicate %s: %w", path, err)
	}
	defer f.Close()

	newFd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return 0, fmt.Errorf("oshandle: dup %s: %w", path, err)
	}
	return uint64(newFd), nil
}
