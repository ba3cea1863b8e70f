// File: shm/mmap_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//go:build linux
// +build linux

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Open locates or creates the named backing file under /dev/shm and maps
// it MAP_SHARED at exactly size bytes, growing the file if it is smaller.
func Open(name string, size int64) (*MmapSegment, error) {
	path := fmt.Sprintf("/dev/shm/%s", name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return newSegment(data, func() error {
		return unix.Munmap(data)
	}), nil
}

// OpenAnonymous maps a size-byte MAP_SHARED|MAP_ANONYMOUS region with no
// backing file. It is visible only within this process (and forks of it),
// used by tests that forge a second attached process without actually
// forking.
func OpenAnonymous(size int64) (*MmapSegment, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("shm: anonymous mmap: %w", err)
	}
	return newSegment(data, func() error {
		return unix.Munmap(data)
	}), nil
}

// Unlink removes the named backing file so no further process can attach.
// A missing file is not an error. hybridpool.Nuke does not call it; callers
// unlink separately.
func Unlink(name string) error {
	err := os.Remove(fmt.Sprintf("/dev/shm/%s", name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
