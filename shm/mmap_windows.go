// File: shm/mmap_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//go:build windows
// +build windows

package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Open locates or creates a named file mapping object of exactly size bytes
// backed by the system paging file, and maps a view of it into this
// process. CreateFileMapping against an existing name simply returns a
// handle to the existing object, giving the locate-or-construct semantics
// the segment needs without a separate lookup call.
func Open(name string, size int64) (*MmapSegment, error) {
	mapName, err := windows.UTF16PtrFromString("hybridmem_" + name)
	if err != nil {
		return nil, err
	}

	h, err := windows.CreateFileMapping(
		windows.InvalidHandle,
		nil,
		windows.PAGE_READWRITE,
		uint32(size>>32),
		uint32(size),
		mapName,
	)
	if err != nil {
		return nil, fmt.Errorf("shm: CreateFileMapping %s: %w", name, err)
	}

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_ALL_ACCESS, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("shm: MapViewOfFile %s: %w", name, err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	return newSegment(data, func() error {
		if err := windows.UnmapViewOfFile(addr); err != nil {
			return err
		}
		return windows.CloseHandle(h)
	}), nil
}

// OpenAnonymous maps a size-byte unnamed region backed by the system paging
// file, for single-process test scenarios.
func OpenAnonymous(size int64) (*MmapSegment, error) {
	h, err := windows.CreateFileMapping(
		windows.InvalidHandle,
		nil,
		windows.PAGE_READWRITE,
		uint32(size>>32),
		uint32(size),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("shm: anonymous CreateFileMapping: %w", err)
	}

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_ALL_ACCESS, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("shm: anonymous MapViewOfFile: %w", err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	return newSegment(data, func() error {
		if err := windows.UnmapViewOfFile(addr); err != nil {
			return err
		}
		return windows.CloseHandle(h)
	}), nil
}

// Unlink is a no-op on Windows: named file-mapping objects are reference
// counted by the kernel and disappear once the last handle closes, unlike
// the POSIX backing file shm.Unlink removes on Linux.
func Unlink(name string) error {
	return nil
}
