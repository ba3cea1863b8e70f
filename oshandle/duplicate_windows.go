// File: oshandle/duplicate_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//go:build windows
// +build windows

package oshandle

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// duplicate opens the origin process with PROCESS_DUP_HANDLE and calls
// DuplicateHandle to clone handle into the calling process.
func duplicate(originPID uint64, handle uint64) (uint64, error) {
	originProc, err := windows.OpenProcess(windows.PROCESS_DUP_HANDLE, false, uint32(originPID))
	if err != nil {
		return 0, fmt.Errorf("oshandle: OpenProcess(%d): %w", originPID, err)
	}
	defer windows.CloseHandle(originProc)

	selfProc := windows.CurrentProcess()

	var newHandle windows.Handle
	err = windows.DuplicateHandle(
		originProc,
		windows.Handle(handle),
		selfProc,
		&newHandle,
		0,
		false,
		windows.DUPLICATE_SAME_ACCESS,
	)
	if err != nil {
		return 0, fmt.Errorf("oshandle: DuplicateHandle: %w", err)
	}
	return uint64(newHandle), nil
}
