// File: oshandle/duplicate.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package oshandle duplicates an OS-level external-memory handle owned by
// one process into the calling process, so a GPU allocation exported by
// its origin can be used locally without re-allocating.

package oshandle

// Duplicate clones handle, owned by the process identified by originPID,
// into the calling process. The returned handle is a distinct numeric
// value owned by the caller; hybridpool releases the handles it duplicated
// through the graphics device's Free when it detaches.
func Duplicate(originPID uint64, handle uint64) (uint64, error) {
	return duplicate(originPID, handle)
}
