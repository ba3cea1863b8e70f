// File: shm/segment.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package shm implements the shared-memory segment collaborator: a region
// mapped identically (by content, not by address) in every cooperating
// process, holding a small table of named objects plus a bump-allocated
// arena for anonymous byte regions.

package shm

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/crosspool/hybridmem/ipcsync"
)

const (
	nameTableEntries = 4
	nameFieldSize    = 32
	nameEntrySize    = nameFieldSize + 8 + 8 // name + offset + size
	headerMutexSize  = ipcsync.MutexSize
	nameTableOffset  = headerMutexSize
	bumpOffsetOffset = nameTableOffset + nameTableEntries*nameEntrySize
	arenaStart       = bumpOffsetOffset + 8
)

// HeaderSize is the number of bytes reserved for the segment header
// (mutex, name table, bump pointer) before the arena begins.
const HeaderSize = arenaStart

// Segment is the contract the hybrid pool builds on: locate-or-construct
// named objects, construct anonymous byte regions, and translate between
// process-stable offsets and process-local addresses.
type Segment interface {
	FindOrConstruct(name string, size int) (offset int64, created bool, err error)
	Destroy(name string) error
	ConstructAnonymous(size int) (offset int64, err error)
	DestroyPtr(offset int64, size int) error
	Bytes(offset int64, size int) []byte
	AddressFromHandle(offset int64) unsafe.Pointer
	HandleFromAddress(addr unsafe.Pointer) int64
	Size() int64
	Close() error
}

// MmapSegment is the concrete Segment backing every platform: the
// platform-specific constructors (Open, OpenAnonymous) differ only in how
// they obtain the backing []byte and how Close releases it.
type MmapSegment struct {
	data   []byte
	hdr    *ipcsync.Mutex
	closer func() error
}

func newSegment(data []byte, closer func() error) *MmapSegment {
	if len(data) < HeaderSize {
		panic("shm: segment smaller than header size")
	}
	return &MmapSegment{
		data:   data,
		hdr:    ipcsync.New(data[:headerMutexSize]),
		closer: closer,
	}
}

func (s *MmapSegment) readBump() int64 {
	return int64(binary.LittleEndian.Uint64(s.data[bumpOffsetOffset:]))
}

func (s *MmapSegment) writeBump(v int64) {
	binary.LittleEndian.PutUint64(s.data[bumpOffsetOffset:], uint64(v))
}

// bootstrap sets the initial bump pointer exactly once; later attaches see
// a nonzero value and leave it untouched.
func (s *MmapSegment) bootstrap() {
	s.hdr.Lock()
	defer s.hdr.Unlock()
	if s.readBump() == 0 {
		s.writeBump(arenaStart)
	}
}

// FindOrConstruct locates name in the header table, or reserves a fresh
// size-byte arena region and registers it under name if absent.
func (s *MmapSegment) FindOrConstruct(name string, size int) (int64, bool, error) {
	s.bootstrap()
	s.hdr.Lock()
	defer s.hdr.Unlock()

	for i := 0; i < nameTableEntries; i++ {
		eoff := nameTableOffset + i*nameEntrySize
		if decodeName(s.data[eoff:eoff+nameFieldSize]) == name {
			off := int64(binary.LittleEndian.Uint64(s.data[eoff+nameFieldSize:]))
			return off, false, nil
		}
	}
	for i := 0; i < nameTableEntries; i++ {
		eoff := nameTableOffset + i*nameEntrySize
		if decodeName(s.data[eoff:eoff+nameFieldSize]) == "" {
			off, err := s.constructLocked(size)
			if err != nil {
				return 0, false, err
			}
			encodeName(s.data[eoff:eoff+nameFieldSize], name)
			binary.LittleEndian.PutUint64(s.data[eoff+nameFieldSize:], uint64(off))
			binary.LittleEndian.PutUint64(s.data[eoff+nameFieldSize+8:], uint64(size))
			return off, true, nil
		}
	}
	return 0, false, fmt.Errorf("shm: named object table full (max %d)", nameTableEntries)
}

// Destroy clears name's table entry. The arena bytes it referenced are
// reclaimed only when the whole segment is destroyed (nuke), never
// individually.
func (s *MmapSegment) Destroy(name string) error {
	s.hdr.Lock()
	defer s.hdr.Unlock()
	for i := 0; i < nameTableEntries; i++ {
		eoff := nameTableOffset + i*nameEntrySize
		field := s.data[eoff : eoff+nameFieldSize]
		if decodeName(field) == name {
			for j := range field {
				field[j] = 0
			}
			return nil
		}
	}
	return nil
}

// ConstructAnonymous reserves a fresh size-byte arena region with no name.
func (s *MmapSegment) ConstructAnonymous(size int) (int64, error) {
	s.bootstrap()
	s.hdr.Lock()
	defer s.hdr.Unlock()
	return s.constructLocked(size)
}

func (s *MmapSegment) constructLocked(size int) (int64, error) {
	cur := s.readBump()
	next := cur + int64(size)
	if next > int64(len(s.data)) {
		return 0, fmt.Errorf("shm: arena exhausted (need %d, have %d)", size, int64(len(s.data))-cur)
	}
	s.writeBump(next)
	return cur, nil
}

// DestroyPtr is a bookkeeping no-op. Shared byte regions in this design are
// released only at segment-nuke, matching the source's "segment memory is
// freed only at nuke" rule; there is no per-region free path.
func (s *MmapSegment) DestroyPtr(offset int64, size int) error {
	return nil
}

// Bytes returns a view of size bytes starting at offset.
func (s *MmapSegment) Bytes(offset int64, size int) []byte {
	return s.data[offset : offset+int64(size)]
}

// AddressFromHandle returns the process-local address for offset.
func (s *MmapSegment) AddressFromHandle(offset int64) unsafe.Pointer {
	return unsafe.Pointer(&s.data[offset])
}

// HandleFromAddress reverses AddressFromHandle.
func (s *MmapSegment) HandleFromAddress(addr unsafe.Pointer) int64 {
	return int64(uintptr(addr) - uintptr(unsafe.Pointer(&s.data[0])))
}

// Size reports the total mapped size, header included.
func (s *MmapSegment) Size() int64 { return int64(len(s.data)) }

// Close releases the underlying OS mapping.
func (s *MmapSegment) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func decodeName(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func encodeName(dst []byte, name string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, name)
}
