// File: hybridpool/gpurecord.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// GpuBufferDataWithPID's segment-resident encoding: a fixed 16-byte record
// {handle uint64, memoryTypeIndex uint32, pad uint32}. A sharedPool's
// generic (offset, size, originPID) sizes/free-list entries point at one of
// these for GPU pools, reusing the same free-list machinery the CPU pool
// uses over raw byte regions.

package hybridpool

import "encoding/binary"

const gpuRecordSize = 16

func writeGPURecord(region []byte, handle uint64, memoryTypeIndex uint32) {
	binary.LittleEndian.PutUint64(region[0:], handle)
	binary.LittleEndian.PutUint32(region[8:], memoryTypeIndex)
}

func readGPURecord(region []byte) (handle uint64, memoryTypeIndex uint32) {
	handle = binary.LittleEndian.Uint64(region[0:])
	memoryTypeIndex = binary.LittleEndian.Uint32(region[8:])
	return
}
