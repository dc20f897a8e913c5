/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Package restore implements the Restorer (SPEC_FULL.md §4.9): finding a
// safe hole in the target address space, materializing a trampoline
// region inside it, and handing off execution to the relocated code in
// escape/restore/asm that performs the actual unmap/remap/signal
// sequence with nothing but raw syscalls.
package restore

import "encoding/binary"

// The trampoline region's byte layout, shared between this package (which
// writes it) and escape/restore/asm's Trampoline routine (which reads it
// after being relocated). Every field is a fixed-width little-endian
// uint64 so the assembly can address fields by constant offset without
// any struct-tag machinery.
const (
	stateCurrentMmapsLen = 0
	stateCurrentMmapsPtr = 8
	stateNewMmapsLen     = 16
	stateNewMmapsPtr     = 24
	stateReadyFd         = 32
	statePid             = 40
	stateSize            = 48

	currentMmapEntrySize = 16 // addr, len
	newMmapEntrySize     = 48 // addr, len, prot, flags, fd, offset
)

// currentMmap is one entry of the restorer's own address space, captured
// immediately before relocation so stage 1 can munmap every byte of it.
type currentMmap struct {
	Addr uint64
	Len  uint64
}

// newMmap is one entry of the target address space to recreate in stage
// 2. Flags is hardcoded to MAP_FIXED|MAP_PRIVATE|MAP_ANONYMOUS for
// Buffer-tagged mappings; File-tagged mappings additionally set Fd/Offset
// and drop MAP_ANONYMOUS.
type newMmap struct {
	Addr   uint64
	Len    uint64
	Prot   uint64
	Flags  uint64
	Fd     uint64
	Offset uint64
}

// encodeState writes the RestoreState header at the start of buf.
func encodeState(buf []byte, currentLen, currentPtr, newLen, newPtr uint64, readyFd int, pid int32) {
	binary.LittleEndian.PutUint64(buf[stateCurrentMmapsLen:], currentLen)
	binary.LittleEndian.PutUint64(buf[stateCurrentMmapsPtr:], currentPtr)
	binary.LittleEndian.PutUint64(buf[stateNewMmapsLen:], newLen)
	binary.LittleEndian.PutUint64(buf[stateNewMmapsPtr:], newPtr)
	binary.LittleEndian.PutUint64(buf[stateReadyFd:], uint64(readyFd))
	binary.LittleEndian.PutUint64(buf[statePid:], uint64(pid))
}

// encodeCurrentMmaps appends the CurrentMmap array to buf at off.
func encodeCurrentMmaps(buf []byte, off int, mmaps []currentMmap) {
	for i, m := range mmaps {
		e := buf[off+i*currentMmapEntrySize:]
		binary.LittleEndian.PutUint64(e[0:], m.Addr)
		binary.LittleEndian.PutUint64(e[8:], m.Len)
	}
}

// encodeNewMmaps appends the NewMmap array to buf at off.
func encodeNewMmaps(buf []byte, off int, mmaps []newMmap) {
	for i, m := range mmaps {
		e := buf[off+i*newMmapEntrySize:]
		binary.LittleEndian.PutUint64(e[0:], m.Addr)
		binary.LittleEndian.PutUint64(e[8:], m.Len)
		binary.LittleEndian.PutUint64(e[16:], m.Prot)
		binary.LittleEndian.PutUint64(e[24:], m.Flags)
		binary.LittleEndian.PutUint64(e[32:], m.Fd)
		binary.LittleEndian.PutUint64(e[40:], m.Offset)
	}
}

// align8 rounds n up to the next multiple of 8, the alignment every field
// in the trampoline region is laid out on (SPEC_FULL.md §4.9 step 3).
func align8(n int) int {
	return (n + 7) &^ 7
}
