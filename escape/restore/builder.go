/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

package restore

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/crewlab/escapepod/escape/procfs"
	"github.com/crewlab/escapepod/escape/proto"
	"github.com/crewlab/escapepod/escape/restore/asm"
	"golang.org/x/sys/unix"
)

// stackSize is the scratch stack handed to the relocated trampoline; its
// four stages need only a handful of local values, so this is generous.
const stackSize = 8 * 1024

// Build performs SPEC_FULL.md §4.9 steps 2-6: find a safe hole, map the
// trampoline region inside it, populate the RestoreState and its arrays,
// copy in the relocated machine code, and jump. On success Build does not
// return — the calling process's address space has been replaced by the
// snapshot's. A returned error means something failed before the jump,
// which the caller (cmd/escapepod-restore) can still report.
func Build(proc *proto.Process, readyFd int) error {
	pageSz := uintptr(unix.Getpagesize())

	holeAddr, holeLen, err := FindSafeHole(proc.Mmaps, pageSz)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	regionAddr := holeAddr + pageSz
	regionLen := holeLen - pageSz

	base, err := mmapFixed(regionAddr, regionLen, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_FIXED|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("restore: mmap trampoline region: %w", err)
	}
	region := unsafe.Slice((*byte)(unsafe.Pointer(base)), regionLen)

	currentMmaps, err := ownMappings(regionAddr, regionLen)
	if err != nil {
		return fmt.Errorf("restore: enumerate own mappings: %w", err)
	}
	newMmaps := deriveNewMmaps(proc.Mmaps)

	start, end := asm.Bounds()
	codeLen := int(end - start)
	if codeLen <= 0 {
		return fmt.Errorf("restore: implausible trampoline length %d", codeLen)
	}

	currentOff := align8(stateSize)
	newOff := align8(currentOff + len(currentMmaps)*currentMmapEntrySize)
	codeOff := align8(newOff + len(newMmaps)*newMmapEntrySize)
	stackOff := align8(codeOff + codeLen)

	if stackOff+stackSize > int(regionLen) {
		return fmt.Errorf("restore: trampoline region too small: need %d, have %d", stackOff+stackSize, regionLen)
	}

	encodeState(region,
		uint64(len(currentMmaps)), uint64(base)+uint64(currentOff),
		uint64(len(newMmaps)), uint64(base)+uint64(newOff),
		readyFd, int32(os.Getpid()))
	encodeCurrentMmaps(region, currentOff, currentMmaps)
	encodeNewMmaps(region, newOff, newMmaps)

	code := unsafe.Slice((*byte)(unsafe.Pointer(start)), codeLen)
	copy(region[codeOff:], code)

	newSP := base + uintptr(stackOff) + stackSize - 8
	targetCode := base + uintptr(codeOff)

	asm.JumpTo(newSP, targetCode, base)
	return nil // unreachable when JumpTo succeeds
}

// mmapFixed issues a raw mmap(2) syscall at a specific address. The
// golang.org/x/sys/unix.Mmap wrapper does not expose MAP_FIXED's target
// address, so the trampoline's placement — the one part of this package
// that must land at an address we chose, not one the kernel picks — goes
// through the syscall directly.
func mmapFixed(addr, length uintptr, prot, flags int) (uintptr, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

// ownMappings reads this process's own /proc/self/maps, excluding the
// trampoline region itself, per SPEC_FULL.md §4.9 step 4's exception.
func ownMappings(regionAddr, regionLen uintptr) ([]currentMmap, error) {
	mmaps, err := procfs.Mappings(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	out := make([]currentMmap, 0, len(mmaps))
	for _, m := range mmaps {
		if uintptr(m.Address) == regionAddr {
			continue
		}
		out = append(out, currentMmap{Addr: m.Address, Len: m.Len})
	}
	return out, nil
}

// deriveNewMmaps builds the target address space's NewMmap array from the
// snapshot's mappings. KernelVvar mappings are excluded: the kernel
// reinstates them itself (spec.md §3).
func deriveNewMmaps(mmaps []proto.MemoryMapping) []newMmap {
	out := make([]newMmap, 0, len(mmaps))
	for _, m := range mmaps {
		if m.Data.Kind == proto.MappingKernelVvar {
			continue
		}

		flags := uint64(unix.MAP_FIXED)
		var fd, offset uint64
		switch m.Data.Kind {
		case proto.MappingFile:
			fd = uint64(m.Data.FileFd)
			offset = m.Data.FileOffset
			if m.Flags&proto.MapShared != 0 {
				flags |= uint64(unix.MAP_SHARED)
			} else {
				flags |= uint64(unix.MAP_PRIVATE)
			}
		default: // MappingBuffer
			flags |= uint64(unix.MAP_PRIVATE) | uint64(unix.MAP_ANONYMOUS)
		}

		out = append(out, newMmap{
			Addr:   m.Address,
			Len:    m.Len,
			Prot:   uint64(m.Perm), // MapPerm's R/W/X bits coincide with PROT_READ/WRITE/EXEC
			Flags:  flags,
			Fd:     fd,
			Offset: offset,
		})
	}
	return out
}
