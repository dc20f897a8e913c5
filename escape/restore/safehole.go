/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

package restore

import (
	"errors"
	"sort"

	"github.com/crewlab/escapepod/escape/proto"
)

// ErrNoSafeHole is returned when no inter-mapping gap of the target
// address space is large enough to host the trampoline region.
var ErrNoSafeHole = errors.New("restore: no safe hole found in target address space")

// RestoreSpaceBytes is the nominal size of the trampoline region before
// page rounding: generous headroom for RestoreState, the CurrentMmap and
// NewMmap arrays, the relocated machine code, and a small stack.
const RestoreSpaceBytes = 100 * 1024

// restoreSpace rounds RestoreSpaceBytes up to a page multiple and adds one
// page of slack, per SPEC_FULL.md §4.9 step 2.
func restoreSpace(pageSize uintptr) uintptr {
	space := uintptr(RestoreSpaceBytes)
	rem := space % pageSize
	if rem != 0 {
		space += pageSize - rem
	}
	return space + pageSize
}

// FindSafeHole sorts mmaps by address, finds the first inter-mapping gap
// big enough to hold restoreSpace(pageSize) plus one page of slack on
// either side, and returns the address one page past the start of that gap
// together with restoreSpace(pageSize) as the length. Only gaps between two existing mappings
// are considered — never the space before the first mapping or after the
// last — matching the original implementation's behavior of skipping the
// first mapping in its scan (SPEC_FULL.md §13). Testable Property #5: the
// returned range never overlaps any target mapping.
func FindSafeHole(mmaps []proto.MemoryMapping, pageSize uintptr) (addr, length uintptr, err error) {
	if len(mmaps) == 0 {
		return 0, 0, ErrNoSafeHole
	}
	sorted := make([]proto.MemoryMapping, len(mmaps))
	copy(sorted, mmaps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	space := restoreSpace(pageSize)
	need := space + 2*pageSize

	prev := sorted[0]
	for _, m := range sorted[1:] {
		gap := m.Address - prev.AddressEnd()
		if uintptr(gap) >= need {
			start := prev.AddressEnd() + uint64(pageSize)
			return uintptr(start), space, nil
		}
		prev = m
	}
	return 0, 0, ErrNoSafeHole
}
