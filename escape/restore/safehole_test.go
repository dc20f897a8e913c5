/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

package restore

import (
	"errors"
	"testing"

	"github.com/crewlab/escapepod/escape/proto"
)

const pageSize = 4096

// TestFindSafeHoleLocatesGap is E5 (SPEC_FULL.md §8): given mappings that
// leave exactly one sufficiently large gap, the hole is chosen inside it
// and does not overlap any mapping.
func TestFindSafeHoleLocatesGap(t *testing.T) {
	need := restoreSpace(pageSize) + 2*pageSize
	gapStart := uint64(0x10000000)
	gapEnd := gapStart + uint64(need) + uint64(pageSize) // the mapping at gapStart takes one page; the gap after it is exactly need

	mmaps := []proto.MemoryMapping{
		{Address: gapStart - 0x1000, Len: 0x1000},
		{Address: gapStart, Len: 0x1000},
		{Address: gapEnd, Len: 0x1000},
	}

	addr, length, err := FindSafeHole(mmaps, pageSize)
	if err != nil {
		t.Fatalf("FindSafeHole: %v", err)
	}
	if length != restoreSpace(pageSize) {
		t.Fatalf("length = %d, want %d", length, restoreSpace(pageSize))
	}
	if uint64(addr) < gapStart+0x1000 || uint64(addr+length) > gapEnd {
		t.Fatalf("chosen hole [%#x,%#x) is not inside the gap [%#x,%#x)", addr, addr+length, gapStart+0x1000, gapEnd)
	}
	for _, m := range mmaps {
		if addr < m.Address+m.Len && addr+length > m.Address {
			t.Fatalf("chosen hole [%#x,%#x) overlaps mapping [%#x,%#x)", addr, addr+length, m.Address, m.AddressEnd())
		}
	}
}

func TestFindSafeHoleNoGapFails(t *testing.T) {
	mmaps := []proto.MemoryMapping{
		{Address: 0x1000, Len: 0x1000},
		{Address: 0x2000, Len: 0x1000},
	}
	_, _, err := FindSafeHole(mmaps, pageSize)
	if !errors.Is(err, ErrNoSafeHole) {
		t.Fatalf("expected ErrNoSafeHole, got %v", err)
	}
}

func TestFindSafeHoleIgnoresSpaceBeforeFirstMapping(t *testing.T) {
	need := restoreSpace(pageSize) + 2*pageSize
	// An enormous gap exists before the first mapping, but per the
	// original implementation's .skip(1) behavior it must never be
	// chosen — only inter-mapping gaps count.
	mmaps := []proto.MemoryMapping{
		{Address: uint64(need) * 4, Len: 0x1000},
		{Address: uint64(need)*4 + 0x2000, Len: 0x1000},
	}
	_, _, err := FindSafeHole(mmaps, pageSize)
	if !errors.Is(err, ErrNoSafeHole) {
		t.Fatalf("expected ErrNoSafeHole (space before first mapping must be ignored), got %v", err)
	}
}

func TestFindSafeHoleSingleMappingFails(t *testing.T) {
	mmaps := []proto.MemoryMapping{{Address: 0x1000, Len: 0x1000}}
	_, _, err := FindSafeHole(mmaps, pageSize)
	if !errors.Is(err, ErrNoSafeHole) {
		t.Fatalf("expected ErrNoSafeHole, got %v", err)
	}
}
