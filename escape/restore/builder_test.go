/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

package restore

import (
	"testing"

	"github.com/crewlab/escapepod/escape/proto"
	"golang.org/x/sys/unix"
)

func TestDeriveNewMmapsSkipsKernelVvar(t *testing.T) {
	mmaps := []proto.MemoryMapping{
		{Address: 0x1000, Len: 0x1000, Perm: proto.PermRead | proto.PermWrite,
			Data: proto.MappingData{Kind: proto.MappingBuffer}},
		{Address: 0x2000, Len: 0x1000,
			Data: proto.MappingData{Kind: proto.MappingKernelVvar}},
	}

	out := deriveNewMmaps(mmaps)
	if len(out) != 1 {
		t.Fatalf("expected KernelVvar entry to be dropped, got %d entries", len(out))
	}
	if out[0].Addr != 0x1000 {
		t.Fatalf("unexpected surviving entry: %+v", out[0])
	}
}

func TestDeriveNewMmapsBufferFlags(t *testing.T) {
	mmaps := []proto.MemoryMapping{
		{Address: 0x4000, Len: 0x1000, Perm: proto.PermRead | proto.PermWrite,
			Data: proto.MappingData{Kind: proto.MappingBuffer}},
	}

	out := deriveNewMmaps(mmaps)
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
	e := out[0]
	wantFlags := uint64(unix.MAP_FIXED | unix.MAP_PRIVATE | unix.MAP_ANONYMOUS)
	if e.Flags != wantFlags {
		t.Errorf("Flags = %#x, want %#x", e.Flags, wantFlags)
	}
	if e.Fd != 0 || e.Offset != 0 {
		t.Errorf("buffer mapping should carry no fd/offset, got fd=%d offset=%d", e.Fd, e.Offset)
	}
	wantProt := uint64(unix.PROT_READ | unix.PROT_WRITE)
	if e.Prot != wantProt {
		t.Errorf("Prot = %#x, want %#x", e.Prot, wantProt)
	}
}

func TestDeriveNewMmapsFileFlagsPrivate(t *testing.T) {
	mmaps := []proto.MemoryMapping{
		{Address: 0x5000, Len: 0x2000, Perm: proto.PermRead | proto.PermExec, Flags: proto.MapPrivate,
			Data: proto.MappingData{Kind: proto.MappingFile, FileFd: 7, FileOffset: 0x1000}},
	}

	out := deriveNewMmaps(mmaps)
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
	e := out[0]
	wantFlags := uint64(unix.MAP_FIXED | unix.MAP_PRIVATE)
	if e.Flags != wantFlags {
		t.Errorf("Flags = %#x, want %#x", e.Flags, wantFlags)
	}
	if e.Fd != 7 || e.Offset != 0x1000 {
		t.Errorf("unexpected fd/offset: fd=%d offset=%d", e.Fd, e.Offset)
	}
}

func TestDeriveNewMmapsFileFlagsShared(t *testing.T) {
	mmaps := []proto.MemoryMapping{
		{Address: 0x6000, Len: 0x1000, Perm: proto.PermRead, Flags: proto.MapShared,
			Data: proto.MappingData{Kind: proto.MappingFile, FileFd: 9, FileOffset: 0}},
	}

	out := deriveNewMmaps(mmaps)
	wantFlags := uint64(unix.MAP_FIXED | unix.MAP_SHARED)
	if out[0].Flags != wantFlags {
		t.Errorf("Flags = %#x, want %#x", out[0].Flags, wantFlags)
	}
}

func TestOwnMappingsExcludesRegion(t *testing.T) {
	mmaps, err := ownMappings(^uintptr(0), 0) // an address that cannot match any real mapping
	if err != nil {
		t.Fatalf("ownMappings: %v", err)
	}
	if len(mmaps) == 0 {
		t.Fatal("expected at least one mapping from the running test binary's own /proc/self/maps")
	}
	for _, m := range mmaps {
		if m.Addr == uint64(^uintptr(0)) {
			t.Fatal("sentinel region address should never appear in real mappings")
		}
	}

	region := mmaps[0].Addr
	excluded, err := ownMappings(uintptr(region), 0)
	if err != nil {
		t.Fatalf("ownMappings: %v", err)
	}
	for _, m := range excluded {
		if m.Addr == region {
			t.Fatalf("mapping at region address %#x was not excluded", region)
		}
	}
}
