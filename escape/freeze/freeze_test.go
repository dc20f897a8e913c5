/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

package freeze

import (
	"testing"

	"github.com/crewlab/escapepod/escape/proto"
)

func TestSelfAndDescendantsPreOrder(t *testing.T) {
	tree := []proto.Process{
		{
			Pid: 1,
			Threads: []proto.Thread{{
				Tid: 1,
				Children: []proto.Process{
					{Pid: 2, Threads: []proto.Thread{{Tid: 2}}},
					{Pid: 3, Threads: []proto.Thread{{Tid: 3, Children: []proto.Process{
						{Pid: 4},
					}}}},
				},
			}},
		},
	}

	got := selfAndDescendants(tree)
	want := []int32{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %d processes, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.Pid != want[i] {
			t.Fatalf("position %d: got pid %d, want %d", i, p.Pid, want[i])
		}
	}
}

func TestSortedBufferMappingsOrderAndFilter(t *testing.T) {
	mmaps := []proto.MemoryMapping{
		{Address: 0x3000, Data: proto.MappingData{Kind: proto.MappingBuffer, Buffer: 2}},
		{Address: 0x1000, Data: proto.MappingData{Kind: proto.MappingKernelVvar}},
		{Address: 0x2000, Data: proto.MappingData{Kind: proto.MappingBuffer, Buffer: 1}},
	}

	got := sortedBufferMappings(mmaps)
	if len(got) != 2 {
		t.Fatalf("expected 2 buffer mappings, got %d", len(got))
	}
	if got[0].Address != 0x2000 || got[1].Address != 0x3000 {
		t.Fatalf("mappings not sorted by address: %+v", got)
	}
}
