/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

package destination

import (
	"testing"

	"github.com/crewlab/escapepod/escape/elog"
	"github.com/crewlab/escapepod/escape/proto"
)

func TestBuildBufferAddr(t *testing.T) {
	mmaps := []proto.MemoryMapping{
		{Address: 0x1000, Data: proto.MappingData{Kind: proto.MappingBuffer, Buffer: 0}},
		{Address: 0x2000, Data: proto.MappingData{Kind: proto.MappingKernelVvar}},
		{Address: 0x3000, Data: proto.MappingData{Kind: proto.MappingBuffer, Buffer: 1}},
	}
	got := buildBufferAddr(mmaps)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0] != 0x1000 || got[1] != 0x3000 {
		t.Fatalf("unexpected addresses: %+v", got)
	}
}

func TestDeliverBufferNoOwnerLogsAndReturnsNil(t *testing.T) {
	lg := elog.NewDiscardLogger()
	err := deliverBuffer(nil, proto.Buffer{Id: 99, Buf: []byte("x")}, lg)
	if err != nil {
		t.Fatalf("expected nil error for unclaimed buffer, got %v", err)
	}
}
