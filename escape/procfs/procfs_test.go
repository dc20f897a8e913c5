/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

package procfs

import (
	"os"
	"testing"

	"github.com/crewlab/escapepod/escape/proto"
)

func TestParseMapsLine(t *testing.T) {
	ResetBufferIDs()

	cases := []struct {
		name    string
		line    string
		wantOK  bool
		wantLen uint64
		wantVvar bool
	}{
		{
			name:    "anonymous rw",
			line:    "7f0000000000-7f0000001000 rw-p 00000000 00:00 0 ",
			wantOK:  true,
			wantLen: 0x1000,
		},
		{
			name:    "file-backed executable",
			line:    "00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dd",
			wantOK:  true,
			wantLen: 0x52000,
		},
		{
			name:     "vvar excluded from buffer allocation",
			line:     "7ffe00000000-7ffe00001000 r--p 00000000 00:00 0 [vvar]",
			wantOK:   true,
			wantLen:  0x1000,
			wantVvar: true,
		},
		{
			name:   "blank line skipped",
			line:   "",
			wantOK: false,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, ok, err := parseMapsLine(c.line)
			if err != nil {
				t.Fatalf("parseMapsLine: %v", err)
			}
			if ok != c.wantOK {
				t.Fatalf("ok = %v, want %v", ok, c.wantOK)
			}
			if !ok {
				return
			}
			if m.Len != c.wantLen {
				t.Fatalf("len = %#x, want %#x", m.Len, c.wantLen)
			}
			if c.wantVvar && m.Data.Kind != proto.MappingKernelVvar {
				t.Fatalf("expected KernelVvar, got %v", m.Data.Kind)
			}
			if !c.wantVvar && m.Data.Kind != proto.MappingBuffer {
				t.Fatalf("expected Buffer, got %v", m.Data.Kind)
			}
		})
	}
}

// TestBufferIDsMonotonicAndUnique exercises Testable Property #3: ids
// handed out across several mappings never repeat.
func TestBufferIDsMonotonicAndUnique(t *testing.T) {
	ResetBufferIDs()
	seen := map[proto.BufferId]bool{}
	for i := 0; i < 16; i++ {
		id := nextBufferID()
		if seen[id] {
			t.Fatalf("duplicate buffer id %d", id)
		}
		seen[id] = true
	}
}

func TestParseInodeBracket(t *testing.T) {
	cases := []struct {
		target string
		want   uint64
		ok     bool
	}{
		{"pipe:[12345]", 12345, true},
		{"socket:[99]", 99, true},
		{"pipe:malformed", 0, false},
	}
	for _, c := range cases {
		got, ok := parseInodeBracket(c.target)
		if ok != c.ok || (ok && got != c.want) {
			t.Fatalf("parseInodeBracket(%q) = (%d, %v), want (%d, %v)", c.target, got, ok, c.want, c.ok)
		}
	}
}

func TestSecondField(t *testing.T) {
	v, ok := secondField("Uid:\t1000\t1000\t1000\t1000")
	if !ok || v != 1000 {
		t.Fatalf("secondField = (%d, %v), want (1000, true)", v, ok)
	}
	if _, ok := secondField("Uid:"); ok {
		t.Fatal("expected ok=false for short line")
	}
}

// TestChildrenOfIsPerThread calls ChildrenOf once per thread of this test
// process and checks that every per-thread children list is readable —
// the per-tid lookup escape/freeze's captureRecursive uses to attribute a
// forked child to the thread that forked it (spec.md §3).
func TestChildrenOfIsPerThread(t *testing.T) {
	pid := int32(os.Getpid())
	tids, err := Tids(pid)
	if err != nil {
		t.Fatalf("Tids: %v", err)
	}
	if len(tids) == 0 {
		t.Fatal("expected at least the main thread")
	}
	for _, tid := range tids {
		if _, err := ChildrenOf(pid, tid); err != nil {
			t.Fatalf("ChildrenOf(%d, %d): %v", pid, tid, err)
		}
	}
}

func TestChildrenAggregatesAcrossThreads(t *testing.T) {
	pid := int32(os.Getpid())
	if _, err := Children(pid); err != nil {
		t.Fatalf("Children: %v", err)
	}
}

func TestHexDecodeAndParseIPPort(t *testing.T) {
	ip, port, err := ParseIPPort("0100007F:1F90")
	if err != nil {
		t.Fatalf("ParseIPPort: %v", err)
	}
	if port != 8080 {
		t.Fatalf("port = %d, want 8080", port)
	}
	if ip.String() != "127.0.0.1" {
		t.Fatalf("ip = %s, want 127.0.0.1", ip.String())
	}
}
