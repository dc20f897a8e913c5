/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Package procfs builds escape/proto snapshot records from a live pid by
// reading /proc directly. It has no dependency on ptrace; register capture
// lives in escape/ptrace and is wired in by escape/freeze.
package procfs

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/crewlab/escapepod/escape/proto"
)

// ErrCaptureUnsupported is returned when a descriptor target cannot yet be
// classified (anon-inodes, memfd, and other targets proc.rs marks todo()).
var ErrCaptureUnsupported = errors.New("procfs: capture unsupported for this descriptor")

// bufferIDs is the single monotonic counter shared across an entire
// snapshot; every Buffer-tagged mapping, across every process in the tree,
// draws from it so BufferIds never collide (Testable Property #3).
var bufferIDs uint32

func nextBufferID() proto.BufferId {
	return proto.BufferId(atomic.AddUint32(&bufferIDs, 1) - 1)
}

// ResetBufferIDs rewinds the shared counter. Intended for tests only; a
// live freeze session never calls this mid-snapshot.
func ResetBufferIDs() {
	atomic.StoreUint32(&bufferIDs, 0)
}

// Children returns the pids of processes forked by any thread of pid,
// aggregated across every tid's /proc/<pid>/task/<tid>/children. Use this
// only where the caller doesn't care which thread forked which child (the
// stop pass, which just needs to discover and SIGSTOP the whole tree); a
// capture pass that builds per-thread Process records must use ChildrenOf
// instead, since spec.md §3 attributes children to the forking thread, not
// to the process as a whole.
func Children(pid int32) ([]int32, error) {
	tids, err := Tids(pid)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, tid := range tids {
		children, err := ChildrenOf(pid, tid)
		if err != nil {
			continue
		}
		out = append(out, children...)
	}
	return out, nil
}

// ChildrenOf returns the pids of processes forked specifically by tid,
// read from /proc/<pid>/task/<tid>/children.
func ChildrenOf(pid, tid int32) ([]int32, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/children", pid, tid))
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, f := range strings.Fields(string(raw)) {
		n, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, int32(n))
	}
	return out, nil
}

// Tids lists the thread ids of pid from /proc/<pid>/task.
func Tids(pid int32) ([]int32, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	out := make([]int32, 0, len(entries))
	for _, e := range entries {
		n, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		out = append(out, int32(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ThreadOwnership reads the euid/egid of tid from /proc/<pid>/task/<tid>/status.
func ThreadOwnership(pid, tid int32) (uid, gid uint32, err error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/task/%d/status", pid, tid))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Uid:"):
			if v, ok := secondField(line); ok {
				uid = uint32(v)
			}
		case strings.HasPrefix(line, "Gid:"):
			if v, ok := secondField(line); ok {
				gid = uint32(v)
			}
		}
	}
	return uid, gid, sc.Err()
}

// secondField extracts the effective id (the second whitespace field, after
// the "Uid:"/"Gid:" label) from a /proc/<pid>/status line of the form
// "Uid:\treal\teffective\tsaved\tfs".
func secondField(line string) (int64, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0, false
	}
	v, err := strconv.ParseInt(fields[2], 10, 64)
	return v, err == nil
}

// Fds builds Fd records for pid by reading /proc/<pid>/fd and resolving
// each symlink target. File targets become FdFile with position 0 (true
// position recovery is unspecified, per SPEC_FULL.md §9's open question);
// pipe targets become FdPipe keyed by inode so paired halves across
// processes share a pipe_id; socket and other anonymous-inode targets are
// currently ErrCaptureUnsupported.
func Fds(pid int32) ([]proto.Fd, error) {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := make([]proto.Fd, 0, len(entries))
	for _, e := range entries {
		fdNum, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			continue // fd closed between readdir and readlink
		}

		fd := proto.Fd{Fd: uint32(fdNum)}
		switch {
		case strings.HasPrefix(target, "pipe:["):
			id, ok := parseInodeBracket(target)
			if !ok {
				return nil, fmt.Errorf("%w: malformed pipe target %q", ErrCaptureUnsupported, target)
			}
			fd.Kind = proto.FdPipe
			fd.PipeId = id
		case strings.HasPrefix(target, "socket:["):
			return nil, fmt.Errorf("%w: socket fd %d", ErrCaptureUnsupported, fdNum)
		case strings.HasPrefix(target, "anon_inode:"):
			return nil, fmt.Errorf("%w: anon_inode fd %d (%s)", ErrCaptureUnsupported, fdNum, target)
		case strings.HasPrefix(target, "/memfd:"):
			return nil, fmt.Errorf("%w: memfd fd %d", ErrCaptureUnsupported, fdNum)
		default:
			fd.Kind = proto.FdFile
			fd.Path = target
			fd.Position = 0
		}
		out = append(out, fd)
	}
	return out, nil
}

// parseInodeBracket extracts N from "pipe:[N]" or "socket:[N]".
func parseInodeBracket(target string) (uint64, bool) {
	l := strings.IndexByte(target, '[')
	r := strings.IndexByte(target, ']')
	if l < 0 || r < 0 || r < l {
		return 0, false
	}
	n, err := strconv.ParseUint(target[l+1:r], 10, 64)
	return n, err == nil
}

// Mappings parses /proc/<pid>/maps (and, where available, /proc/<pid>/smaps
// for the private/shared VmFlags classification — see SPEC_FULL.md §13)
// into MemoryMapping records. KernelVvar is recognized by the "[vvar]"
// pathname annotation and excluded from buffer-id allocation; every other
// mapping, anonymous or file-backed, is recorded as Buffer(id) per §4.3.
func Mappings(pid int32) ([]proto.MemoryMapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	flags, _ := smapsFlags(pid) // best-effort; absent on some kernels/containers

	var out []proto.MemoryMapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, ok, err := parseMapsLine(sc.Text())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		m.Flags = flags[m.Address]
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseMapsLine parses one /proc/pid/maps line, e.g.:
//
//	00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dd
func parseMapsLine(line string) (proto.MemoryMapping, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return proto.MemoryMapping{}, false, nil
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return proto.MemoryMapping{}, false, fmt.Errorf("procfs: malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return proto.MemoryMapping{}, false, err
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return proto.MemoryMapping{}, false, err
	}

	perms := fields[1]
	var perm proto.MapPerm
	if strings.Contains(perms, "r") {
		perm |= proto.PermRead
	}
	if strings.Contains(perms, "w") {
		perm |= proto.PermWrite
	}
	if strings.Contains(perms, "x") {
		perm |= proto.PermExec
	}

	pathname := ""
	if len(fields) >= 6 {
		pathname = strings.Join(fields[5:], " ")
	}

	m := proto.MemoryMapping{
		Address: start,
		Len:     end - start,
		Perm:    perm,
	}
	if pathname == "[vvar]" {
		m.Data = proto.MappingData{Kind: proto.MappingKernelVvar}
	} else {
		m.Data = proto.MappingData{Kind: proto.MappingBuffer, Buffer: nextBufferID()}
	}
	return m, true, nil
}

// smapsFlags reads /proc/<pid>/smaps and returns, per mapping start
// address, MapPrivate or MapShared as derived from the VmFlags "sh" token.
// Absence of smaps (permission, old kernel) is not fatal: callers get a nil
// map and every mapping's Flags stays zero, same as the original source.
func smapsFlags(pid int32) (map[uint64]proto.MapFlags, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/smaps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[uint64]proto.MapFlags{}
	var cur uint64
	have := false

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if addrs := strings.SplitN(line, "-", 2); len(addrs) == 2 && looksLikeHeader(line) {
			start, err := strconv.ParseUint(strings.Fields(addrs[0])[0], 16, 64)
			if err == nil {
				cur = start
				have = true
			}
			continue
		}
		if have && strings.HasPrefix(line, "VmFlags:") {
			if hasFlagToken(line, "sh") {
				out[cur] = proto.MapShared
			} else {
				out[cur] = proto.MapPrivate
			}
			have = false
		}
	}
	return out, sc.Err()
}

func looksLikeHeader(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	return strings.Contains(fields[0], "-") && !strings.HasPrefix(line, "Vm")
}

func hasFlagToken(line, token string) bool {
	for _, f := range strings.Fields(strings.TrimPrefix(line, "VmFlags:")) {
		if f == token {
			return true
		}
	}
	return false
}

// ParseIPPort splits a /proc/net-style hex "addr:port" pair (as seen in
// /proc/<pid>/net/tcp) into a net.IP and port. Kept for future socket
// capture; not yet wired into Fds (sockets are ErrCaptureUnsupported today).
func ParseIPPort(hex string) (net.IP, uint16, error) {
	parts := strings.SplitN(hex, ":", 2)
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("procfs: malformed addr:port %q", hex)
	}
	portN, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return nil, 0, err
	}
	raw, err := hexDecode(parts[0])
	if err != nil {
		return nil, 0, err
	}
	// /proc/net/tcp stores each 32-bit word little-endian.
	ip := make(net.IP, len(raw))
	for i := 0; i < len(raw); i += 4 {
		end := i + 4
		if end > len(raw) {
			end = len(raw)
		}
		word := raw[i:end]
		for j, k := 0, len(word)-1; j < k; j, k = j+1, k-1 {
			word[j], word[k] = word[k], word[j]
		}
		copy(ip[i:end], word)
	}
	return ip, uint16(portN), nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("procfs: odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		var b byte
		for j := 0; j < 2; j++ {
			c := s[i*2+j]
			b <<= 4
			switch {
			case c >= '0' && c <= '9':
				b |= c - '0'
			case c >= 'a' && c <= 'f':
				b |= c - 'a' + 10
			case c >= 'A' && c <= 'F':
				b |= c - 'A' + 10
			default:
				return nil, fmt.Errorf("procfs: invalid hex digit %q", c)
			}
		}
		out[i] = b
	}
	return out, nil
}
