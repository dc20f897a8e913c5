/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Package freeze implements the Freeze Controller (SPEC_FULL.md §4.6): a
// two-pass stop-then-capture walk of a process tree, followed by
// streaming the resulting snapshot and buffer contents over a transport
// connection, and finally terminating the captured tree.
package freeze

import (
	"errors"
	"fmt"
	"sort"

	"github.com/crewlab/escapepod/escape/elog"
	"github.com/crewlab/escapepod/escape/memread"
	"github.com/crewlab/escapepod/escape/procfs"
	"github.com/crewlab/escapepod/escape/proto"
	"github.com/crewlab/escapepod/escape/ptrace"
	"github.com/crewlab/escapepod/escape/transport"
	"golang.org/x/sys/unix"
)

// ErrMemoryRead, ErrRegisterCapture and ErrCaptureUnsupport alias the lower
// packages' sentinel errors; see SPEC_FULL.md §7 for the error-kind
// taxonomy. Run itself does not return them: a failed register capture
// drops that thread, an unsupported descriptor leaves the process's Fds
// empty, and a failed mapping read is logged and that Buffer is skipped.
var (
	ErrMemoryRead       = memread.ErrMemoryRead
	ErrRegisterCapture  = ptrace.ErrRegisterCapture
	ErrCaptureUnsupport = procfs.ErrCaptureUnsupported
)

// Run performs the full freeze lifecycle against rootPid and streams the
// result over conn: Stop, Capture, Stream, Terminate, Finish (SPEC_FULL.md
// §4.6). The two-pass split between Stop and Capture exists so that no
// process in the tree can fork a new, uncaptured child between when its
// siblings are stopped and when its own /proc is read (SPEC_FULL.md §13).
func Run(conn *transport.Conn, rootPid int32, lg *elog.Logger) error {
	var stopped []int32
	if err := stopRecursive(rootPid, &stopped); err != nil {
		return fmt.Errorf("freeze: stop: %w", err)
	}
	lg.Info("stopped process tree", elog.KV("root_pid", rootPid), elog.KV("count", len(stopped)))

	root, err := captureRecursive(rootPid)
	if err != nil {
		return fmt.Errorf("freeze: capture: %w", err)
	}
	procs := []proto.Process{root}

	if err := conn.Send(proto.EscapeeMessage{Kind: proto.MsgProcessTrees, ProcessTrees: procs}); err != nil {
		return fmt.Errorf("freeze: send process trees: %w", err)
	}
	lg.Info("sent process trees", elog.KV("root_pid", rootPid))

	for _, p := range selfAndDescendants(procs) {
		for _, m := range sortedBufferMappings(p.Mmaps) {
			data, err := memread.ReadMapping(p.Pid, m.Address, m.Len)
			if err != nil {
				lg.Warn("failed to read mapping", elog.KV("pid", p.Pid), elog.KV("address", m.Address), elog.KVErr(err))
				continue
			}
			if err := conn.Send(proto.EscapeeMessage{Kind: proto.MsgBuffer, Buffer: proto.Buffer{Id: m.Data.Buffer, Buf: data}}); err != nil {
				return fmt.Errorf("freeze: send buffer %d: %w", m.Data.Buffer, err)
			}
		}
	}
	lg.Info("sent process memory", elog.KV("root_pid", rootPid))

	for _, p := range selfAndDescendants(procs) {
		killProcess(p.Pid, lg)
	}

	if err := conn.Send(proto.EscapeeMessage{Kind: proto.MsgDone}); err != nil {
		return fmt.Errorf("freeze: send done: %w", err)
	}
	return conn.Close()
}

// stopRecursive sends SIGSTOP to pid and every descendant discovered via
// /proc/<pid>/task/*/children, appending each stopped pid to stopped in
// the order visited. This pass touches only signals and /proc's children
// listing — never register capture or mapping reads — so that the whole
// tree is frozen before anything is read for consistency.
func stopRecursive(pid int32, stopped *[]int32) error {
	if err := unix.Kill(int(pid), unix.SIGSTOP); err != nil {
		return fmt.Errorf("sigstop pid %d: %w", pid, err)
	}
	*stopped = append(*stopped, pid)

	children, err := procfs.Children(pid)
	if err != nil {
		// the process may have exited between discovery and stop; that's
		// not a freeze failure, just an empty subtree.
		return nil
	}
	for _, c := range children {
		if err := stopRecursive(c, stopped); err != nil {
			return err
		}
	}
	return nil
}

// captureRecursive builds a Process record for pid and, recursively, for
// every descendant reachable through its threads' children lists.
func captureRecursive(pid int32) (proto.Process, error) {
	fds, err := procfs.Fds(pid)
	if err != nil && !errors.Is(err, procfs.ErrCaptureUnsupported) {
		return proto.Process{}, fmt.Errorf("capture pid %d fds: %w", pid, err)
	}

	mmaps, err := procfs.Mappings(pid)
	if err != nil {
		return proto.Process{}, fmt.Errorf("capture pid %d mappings: %w", pid, err)
	}

	tids, err := procfs.Tids(pid)
	if err != nil {
		return proto.Process{}, fmt.Errorf("capture pid %d tids: %w", pid, err)
	}

	threads := make([]proto.Thread, 0, len(tids))
	for _, tid := range tids {
		uid, gid, err := procfs.ThreadOwnership(pid, tid)
		if err != nil {
			return proto.Process{}, fmt.Errorf("capture pid %d tid %d ownership: %w", pid, tid, err)
		}
		reg, err := ptrace.CaptureRegisters(tid)
		if err != nil {
			// SPEC_FULL.md §4.4: a thread whose register capture fails is
			// simply not emitted, rather than aborting the whole freeze.
			continue
		}

		// children is this tid's own fork list, not the whole process's —
		// attaching a child to every thread would duplicate its subtree
		// (and its BufferIds) once per thread (spec.md §3).
		children, err := procfs.ChildrenOf(pid, tid)
		if err != nil {
			children = nil
		}
		var childProcs []proto.Process
		for _, c := range children {
			cp, err := captureRecursive(c)
			if err != nil {
				return proto.Process{}, err
			}
			childProcs = append(childProcs, cp)
		}

		threads = append(threads, proto.Thread{
			Tid:      tid,
			Uid:      uid,
			Gid:      gid,
			Reg:      reg,
			Children: childProcs,
		})
	}

	return proto.Process{
		Pid:     pid,
		Mmaps:   mmaps,
		Fds:     fds,
		Threads: threads,
	}, nil
}

// selfAndDescendants flattens a forest of Process trees into depth-first
// pre-order, matching SPEC_FULL.md §5's ordering guarantee for Buffer
// messages across processes.
func selfAndDescendants(procs []proto.Process) []proto.Process {
	var out []proto.Process
	var walk func(p proto.Process)
	walk = func(p proto.Process) {
		out = append(out, p)
		for _, t := range p.Threads {
			for _, c := range t.Children {
				walk(c)
			}
		}
	}
	for _, p := range procs {
		walk(p)
	}
	return out
}

// sortedBufferMappings returns only the Buffer-tagged mappings of mmaps,
// in ascending address order, per SPEC_FULL.md §5's within-process
// ordering guarantee.
func sortedBufferMappings(mmaps []proto.MemoryMapping) []proto.MemoryMapping {
	out := make([]proto.MemoryMapping, 0, len(mmaps))
	for _, m := range mmaps {
		if m.Data.Kind == proto.MappingBuffer {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func killProcess(pid int32, lg *elog.Logger) {
	if err := unix.Kill(int(pid), unix.SIGKILL); err != nil {
		lg.Warn("could not kill process", elog.KV("pid", pid), elog.KVErr(err))
		return
	}
	lg.Debug("killed process", elog.KV("pid", pid))
}
