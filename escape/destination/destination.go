/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Package destination implements the Destination Driver (SPEC_FULL.md
// §4.8): for every top-level process in the received snapshot, fork+exec
// a restorer, wait for its stage-3 ready signal, then inject Buffer
// contents into the restored address space and resume the process.
package destination

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/crewlab/escapepod/escape/elog"
	"github.com/crewlab/escapepod/escape/memread"
	"github.com/crewlab/escapepod/escape/ptrace"
	"github.com/crewlab/escapepod/escape/proto"
	"github.com/crewlab/escapepod/escape/transport"
	"golang.org/x/sys/unix"
)

// restoredProcess tracks one spawned restorer from EP launch through
// resumption.
type restoredProcess struct {
	source  proto.Process
	cmd     *exec.Cmd
	readyR  *os.File
	// bufferAddr maps a Buffer-tagged mapping's BufferId to the address it
	// was restored at, so a later Buffer message can be delivered to the
	// right place with process_vm_writev.
	bufferAddr map[proto.BufferId]uint64
}

// Run reads the initial ProcessTrees message from conn, spawns one
// restorer per top-level process, waits for every restorer's ready
// signal, then dispatches Buffer messages until Done and resumes every
// restored process.
func Run(conn *transport.Conn, restorerPath string, lg *elog.Logger) error {
	first, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("destination: recv process trees: %w", err)
	}
	if first.Kind != proto.MsgProcessTrees {
		return fmt.Errorf("destination: expected ProcessTrees, got %v", first.Kind)
	}
	lg.Info("received process tree", elog.KV("count", len(first.ProcessTrees)))

	restored := make([]*restoredProcess, 0, len(first.ProcessTrees))
	for _, p := range first.ProcessTrees {
		rp, err := spawn(p, restorerPath)
		if err != nil {
			return fmt.Errorf("destination: spawn restorer for pid %d: %w", p.Pid, err)
		}
		restored = append(restored, rp)
	}

	for _, rp := range restored {
		var b [1]byte
		n, err := rp.readyR.Read(b[:])
		if err != nil || n != 1 {
			return fmt.Errorf("destination: restorer for pid %d never signaled ready: %v", rp.source.Pid, err)
		}
		lg.Info("restorer ready", elog.KV("original_pid", rp.source.Pid), elog.KV("restored_pid", rp.cmd.Process.Pid))
	}

	for {
		msg, err := conn.Recv()
		if err != nil {
			return fmt.Errorf("destination: recv: %w", err)
		}
		switch msg.Kind {
		case proto.MsgBuffer:
			if err := deliverBuffer(restored, msg.Buffer, lg); err != nil {
				lg.Warn("failed to deliver buffer", elog.KV("buffer_id", msg.Buffer.Id), elog.KVErr(err))
			}
		case proto.MsgFile, proto.MsgFileData:
			// file sync is captured but not yet streamed (spec.md §1's
			// acknowledged future work); nothing to do here yet.
		case proto.MsgDone:
			return resumeAll(restored, lg)
		default:
			return fmt.Errorf("destination: unexpected message kind %v", msg.Kind)
		}
	}
}

// spawn forks+execs the restorer binary for one top-level process,
// passing the snapshot and a ready-fd through the environment
// (SPEC_FULL.md §4.8, §6).
func spawn(p proto.Process, restorerPath string) (*restoredProcess, error) {
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ready pipe: %w", err)
	}

	procJSON, err := json.Marshal(p)
	if err != nil {
		readyR.Close()
		readyW.Close()
		return nil, fmt.Errorf("marshal process: %w", err)
	}

	cmd := exec.Command(restorerPath)
	cmd.ExtraFiles = []*os.File{readyW}
	readyFdInChild := 3 + len(cmd.ExtraFiles) - 1
	cmd.Env = []string{
		fmt.Sprintf("EP_PROCESS=%s", procJSON),
		fmt.Sprintf("EP_READY_FD=%d", readyFdInChild),
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		readyR.Close()
		readyW.Close()
		return nil, fmt.Errorf("start restorer: %w", err)
	}
	readyW.Close() // the restorer owns the write end now

	return &restoredProcess{source: p, cmd: cmd, readyR: readyR, bufferAddr: buildBufferAddr(p.Mmaps)}, nil
}

// buildBufferAddr indexes a process's Buffer-tagged mappings by BufferId
// so a later Buffer message can be routed to the address it was restored
// at without re-scanning the mapping list per message.
func buildBufferAddr(mmaps []proto.MemoryMapping) map[proto.BufferId]uint64 {
	out := map[proto.BufferId]uint64{}
	for _, m := range mmaps {
		if m.Data.Kind == proto.MappingBuffer {
			out[m.Data.Buffer] = m.Address
		}
	}
	return out
}

// deliverBuffer writes one Buffer message's contents into whichever
// restored process owns that BufferId, at the address the restorer
// mapped it at, using process_vm_writev (SPEC_FULL.md §9).
func deliverBuffer(restored []*restoredProcess, buf proto.Buffer, lg *elog.Logger) error {
	for _, rp := range restored {
		addr, ok := rp.bufferAddr[buf.Id]
		if !ok {
			continue
		}
		return memread.WriteMapping(int32(rp.cmd.Process.Pid), addr, buf.Buf)
	}
	lg.Warn("no restored process claims buffer id", elog.KV("buffer_id", buf.Id))
	return nil
}

// resumeAll restores each process's primary thread register file and
// resumes it with SIGCONT, completing stage 4 of the restore protocol
// (SPEC_FULL.md §4.9, §9's open question on register restoration). Only
// the primary thread is restored; multi-threaded restoration is
// acknowledged future work (spec.md §1).
func resumeAll(restored []*restoredProcess, lg *elog.Logger) error {
	for _, rp := range restored {
		if len(rp.source.Threads) > 0 {
			reg := rp.source.Threads[0].Reg
			if err := ptrace.RestoreRegisters(int32(rp.cmd.Process.Pid), reg); err != nil {
				lg.Warn("failed to restore registers", elog.KV("pid", rp.cmd.Process.Pid), elog.KVErr(err))
			}
		}
		if err := unix.Kill(rp.cmd.Process.Pid, unix.SIGCONT); err != nil {
			lg.Warn("failed to resume process", elog.KV("pid", rp.cmd.Process.Pid), elog.KVErr(err))
		}
	}
	return nil
}
