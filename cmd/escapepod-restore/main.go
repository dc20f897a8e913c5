/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Command escapepod-restore is the Restorer (SPEC_FULL.md §4.9): spawned
// once per top-level process in the snapshot, it reads its assigned
// Process from EP_PROCESS, reopens its file descriptors, then builds and
// jumps into the self-relocating trampoline that performs the actual
// address-space swap. It never returns on success; escape/restore.Build
// hands off to raw machine code that unmaps this very call stack.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/crewlab/escapepod/escape/proto"
	"github.com/crewlab/escapepod/escape/restore"
)

func main() {
	os.Exit(run())
}

func run() int {
	procJSON := os.Getenv("EP_PROCESS")
	if procJSON == "" {
		fmt.Fprintln(os.Stderr, "escapepod-restore: EP_PROCESS not set")
		return 1
	}
	var proc proto.Process
	if err := json.Unmarshal([]byte(procJSON), &proc); err != nil {
		fmt.Fprintln(os.Stderr, "escapepod-restore: decode EP_PROCESS:", err)
		return 1
	}

	readyFd, err := strconv.Atoi(os.Getenv("EP_READY_FD"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "escapepod-restore: invalid EP_READY_FD:", err)
		return 1
	}

	if err := restore.CloseInherited(readyFd); err != nil {
		fmt.Fprintln(os.Stderr, "escapepod-restore: close inherited fds:", err)
		return 1
	}

	readyFd, err = restore.ReopenFiles(proc.Fds, readyFd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "escapepod-restore: reopen files:", err)
		return 1
	}

	if err := restore.Build(&proc, readyFd); err != nil {
		fmt.Fprintln(os.Stderr, "escapepod-restore: build trampoline:", err)
		return 1
	}

	// unreachable: restore.Build only returns on error.
	return 0
}
