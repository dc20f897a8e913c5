/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Package ptrace implements the Register Capture component (SPEC_FULL.md
// §4.4): attach to a thread as a debugger, pull its primary-status
// register set with a GETREGSET-equivalent operation, and detach. The
// register layout is architecture-specific and treated as an opaque byte
// blob everywhere above this package, per SPEC_FULL.md §9's "opaque
// register blob" design note.
package ptrace

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrRegisterCapture wraps any failure attaching, reading, or detaching.
// Per SPEC_FULL.md §4.4, a thread whose capture fails this way is simply
// not emitted; the caller (escape/freeze) decides what that means for the
// enclosing Process record.
var ErrRegisterCapture = errors.New("ptrace: register capture failed")

// ntPrstatus is the core-file note type identifying the general purpose
// register set; it is the "primary-status register set" of SPEC_FULL.md.
const ntPrstatus = 1

// CaptureRegisters attaches to tid, waits for it to stop, extracts its
// general-purpose register set via PTRACE_GETREGSET, and detaches,
// returning the raw register bytes. tid must already belong to a stopped
// process tree (the freeze controller STOPs the whole tree before
// capturing); attach still requires its own stop-wait because SIGSTOP
// delivery and ptrace-stop are observed independently by the kernel.
func CaptureRegisters(tid int32) ([]byte, error) {
	pid := int(tid)

	if err := unix.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("%w: attach tid %d: %v", ErrRegisterCapture, tid, err)
	}
	defer unix.PtraceDetach(pid)

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("%w: wait tid %d: %v", ErrRegisterCapture, tid, err)
	}

	var regs unix.PtraceRegs
	iov := unix.Iovec{
		Base: (*byte)(unsafe.Pointer(&regs)),
	}
	iov.SetLen(int(unsafe.Sizeof(regs)))

	_, _, errno := unix.Syscall6(
		unix.SYS_PTRACE,
		uintptr(unix.PTRACE_GETREGSET),
		uintptr(pid),
		uintptr(ntPrstatus),
		uintptr(unsafe.Pointer(&iov)),
		0, 0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("%w: getregset tid %d: %v", ErrRegisterCapture, tid, errno)
	}

	size := int(unsafe.Sizeof(regs))
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(&regs)), size))
	return out, nil
}

// RestoreRegisters is the destination-side counterpart (SPEC_FULL.md §9's
// open question on register restoration): attach to tid, which must
// already be stopped (the restorer self-STOPs in stage 4), write back the
// raw register bytes with PTRACE_SETREGSET, and detach without resuming —
// the destination driver issues the final SIGCONT after the register
// restore.
func RestoreRegisters(tid int32, reg []byte) error {
	pid := int(tid)

	if err := unix.PtraceAttach(pid); err != nil {
		return fmt.Errorf("%w: attach tid %d: %v", ErrRegisterCapture, tid, err)
	}
	defer unix.PtraceDetach(pid)

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return fmt.Errorf("%w: wait tid %d: %v", ErrRegisterCapture, tid, err)
	}

	if uintptr(len(reg)) != unsafe.Sizeof(unix.PtraceRegs{}) {
		return fmt.Errorf("%w: register blob size %d does not match local layout", ErrRegisterCapture, len(reg))
	}

	iov := unix.Iovec{
		Base: &reg[0],
	}
	iov.SetLen(len(reg))

	const ptraceSetRegSet = 0x4205
	_, _, errno := unix.Syscall6(
		unix.SYS_PTRACE,
		uintptr(ptraceSetRegSet),
		uintptr(pid),
		uintptr(ntPrstatus),
		uintptr(unsafe.Pointer(&iov)),
		0, 0,
	)
	if errno != 0 {
		return fmt.Errorf("%w: setregset tid %d: %v", ErrRegisterCapture, tid, errno)
	}
	return nil
}
