/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Package memread implements the Memory Reader component (SPEC_FULL.md
// §4.5): a single-vector, cross-process bulk copy used once per
// Buffer-tagged mapping during freeze, and its destination-side inverse
// used to inject buffer contents into a restored address space after the
// restorer's stage-3 ready signal (SPEC_FULL.md §9).
package memread

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrMemoryRead is returned when a cross-process read could not be
// completed atomically: the target's mapping was unreadable, or the
// kernel returned a partial transfer.
var ErrMemoryRead = errors.New("memread: cross-process read failed")

// ErrMemoryWrite is the write-side counterpart, used by the destination
// driver when injecting a Buffer's bytes into a restorer's mapping.
var ErrMemoryWrite = errors.New("memread: cross-process write failed")

// ReadMapping copies length bytes from pid's address space starting at
// address into a freshly allocated buffer, using a single local and
// single remote iovec so the kernel either completes the whole transfer
// or fails outright — there is no partial-read case to reconcile.
func ReadMapping(pid int32, address, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(address), Len: int(length)}}

	n, err := unix.ProcessVMReadv(int(pid), local, remote, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d addr %#x len %d: %v", ErrMemoryRead, pid, address, length, err)
	}
	if n != int(length) {
		return nil, fmt.Errorf("%w: pid %d addr %#x: partial read %d/%d bytes", ErrMemoryRead, pid, address, n, length)
	}
	return buf, nil
}

// WriteMapping writes buf into pid's address space starting at address,
// used by the destination driver to deliver Buffer contents into a
// restored anonymous mapping before the workload is resumed.
func WriteMapping(pid int32, address uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(address), Len: len(buf)}}

	n, err := unix.ProcessVMWritev(int(pid), local, remote, 0)
	if err != nil {
		return fmt.Errorf("%w: pid %d addr %#x len %d: %v", ErrMemoryWrite, pid, address, len(buf), err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: pid %d addr %#x: partial write %d/%d bytes", ErrMemoryWrite, pid, address, n, len(buf))
	}
	return nil
}
