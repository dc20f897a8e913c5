/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

package restore

import (
	"fmt"

	"github.com/crewlab/escapepod/escape/proto"
	"golang.org/x/sys/unix"
)

// CloseInherited closes every file descriptor the restorer inherited
// except keepFd, the ready fd (SPEC_FULL.md §4.9 step 1). Unlike the
// original implementation, which leaves this close() commented out as
// future work, this port performs it: nothing in SPEC_FULL.md's scope
// depends on the restorer keeping its inherited descriptors open (see
// SPEC_FULL.md §13).
func CloseInherited(keepFd int) error {
	devnull, err := unix.Open("/dev/null", unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("restore: open /dev/null: %w", err)
	}
	maxFd := devnull

	for i := 0; i <= maxFd; i++ {
		if i == keepFd {
			continue
		}
		unix.Close(i) // best effort; an already-closed fd is not an error here
	}
	return nil
}

// ReopenFiles reopens every FdFile entry of fds at its recorded path and
// dup2s it onto the target descriptor number. If a target number collides
// with readyFd, readyFd is dup'd to a fresh number first so the caller
// keeps a working handle to signal stage 3 with (SPEC_FULL.md §4.9 step
// 1). Other Fd kinds are skipped: reestablishing pipes and sockets is
// acknowledged future work (spec.md §1).
func ReopenFiles(fds []proto.Fd, readyFd int) (newReadyFd int, err error) {
	newReadyFd = readyFd
	for _, fd := range fds {
		if fd.Kind != proto.FdFile {
			continue
		}
		nfd, err := unix.Open(fd.Path, unix.O_RDONLY, 0)
		if err != nil {
			return newReadyFd, fmt.Errorf("restore: reopen %q: %w", fd.Path, err)
		}

		if int(fd.Fd) == newReadyFd {
			dup, err := unix.Dup(newReadyFd)
			if err != nil {
				unix.Close(nfd)
				return newReadyFd, fmt.Errorf("restore: dup ready fd away from %d: %w", fd.Fd, err)
			}
			newReadyFd = dup
		}

		if err := unix.Dup2(nfd, int(fd.Fd)); err != nil {
			unix.Close(nfd)
			return newReadyFd, fmt.Errorf("restore: dup2 %d -> %d: %w", nfd, fd.Fd, err)
		}
		if nfd != int(fd.Fd) {
			unix.Close(nfd)
		}
	}
	return newReadyFd, nil
}
