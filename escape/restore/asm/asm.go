/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Package asm holds the relocatable restore trampoline (SPEC_FULL.md
// §4.9, §9): a position-independent routine, written directly in Go
// assembly, that unmaps the restorer's own address space and remaps the
// snapshot's using nothing but raw syscalls. escape/restore copies its
// bytes into a freshly mapped region and jumps there; this package never
// runs its own assembly in place.
package asm

import "reflect"

// Trampoline is implemented in trampoline_linux_amd64.s. Calling it
// directly from Go would unmap and remap this very process, so it is
// never called in place — only copied and jumped to via JumpTo.
func Trampoline(state uintptr)

// trampolineEnd is a one-instruction marker (a lone RET) declared
// immediately after Trampoline in the same assembly file.
func trampolineEnd()

func jumpTo(newSP, target, state uintptr)

// Bounds returns the [start, end) byte range of Trampoline's machine code
// in this binary's own text section, derived from the Trampoline and
// trampolineEnd symbol addresses.
func Bounds() (start, end uintptr) {
	start = reflect.ValueOf(Trampoline).Pointer()
	end = reflect.ValueOf(trampolineEnd).Pointer()
	return start, end
}

// JumpTo switches to newSP and jumps to the relocated copy of Trampoline
// at target, passing state as its single argument. It never returns.
func JumpTo(newSP, target, state uintptr) {
	jumpTo(newSP, target, state)
}
