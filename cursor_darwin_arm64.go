// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build darwin && arm64

package unwind

// UnwindCursor walks the stack one frame at a time, rewriting a Registers
// bank with each parent frame's state.
//
// On macOS/aarch64 the ABI guarantees a frame pointer chain, so the cursor
// simply chases it: two memory reads per frame, the fastest possible walk.
// Only the PC and FP are restored, which is enough to trace the call
// stack. See "Writing ARM64 code for Apple platforms" for the ABI
// guarantee; a corrupted chain faults in the handler, which profilers on
// this platform accept.
type UnwindCursor struct{}

// NewUnwindCursor creates a cursor.
func NewUnwindCursor() UnwindCursor {
	return UnwindCursor{}
}

// Step restores the parent function's PC and FP from the frame-pointer
// chain. It returns false when the chain terminates.
func (c *UnwindCursor) Step(registers *Registers) (bool, error) {
	fp := registers.Reg(regARM64FP)
	if fp == 0 {
		return false, nil
	}
	registers.SetPc(load[uint64](fp + 8))
	registers.SetReg(regARM64FP, load[uint64](fp))
	return true, nil
}
