// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

// UnwindInitRegisters stores a bit-exact snapshot of the caller's register
// state at the point of call into registers. The PC field receives the
// return address (the instruction after the call) and the SP field the
// caller's stack pointer at that instruction.
//
// Implemented in initregs_amd64.s and initregs_arm64.s. The trampoline
// never clobbers a register it has not yet saved.
func UnwindInitRegisters(registers *Registers)
