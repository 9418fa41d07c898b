// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package unwind provides an async-signal-safe stack unwinder for sampling
// profilers on 64-bit Linux and macOS, x86_64 and aarch64.
//
// Given either the current CPU state or the ucontext the kernel hands to a
// signal handler, it yields the ordered program counters of the active
// call chain. The intended caller is a SIGPROF handler firing on a
// periodic timer; the unwind hot path takes no locks, performs no heap
// allocation and guards every untrusted memory read, so a partially
// corrupted stack surfaces as an error rather than a crash.
//
// Simple usage:
//
//	var pcs []uint64
//	unwind.Trace(func(registers *unwind.Registers) bool {
//		pcs = append(pcs, registers.Pc())
//		return true
//	})
//
// Resolving the collected PCs into symbols is the caller's business; any
// symbolizer works on the raw addresses.
package unwind

import "unsafe"

// ValidRegister reports whether n names a general-purpose register of the
// current architecture's bank. RegIP and RegSP are always valid.
func ValidRegister(n int) bool { return validRegister(n) }

// ValidFloatRegister reports whether n names a float register of the
// current architecture's bank.
func ValidFloatRegister(n int) bool { return validFloatRegister(n) }

// ValidVectorRegister reports whether n names a vector register of the
// current architecture's bank.
func ValidVectorRegister(n int) bool { return validVectorRegister(n) }

// MaxRegisterNum returns the largest DWARF register number the bank can
// store on the current architecture.
func MaxRegisterNum() int { return maxRegisterNum }

// Init forces the process-lifetime caches (module index, memory-probe
// ranges) to build now. Call it from application startup: lazy
// initialization inside a signal handler is a correctness trap, and every
// cache must exist before the first signal fires.
func Init() {
	initCaches()
}

// Trace inspects the current call stack, passing each active frame to f.
// The trace frame itself is skipped: the first callback already describes
// Trace's caller.
//
// The callback's return value is the cancellation primitive: returning
// false terminates the trace after the current frame and Trace returns
// (false, nil). An error means the unwind metadata was inconsistent at
// some frame; frames delivered before it remain valid.
//
//go:noinline
func Trace(f func(registers *Registers) bool) (bool, error) {
	var registers Registers
	UnwindInitRegisters(&registers)
	cursor := NewUnwindCursor()
	// Step before the first callback, so the Trace frame itself is
	// skipped.
	for {
		more, err := cursor.Step(&registers)
		if err != nil {
			return false, err
		}
		if !more {
			return true, nil
		}
		if !f(&registers) {
			return false, nil
		}
	}
}

// TraceFromUcontext inspects the call stack recorded in a kernel-supplied
// ucontext, passing each active frame to f. Unlike Trace, the interrupted
// frame itself is reported first: the ucontext already describes it.
func TraceFromUcontext(ucontext unsafe.Pointer, f func(registers *Registers) bool) (bool, error) {
	registers, ok := RegistersFromUcontext(ucontext)
	if !ok {
		return false, ErrInvalidUcontext
	}
	if !f(&registers) {
		return false, nil
	}
	cursor := NewUnwindCursor()
	for {
		more, err := cursor.Step(&registers)
		if err != nil {
			return false, err
		}
		if !more {
			return true, nil
		}
		if !f(&registers) {
			return false, nil
		}
	}
}
