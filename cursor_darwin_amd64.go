// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build darwin && amd64

package unwind

// UnwindCursor walks the stack one frame at a time, rewriting a Registers
// bank with each parent frame's state.
//
// The cursor is highly platform dependent. On macOS/x86_64 functions are
// described by Compact Unwind Encodings in __unwind_info, which may
// delegate individual functions to DWARF FDEs in __eh_frame.
type UnwindCursor struct {
	firstStep bool
}

// NewUnwindCursor creates a cursor.
func NewUnwindCursor() UnwindCursor {
	return UnwindCursor{firstStep: true}
}

// Step restores the parent function's register state based on the current
// one. It returns true when registers now describe the parent frame, false
// when the stack root was reached, and an error when the unwind metadata
// is inconsistent at this frame.
func (c *UnwindCursor) Step(registers *Registers) (bool, error) {
	pc := registers.Pc()
	if pc == 0 {
		return false, nil
	}
	if c.firstStep {
		c.firstStep = false
	} else {
		// If the last line of a function is a call that never returns,
		// the compiler sometimes emits no instructions after it and the
		// return address lands at the start of the next function. Back up
		// return addresses to disambiguate.
		pc--
	}
	sections, ok := dyldFindUnwindSections(pc)
	if !ok || sections.CompactUnwindSection == 0 {
		return false, nil
	}
	info, ok := findUnwindFuncInfo(pc, sections.CompactUnwindSection, sections.MachHeader)
	if !ok {
		return false, nil
	}
	// The table has an entry, but the entry says the function carries no
	// unwind info.
	if info.Encoding == 0 {
		return false, nil
	}
	return compactStep(pc, registers, info, sections)
}
