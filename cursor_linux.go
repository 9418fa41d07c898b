// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build linux

package unwind

// UnwindCursor walks the stack one frame at a time, rewriting a Registers
// bank with each parent frame's state.
//
// The cursor is highly platform dependent. On Linux the recovery rules for
// registers come from the .eh_frame section, in DWARF Call Frame
// Information format.
type UnwindCursor struct {
	sections  []SectionInfo
	firstStep bool
}

// NewUnwindCursor creates a cursor over the process's module index.
func NewUnwindCursor() UnwindCursor {
	return UnwindCursor{
		sections:  Sections(),
		firstStep: true,
	}
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
		// On the first step the PC is the actual interrupted position.
		// Afterwards it is a return address, which points one past the
		// call; back up so the lookup lands in the calling function's FDE.
		pc--
	}
	for i := range c.sections {
		s := &c.sections[i]
		if !s.Contains(pc) {
			continue
		}
		fde, cie, err := findFDE(s, pc)
		if err == ErrFDENotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if err := dwarfStep(pc, &fde, &cie, registers); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// findFDE locates the FDE covering pc inside one module, through the
// .eh_frame_hdr binary search first and the sequential .eh_frame scan when
// the header search misses. Some platforms ship incomplete or stripped
// headers, so the fallback is required for correctness, not just
// robustness.
func findFDE(s *SectionInfo, pc uint64) (FrameDescriptionEntry, CommonInformationEntry, error) {
	hdr, err := decodeEhFrameHeader(s.EhFrameHdr, s.EhFrameHdr+s.EhFrameHdrLen)
	if err != nil {
		return FrameDescriptionEntry{}, CommonInformationEntry{}, err
	}
	fde, cie, err := hdr.Search(pc)
	if err == nil {
		return fde, cie, nil
	}
	if err != ErrFDENotFound {
		return fde, cie, err
	}
	return scanEhFrame(hdr.EhFrame, s.MaxAddr-hdr.EhFrame, pc)
}
