// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build amd64

package unwind

// Compact unwind encodings for x86_64, per LLVM libunwind's
// compact_unwind_encoding.h:
//
//   UNWIND_X86_64_MODE_RBP_FRAME:  standard `push rbp; mov rbp, rsp`
//     prolog. Non-volatile registers are saved in a small range below RBP;
//     the offset/8 sits in the RBP_FRAME_OFFSET bits and the registers in
//     five 3-bit RBP_FRAME_REGISTERS slots.
//   UNWIND_X86_64_MODE_STACK_IMMD: frameless function with a small
//     constant stack size (stack_size/8 in FRAMELESS_STACK_SIZE).
//   UNWIND_X86_64_MODE_STACK_IND:  frameless function whose stack size is
//     too large to encode; FRAMELESS_STACK_SIZE is instead the offset of
//     the `subq $nnnnnnnn,%rsp` immediate in the function's prolog.
//   UNWIND_X86_64_MODE_DWARF:      the low 24 bits are the offset of the
//     function's FDE in the __eh_frame section.
const (
	unwindX8664ModeMask      = 0x0F000000
	unwindX8664ModeRbpFrame  = 0x01000000
	unwindX8664ModeStackImmd = 0x02000000
	unwindX8664ModeStackInd  = 0x03000000
	unwindX8664ModeDwarf     = 0x04000000

	unwindX8664RbpFrameRegisters = 0x00007FFF
	unwindX8664RbpFrameOffset    = 0x00FF0000

	unwindX8664FramelessStackSize           = 0x00FF0000
	unwindX8664FramelessStackAdjust         = 0x0000E000
	unwindX8664FramelessStackRegCount       = 0x00001C00
	unwindX8664FramelessStackRegPermutation = 0x000003FF

	unwindX8664DwarfSectionOffset = 0x00FFFFFF

	unwindX8664RegNone = 0
	unwindX8664RegRBX  = 1
	unwindX8664RegR12  = 2
	unwindX8664RegR13  = 3
	unwindX8664RegR14  = 4
	unwindX8664RegR15  = 5
	unwindX8664RegRBP  = 6
)

// compactRegNumbers maps the compact encoding's register numbers to DWARF
// register numbers. Slot 0 (none) and slot 6 (rbp, never permuted in a
// frame encoding) are handled by the callers.
var compactRegNumbers = [7]int{
	0,
	regAMD64RBX,
	regAMD64R12,
	regAMD64R13,
	regAMD64R14,
	regAMD64R15,
	regAMD64RBP,
}

// compactStep restores registers per the function's compact unwind
// encoding. pc is the already-adjusted lookup PC; it is only consulted by
// the DWARF delegation mode.
func compactStep(pc uint64, registers *Registers, info UnwindFuncInfo, sections DyldUnwindSections) (bool, error) {
	switch info.Encoding & unwindX8664ModeMask {
	case unwindX8664ModeRbpFrame:
		return true, compactStepFrame(registers, info.Encoding)
	case unwindX8664ModeStackImmd:
		return true, compactStepFrameless(registers, info, true)
	case unwindX8664ModeStackInd:
		return true, compactStepFrameless(registers, info, false)
	case unwindX8664ModeDwarf:
		return compactStepDwarf(pc, registers, info.Encoding, sections)
	}
	return false, ErrInvalidCompactEncoding
}

func compactStepFrame(registers *Registers, encoding uint32) error {
	savedRegistersOffset := (encoding & unwindX8664RbpFrameOffset) >> 16
	savedRegistersLocations := encoding & unwindX8664RbpFrameRegisters

	savedRegisters := registers.Reg(regAMD64RBP) - 8*uint64(savedRegistersOffset)
	for i := 0; i < 5; i++ {
		slot := savedRegistersLocations & 0x7
		if slot != unwindX8664RegNone {
			if slot == unwindX8664RegRBP {
				// RBP is restored by the frame pop below, never from a
				// permutation slot.
				return ErrInvalidCompactEncoding
			}
			v, err := loadWithProtect[uint64](savedRegisters)
			if err != nil {
				return err
			}
			registers.SetReg(compactRegNumbers[slot], v)
		}
		savedRegisters += 8
		savedRegistersLocations >>= 3
	}

	// Frame unwind: rbp points at the saved rbp, the return address sits
	// just above it, and the caller's rsp is just above that.
	rbp := registers.Reg(regAMD64RBP)
	oldRbp, err := loadWithProtect[uint64](rbp)
	if err != nil {
		return err
	}
	returnAddress, err := loadWithProtect[uint64](rbp + 8)
	if err != nil {
		return err
	}
	registers.SetReg(regAMD64RBP, oldRbp)
	registers.SetSp(rbp + 16)
	registers.SetPc(returnAddress)
	return nil
}

func compactStepFrameless(registers *Registers, info UnwindFuncInfo, immediate bool) error {
	encoding := info.Encoding
	stackSizeEncoded := (encoding & unwindX8664FramelessStackSize) >> 16
	stackAdjust := (encoding & unwindX8664FramelessStackAdjust) >> 13
	regCount := int((encoding & unwindX8664FramelessStackRegCount) >> 10)
	permutation := encoding & unwindX8664FramelessStackRegPermutation

	var stackSize uint64
	if immediate {
		stackSize = uint64(stackSizeEncoded) * 8
	} else {
		// The stack size is the immediate of the `subq $nnn,%rsp` in the
		// prolog; the encoding holds the immediate's offset.
		subq, err := loadWithProtect[uint32](info.Start + uint64(stackSizeEncoded))
		if err != nil {
			return err
		}
		stackSize = uint64(subq) + 8*uint64(stackAdjust)
	}

	// Decompress the Lehmer-code permutation of the saved registers.
	var regs [6]uint32
	switch regCount {
	case 6, 5:
		regs[0] = permutation / 120
		permutation -= regs[0] * 120
		regs[1] = permutation / 24
		permutation -= regs[1] * 24
		regs[2] = permutation / 6
		permutation -= regs[2] * 6
		regs[3] = permutation / 2
		permutation -= regs[3] * 2
		regs[4] = permutation
		regs[5] = 0
	case 4:
		regs[0] = permutation / 60
		permutation -= regs[0] * 60
		regs[1] = permutation / 12
		permutation -= regs[1] * 12
		regs[2] = permutation / 3
		permutation -= regs[2] * 3
		regs[3] = permutation
	case 3:
		regs[0] = permutation / 20
		permutation -= regs[0] * 20
		regs[1] = permutation / 4
		permutation -= regs[1] * 4
		regs[2] = permutation
	case 2:
		regs[0] = permutation / 5
		permutation -= regs[0] * 5
		regs[1] = permutation
	case 1:
		regs[0] = permutation
	}

	// Renumber the Lehmer digits back to absolute register numbers: digit
	// n selects the n-th still-unused number out of {1..6}.
	var registerSaved [6]uint32
	var used [7]bool
	for n := 0; n < regCount; n++ {
		renum := uint32(0)
		for u := 1; u < 7; u++ {
			if !used[u] {
				if renum == regs[n] {
					registerSaved[n] = uint32(u)
					used[u] = true
					break
				}
				renum++
			}
		}
	}

	// The saved registers sit immediately below the return address.
	savedRegisters := registers.Sp() + stackSize - 8 - 8*uint64(regCount)
	for n := 0; n < regCount; n++ {
		slot := registerSaved[n]
		if slot == unwindX8664RegNone || slot > unwindX8664RegRBP {
			return ErrInvalidCompactEncoding
		}
		v, err := loadWithProtect[uint64](savedRegisters)
		if err != nil {
			return err
		}
		registers.SetReg(compactRegNumbers[slot], v)
		savedRegisters += 8
	}

	// Frameless unwind: the return address is on the stack after the last
	// saved register, and popping it restores the caller's rsp.
	returnAddress, err := loadWithProtect[uint64](registers.Sp() + stackSize - 8)
	if err != nil {
		return err
	}
	registers.SetSp(registers.Sp() + stackSize)
	registers.SetPc(returnAddress)
	return nil
}

func compactStepDwarf(pc uint64, registers *Registers, encoding uint32, sections DyldUnwindSections) (bool, error) {
	if sections.DwarfSection == 0 || sections.DwarfSectionLength == 0 {
		return false, nil
	}
	fdeLoc := sections.DwarfSection + uint64(encoding&unwindX8664DwarfSectionOffset)
	fde, cie, err := decodeFDE(fdeLoc)
	if err != nil {
		return false, err
	}
	if err := dwarfStep(pc, &fde, &cie, registers); err != nil {
		return false, err
	}
	return true, nil
}
