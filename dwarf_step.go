// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

// dwarfStep restores the parent frame's register state from the CFI
// program of the FDE covering pc. registers is replaced wholesale on
// success and left untouched on error.
func dwarfStep(pc uint64, fde *FrameDescriptionEntry, cie *CommonInformationEntry, registers *Registers) error {
	// Run the instructions to calculate the prolog info at pc.
	info, err := runCFIInstructions(pc, fde, cie)
	if err != nil {
		return err
	}

	cfa, err := info.cfa(registers)
	if err != nil {
		return err
	}

	// Restore the registers that DWARF says were saved, into a scratch
	// copy so a failing rule never leaves a half-written bank behind.
	newRegisters := *registers

	// Typically the CFA is the stack pointer at the call site in the
	// previous frame, but not always: after a stack switch the previous
	// SP may be indicated by a CFI directive. Set SP to the CFA here and
	// let an explicit rule override it below.
	newRegisters.SetSp(cfa)

	var returnAddress uint64
	retReg := int(cie.ReturnAddressRegister)
	for n := 0; n <= maxCFIRegister; n++ {
		if info.savedRegisters[n].location != locUnused {
			switch {
			case validFloatRegister(n):
				v, err := getSavedFloatRegister(registers, info.savedRegisters[n], cfa)
				if err != nil {
					return err
				}
				newRegisters.setFloatRegister(n, v)
			case validVectorRegister(n):
				return ErrInvalidRegisterLocation
			case n == retReg:
				returnAddress, err = getSavedRegister(registers, info.savedRegisters[n], cfa)
				if err != nil {
					return err
				}
			case validRegister(n):
				v, err := getSavedRegister(registers, info.savedRegisters[n], cfa)
				if err != nil {
					return err
				}
				newRegisters.SetReg(n, v)
			default:
				return ErrInvalidRegisterNumber
			}
		} else if n == retReg {
			// A leaf function keeps the return address live in the
			// register itself; there is no rule to restore it.
			if !validRegister(n) {
				return ErrInvalidReturnAddressRegister
			}
			returnAddress = registers.Reg(n)
		}
	}

	if err := checkRaSignState(&info, returnAddress); err != nil {
		return err
	}

	// The return address is the address after the call site instruction,
	// so setting the PC to it simulates a return.
	newRegisters.SetPc(returnAddress)

	*registers = newRegisters
	return nil
}

// getSavedRegister materializes one saved general-purpose register value.
//
// InRegister is register-indirect: value names the source register whose
// current content carries the saved value, it is never a memory address.
func getSavedRegister(registers *Registers, loc registerLocation, cfa uint64) (uint64, error) {
	switch loc.location {
	case locInCFA:
		return loadWithProtect[uint64](uint64(int64(cfa) + loc.value))
	case locOffsetFromCFA:
		return uint64(int64(cfa) + loc.value), nil
	case locAtExpression:
		addr, err := evaluateExpression(uint64(loc.value), registers, cfa)
		if err != nil {
			return 0, err
		}
		return loadWithProtect[uint64](addr)
	case locIsExpression:
		return evaluateExpression(uint64(loc.value), registers, cfa)
	case locInRegister:
		r := int(loc.value)
		if !validRegister(r) {
			return 0, ErrInvalidRegisterNumber
		}
		return registers.Reg(r), nil
	case locUndefined:
		return 0, nil
	}
	return 0, ErrInvalidRegisterLocation
}

// getSavedFloatRegister materializes one saved float register value.
func getSavedFloatRegister(registers *Registers, loc registerLocation, cfa uint64) (float64, error) {
	switch loc.location {
	case locInCFA:
		return loadWithProtect[float64](uint64(int64(cfa) + loc.value))
	case locAtExpression:
		addr, err := evaluateExpression(uint64(loc.value), registers, cfa)
		if err != nil {
			return 0, err
		}
		return loadWithProtect[float64](addr)
	}
	return 0, ErrInvalidRegisterLocation
}
