// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

// DWARF call-frame instructions, per version 3 of the DWARF standard,
// section 6.4.2.
const (
	dwCfaNop              = 0x00
	dwCfaSetLoc           = 0x01
	dwCfaAdvanceLoc1      = 0x02
	dwCfaAdvanceLoc2      = 0x03
	dwCfaAdvanceLoc4      = 0x04
	dwCfaOffsetExtended   = 0x05
	dwCfaRestoreExtended  = 0x06
	dwCfaUndefined        = 0x07
	dwCfaSameValue        = 0x08
	dwCfaRegister         = 0x09
	dwCfaRememberState    = 0x0A
	dwCfaRestoreState     = 0x0B
	dwCfaDefCfa           = 0x0C
	dwCfaDefCfaRegister   = 0x0D
	dwCfaDefCfaOffset     = 0x0E
	dwCfaDefCfaExpression = 0x0F
	dwCfaExpression       = 0x10
	dwCfaOffsetExtendedSf = 0x11
	dwCfaDefCfaSf         = 0x12
	dwCfaDefCfaOffsetSf   = 0x13
	dwCfaValOffset        = 0x14
	dwCfaValOffsetSf      = 0x15
	dwCfaValExpression    = 0x16

	// Primary opcodes: the high 2 bits select the form, the low 6 bits
	// carry the operand.
	dwCfaAdvanceLoc = 0x40
	dwCfaOffset     = 0x80
	dwCfaRestore    = 0xC0

	// GNU extensions.
	dwCfaGnuArgsSize               = 0x2E
	dwCfaGnuNegativeOffsetExtended = 0x2F

	// Numerically the same opcode as DW_CFA_GNU_window_save; the
	// architecture selection is compile time, regRASignState gates it.
	dwCfaAarch64NegateRaState = 0x2D
)

// maxCFIRegister is the largest register number any CFI instruction may
// name; DWARF reserves numbers up to 287 for the targeted architectures.
const maxCFIRegister = 287

// maxRememberDepth bounds DW_CFA_remember_state nesting. Compilers rarely
// nest past 4.
const maxRememberDepth = 4

// registerSavedWhere tags how a saved register is recovered.
type registerSavedWhere uint8

const (
	locUnused registerSavedWhere = iota
	locUndefined
	locInCFA
	locOffsetFromCFA
	locInRegister
	locAtExpression
	locIsExpression
)

// registerLocation is one saved-register rule: where the value lives and
// the offset, register number or expression address that locates it.
type registerLocation struct {
	location          registerSavedWhere
	initialStateSaved bool
	value             int64
}

// prologInfo is the frame layout determined by running the CFI program of
// an FDE up to a target PC offset.
type prologInfo struct {
	cfaRegister       uint32 // CFA = reg(cfaRegister) + cfaRegisterOffset
	cfaRegisterOffset int32
	cfaExpression     int64 // CFA = expression, when cfaRegister is 0
	spExtraArgSize    uint32
	savedRegisters    [maxCFIRegister + 1]registerLocation
}

// cfa computes the canonical frame address from the accumulated rule.
func (p *prologInfo) cfa(registers *Registers) (uint64, error) {
	if p.cfaRegister != 0 {
		if !validRegister(int(p.cfaRegister)) {
			return 0, ErrInvalidCfaRegisterNumber
		}
		return uint64(int64(registers.Reg(int(p.cfaRegister))) + int64(p.cfaRegisterOffset)), nil
	}
	if p.cfaExpression != 0 {
		return evaluateExpression(uint64(p.cfaExpression), registers, 0)
	}
	return 0, ErrNoWayToCalculateCfa
}

// checkSaveRegister copies a register's rule into the shadow initial state
// the first time the rule mutates, so DW_CFA_restore can bring it back.
func (p *prologInfo) checkSaveRegister(r int, initialState *prologInfo) {
	if !p.savedRegisters[r].initialStateSaved {
		initialState.savedRegisters[r] = p.savedRegisters[r]
		p.savedRegisters[r].initialStateSaved = true
	}
}

func (p *prologInfo) setRegister(r int, loc registerSavedWhere, v int64, initialState *prologInfo) {
	p.checkSaveRegister(r, initialState)
	p.savedRegisters[r].location = loc
	p.savedRegisters[r].value = v
}

func (p *prologInfo) setRegisterLocation(r int, loc registerSavedWhere, initialState *prologInfo) {
	p.checkSaveRegister(r, initialState)
	p.savedRegisters[r].location = loc
}

func (p *prologInfo) setRegisterValue(r int, v int64, initialState *prologInfo) {
	p.checkSaveRegister(r, initialState)
	p.savedRegisters[r].value = v
}

func (p *prologInfo) restoreRegisterToInitialState(r int, initialState *prologInfo) {
	if p.savedRegisters[r].initialStateSaved {
		p.savedRegisters[r] = initialState.savedRegisters[r]
	}
	// Else the register still holds its initial state.
}

// runCFIInstructions produces the prologInfo describing the register state
// at pc: first the CIE initial instructions establish the defaults, then
// the FDE instructions run up to pc's offset inside the function.
func runCFIInstructions(pc uint64, fde *FrameDescriptionEntry, cie *CommonInformationEntry) (prologInfo, error) {
	var result prologInfo
	err := interpretCFI(&result, cie, cie.CieInstructions, cie.CieStart+cie.CieLength, ^uint64(0))
	if err != nil {
		return result, err
	}
	// The CIE program established the default initial state; DW_CFA_restore
	// in the FDE rolls back to it, not to the pre-CIE zero state.
	for i := range result.savedRegisters {
		result.savedRegisters[i].initialStateSaved = false
	}
	err = interpretCFI(&result, cie, fde.FdeInstructions, fde.FdeStart+fde.FdeLength, pc-fde.PcStart)
	return result, err
}

// interpretCFI executes one CFI instruction stream over [start, end),
// stopping once the described code offset reaches pcOffset. The register
// state left in result is the one active at the target PC.
func interpretCFI(result *prologInfo, cie *CommonInformationEntry, start, end, pcOffset uint64) error {
	loc := start
	var codeOffset uint64
	var initialState prologInfo
	var rememberStack [maxRememberDepth]prologInfo
	rememberDepth := 0

	checkReg := func(r uint64) (int, error) {
		if r > maxCFIRegister {
			return 0, ErrInvalidRegisterNumber
		}
		return int(r), nil
	}

	for loc < end && codeOffset < pcOffset {
		opcode, err := loadWithProtect[uint8](loc)
		if err != nil {
			return err
		}
		loc++

		switch opcode {
		case dwCfaNop:

		case dwCfaSetLoc:
			codeOffset, err = decodePointer(&loc, end, cie.PointerEncoding, 0)
			if err != nil {
				return err
			}

		case dwCfaAdvanceLoc1:
			delta, err := loadWithProtect[uint8](loc)
			if err != nil {
				return err
			}
			loc++
			codeOffset += uint64(delta) * uint64(cie.CodeAlignFactor)

		case dwCfaAdvanceLoc2:
			delta, err := loadWithProtect[uint16](loc)
			if err != nil {
				return err
			}
			loc += 2
			codeOffset += uint64(delta) * uint64(cie.CodeAlignFactor)

		case dwCfaAdvanceLoc4:
			delta, err := loadWithProtect[uint32](loc)
			if err != nil {
				return err
			}
			loc += 4
			codeOffset += uint64(delta) * uint64(cie.CodeAlignFactor)

		case dwCfaOffsetExtended:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			off, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			result.setRegister(r, locInCFA, int64(off)*int64(cie.DataAlignFactor), &initialState)

		case dwCfaRestoreExtended:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			result.restoreRegisterToInitialState(r, &initialState)

		case dwCfaUndefined:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			result.setRegisterLocation(r, locUndefined, &initialState)

		case dwCfaSameValue:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			// "same value" means the register was stored in the frame but
			// its current value has not changed, so nothing needs to be
			// restored. Modeled as if the register was never saved; the
			// step driver leaves unlisted registers untouched.
			result.setRegisterLocation(r, locUnused, &initialState)

		case dwCfaRegister:
			rn1, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r1, err := checkReg(rn1)
			if err != nil {
				return err
			}
			rn2, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r2, err := checkReg(rn2)
			if err != nil {
				return err
			}
			result.setRegister(r1, locInRegister, int64(r2), &initialState)

		case dwCfaRememberState:
			if rememberDepth == maxRememberDepth {
				return ErrRememberStateDepth
			}
			rememberStack[rememberDepth] = *result
			rememberDepth++

		case dwCfaRestoreState:
			if rememberDepth == 0 {
				return ErrNoRememberState
			}
			rememberDepth--
			*result = rememberStack[rememberDepth]

		case dwCfaDefCfa:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			off, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			result.cfaRegister = uint32(r)
			result.cfaRegisterOffset = int32(off)

		case dwCfaDefCfaRegister:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			result.cfaRegister = uint32(r)

		case dwCfaDefCfaOffset:
			off, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			result.cfaRegisterOffset = int32(off)

		case dwCfaDefCfaExpression:
			result.cfaRegister = 0
			result.cfaExpression = int64(loc)
			exprLen, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			loc += exprLen

		case dwCfaExpression:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			result.setRegister(r, locAtExpression, int64(loc), &initialState)
			exprLen, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			loc += exprLen

		case dwCfaOffsetExtendedSf:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			off, err := decodeSleb128(&loc, end)
			if err != nil {
				return err
			}
			result.setRegister(r, locInCFA, off*int64(cie.DataAlignFactor), &initialState)

		case dwCfaDefCfaSf:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			off, err := decodeSleb128(&loc, end)
			if err != nil {
				return err
			}
			result.cfaRegister = uint32(r)
			result.cfaRegisterOffset = int32(off * int64(cie.DataAlignFactor))

		case dwCfaDefCfaOffsetSf:
			off, err := decodeSleb128(&loc, end)
			if err != nil {
				return err
			}
			result.cfaRegisterOffset = int32(off * int64(cie.DataAlignFactor))

		case dwCfaValOffset:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			off, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			result.setRegister(r, locOffsetFromCFA, int64(off)*int64(cie.DataAlignFactor), &initialState)

		case dwCfaValOffsetSf:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			off, err := decodeSleb128(&loc, end)
			if err != nil {
				return err
			}
			result.setRegister(r, locOffsetFromCFA, off*int64(cie.DataAlignFactor), &initialState)

		case dwCfaValExpression:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			result.setRegister(r, locIsExpression, int64(loc), &initialState)
			exprLen, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			loc += exprLen

		case dwCfaGnuArgsSize:
			size, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			result.spExtraArgSize = uint32(size)

		case dwCfaGnuNegativeOffsetExtended:
			rn, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			r, err := checkReg(rn)
			if err != nil {
				return err
			}
			off, err := decodeUleb128(&loc, end)
			if err != nil {
				return err
			}
			result.setRegister(r, locInCFA, -(int64(off) * int64(cie.DataAlignFactor)), &initialState)

		case dwCfaAarch64NegateRaState:
			if regRASignState < 0 {
				return ErrInvalidInstruction
			}
			r := int(regRASignState)
			v := result.savedRegisters[r].value ^ 0x1
			result.setRegisterValue(r, v, &initialState)

		default:
			operand := opcode & 0x3F
			switch opcode & 0xC0 {
			case dwCfaOffset:
				r, err := checkReg(uint64(operand))
				if err != nil {
					return err
				}
				off, err := decodeUleb128(&loc, end)
				if err != nil {
					return err
				}
				result.setRegister(r, locInCFA, int64(off)*int64(cie.DataAlignFactor), &initialState)

			case dwCfaAdvanceLoc:
				codeOffset += uint64(operand) * uint64(cie.CodeAlignFactor)

			case dwCfaRestore:
				r, err := checkReg(uint64(operand))
				if err != nil {
					return err
				}
				result.restoreRegisterToInitialState(r, &initialState)

			default:
				return ErrInvalidInstruction
			}
		}
	}
	return nil
}
