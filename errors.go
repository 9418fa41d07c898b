// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import "errors"

// Errors.
//
// Every error below is a preallocated sentinel. The unwind hot path runs
// inside signal handlers and must not allocate, so failures are reported by
// returning one of these values rather than by constructing a new error.
var (

	// ErrHeaderInvalidVersion is returned when the version field of an
	// .eh_frame_hdr section is not 1.
	ErrHeaderInvalidVersion = errors.New("invalid .eh_frame_hdr version")

	// ErrCIEZeroLength is returned when a CIE record advertises a length
	// of zero.
	ErrCIEZeroLength = errors.New("CIE has zero length")

	// ErrCIEIdIsNotZero is returned when the CIE-ID field of a CIE record
	// is not zero.
	ErrCIEIdIsNotZero = errors.New("CIE id is not zero")

	// ErrCIEInvalidVersion is returned when a CIE version is neither 1
	// nor 3.
	ErrCIEInvalidVersion = errors.New("invalid CIE version")

	// ErrFDENotFound is returned when no FDE covers the requested program
	// counter. The cursor recovers from this by falling back to a full
	// .eh_frame scan; if the scan also fails, the stack root was reached.
	ErrFDENotFound = errors.New("FDE not found")

	// ErrFDEZeroLength is returned when an FDE record advertises a length
	// of zero.
	ErrFDEZeroLength = errors.New("FDE has zero length")

	// ErrFDEIsReallyCIE is returned when a record parsed as an FDE turns
	// out to be a CIE (its CIE-pointer field is zero).
	ErrFDEIsReallyCIE = errors.New("FDE is really a CIE")

	// ErrInvalidPointerEncodingOffset is returned when the relocation-base
	// bits of a DWARF pointer encoding hold an unsupported value.
	ErrInvalidPointerEncodingOffset = errors.New("invalid pointer encoding offset")

	// ErrInvalidPointerEncodingValue is returned when the value-format
	// nibble of a DWARF pointer encoding holds an unsupported value.
	ErrInvalidPointerEncodingValue = errors.New("invalid pointer encoding value")

	// ErrInvalidPointerEncodingSize is returned when an .eh_frame_hdr
	// binary-search table encoding does not map to a fixed entry size.
	ErrInvalidPointerEncodingSize = errors.New("invalid pointer encoding size")

	// ErrInvalidDataRelBase is returned when a DW_EH_PE_DATAREL encoded
	// pointer is decoded without a data-relative base address.
	ErrInvalidDataRelBase = errors.New("invalid datarel base")

	// ErrMalformedUleb128 is returned when a ULEB128 value encodes more
	// than 64 bits.
	ErrMalformedUleb128 = errors.New("malformed uleb128 expression")

	// ErrTruncatedUleb128 is returned when a ULEB128 read walks past the
	// end of its enclosing record.
	ErrTruncatedUleb128 = errors.New("truncated uleb128 expression")

	// ErrTruncatedSleb128 is returned when a SLEB128 read walks past the
	// end of its enclosing record.
	ErrTruncatedSleb128 = errors.New("truncated sleb128 expression")

	// ErrInvalidInstruction is returned when the CFI interpreter meets an
	// opcode it does not implement.
	ErrInvalidInstruction = errors.New("invalid CFI instruction")

	// ErrInvalidRegisterNumber is returned when a CFI instruction or a
	// register rule names a register outside the supported set.
	ErrInvalidRegisterNumber = errors.New("invalid register number")

	// ErrInvalidCfaRegisterNumber is returned when the CFA rule names an
	// invalid base register.
	ErrInvalidCfaRegisterNumber = errors.New("invalid CFA register number")

	// ErrInvalidReturnAddressRegister is returned when a CIE names a
	// return-address register outside the supported set.
	ErrInvalidReturnAddressRegister = errors.New("invalid return address register number")

	// ErrNoRememberState is returned when DW_CFA_restore_state executes
	// with no matching DW_CFA_remember_state.
	ErrNoRememberState = errors.New("no remember state")

	// ErrRememberStateDepth is returned when DW_CFA_remember_state nests
	// deeper than the interpreter's fixed state stack. Compilers rarely
	// nest past 4.
	ErrRememberStateDepth = errors.New("remember state nested too deep")

	// ErrNoWayToCalculateCfa is returned when a CFI program defines the
	// CFA neither as register+offset nor as an expression.
	ErrNoWayToCalculateCfa = errors.New("no way to calculate CFA")

	// ErrInvalidExpression is returned when the DWARF expression VM meets
	// an opcode it does not implement, or when the expression stack over-
	// or underflows.
	ErrInvalidExpression = errors.New("invalid DWARF expression")

	// ErrInvalidExpressionDerefSize is returned when DW_OP_deref_size
	// names a width other than 1, 2, 4 or 8.
	ErrInvalidExpressionDerefSize = errors.New("invalid DWARF expression deref size")

	// ErrUnreadableAddress is returned when a guarded load targets memory
	// the memory probe reports as unmapped.
	ErrUnreadableAddress = errors.New("unreadable address")

	// ErrUnimplementedRaSignState is returned on aarch64 when the return
	// address was signed with ARMv8.3 pointer authentication.
	// Authenticating it would require the autia1716 instruction; detected
	// and reported, not implemented.
	ErrUnimplementedRaSignState = errors.New("unimplemented return address sign state")

	// ErrInvalidRegisterLocation is returned when a saved-register rule
	// holds a location kind that cannot be materialized.
	ErrInvalidRegisterLocation = errors.New("invalid register location")

	// ErrInvalidCompactEncoding is returned when a compact unwind encoding
	// holds an unknown mode for the current architecture.
	ErrInvalidCompactEncoding = errors.New("invalid compact unwind encoding")

	// ErrInvalidUcontext is returned when a trace is seeded from a nil or
	// malformed ucontext pointer.
	ErrInvalidUcontext = errors.New("invalid ucontext")
)
