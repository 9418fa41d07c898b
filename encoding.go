// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

// DWARF exception-header pointer encodings, per the Linux Standard Base
// Core Specification, "DWARF Extensions". The low nibble selects the value
// format, bits 4-6 the relocation base, and bit 7 requests an indirection.
const (
	dwEhPeOmit = 0xFF

	dwEhPePtr     = 0x00
	dwEhPeUleb128 = 0x01
	dwEhPeUdata2  = 0x02
	dwEhPeUdata4  = 0x03
	dwEhPeUdata8  = 0x04
	dwEhPeSleb128 = 0x09
	dwEhPeSdata2  = 0x0A
	dwEhPeSdata4  = 0x0B
	dwEhPeSdata8  = 0x0C

	dwEhPeAbsptr  = 0x00
	dwEhPePcrel   = 0x10
	dwEhPeDatarel = 0x30

	dwEhPeIndirect = 0x80
)

// decodeUleb128 reads a ULEB128 value at *loc, advancing *loc by exactly
// the encoded length. Reads stop with ErrTruncatedUleb128 at end, and with
// ErrMalformedUleb128 when a byte would shift significant bits past 64.
func decodeUleb128(loc *uint64, end uint64) (uint64, error) {
	var res uint64
	var bit uint
	for {
		if *loc == end {
			return 0, ErrTruncatedUleb128
		}
		b, err := loadWithProtect[uint8](*loc)
		if err != nil {
			return 0, err
		}
		v := uint64(b & 0x7F)
		if bit >= 64 || v<<bit>>bit != v {
			return 0, ErrMalformedUleb128
		}
		res |= v << bit
		bit += 7
		*loc++
		if b < 0x80 {
			break
		}
	}
	return res, nil
}

// decodeSleb128 reads a SLEB128 value at *loc, advancing *loc by exactly
// the encoded length.
func decodeSleb128(loc *uint64, end uint64) (int64, error) {
	var res int64
	var bit uint
	var b uint8
	for {
		if *loc == end {
			return 0, ErrTruncatedSleb128
		}
		var err error
		b, err = loadWithProtect[uint8](*loc)
		if err != nil {
			return 0, err
		}
		*loc++
		res |= int64(uint64(b&0x7F) << bit)
		bit += 7
		if b&0x80 == 0 {
			break
		}
	}
	// Sign extend negative numbers.
	if b&0x40 != 0 && bit < 64 {
		res |= int64(^uint64(0) << bit)
	}
	return res, nil
}

// decodePointer reads a value at *loc encoded per enc, advancing *loc past
// it. Signed formats may land below the relocation base; arithmetic wraps
// and the result is returned as a uint64. datarelBase must be non-zero
// when enc asks for DW_EH_PE_DATAREL.
func decodePointer(loc *uint64, end uint64, enc uint8, datarelBase uint64) (uint64, error) {
	if enc == dwEhPeOmit {
		return 0, nil
	}

	// Relocation base.
	var offset uint64
	switch enc & 0x70 {
	case dwEhPeAbsptr:
		offset = 0
	case dwEhPePcrel:
		offset = *loc
	case dwEhPeDatarel:
		// DW_EH_PE_DATAREL is only valid in a few places, so the
		// parameter has a default of 0 and a zero base here is an error.
		if datarelBase == 0 {
			return 0, ErrInvalidDataRelBase
		}
		offset = datarelBase
	default:
		return 0, ErrInvalidPointerEncodingOffset
	}

	// Value.
	var res uint64
	switch enc & 0x0F {
	case dwEhPePtr, dwEhPeUdata8:
		v, err := loadWithProtect[uint64](*loc)
		if err != nil {
			return 0, err
		}
		*loc += 8
		res = v + offset
	case dwEhPeUleb128:
		v, err := decodeUleb128(loc, end)
		if err != nil {
			return 0, err
		}
		res = v + offset
	case dwEhPeUdata2:
		v, err := loadWithProtect[uint16](*loc)
		if err != nil {
			return 0, err
		}
		*loc += 2
		res = uint64(v) + offset
	case dwEhPeUdata4:
		v, err := loadWithProtect[uint32](*loc)
		if err != nil {
			return 0, err
		}
		*loc += 4
		res = uint64(v) + offset
	case dwEhPeSleb128:
		v, err := decodeSleb128(loc, end)
		if err != nil {
			return 0, err
		}
		res = offset + uint64(v)
	case dwEhPeSdata2:
		v, err := loadWithProtect[int16](*loc)
		if err != nil {
			return 0, err
		}
		*loc += 2
		res = offset + uint64(int64(v))
	case dwEhPeSdata4:
		v, err := loadWithProtect[int32](*loc)
		if err != nil {
			return 0, err
		}
		*loc += 4
		res = offset + uint64(int64(v))
	case dwEhPeSdata8:
		v, err := loadWithProtect[int64](*loc)
		if err != nil {
			return 0, err
		}
		*loc += 8
		res = offset + uint64(v)
	default:
		return 0, ErrInvalidPointerEncodingValue
	}

	// Dereference the pointer if necessary.
	if enc&dwEhPeIndirect != 0 {
		v, err := loadWithProtect[uint64](res)
		if err != nil {
			return 0, err
		}
		res = v
	}
	return res, nil
}
