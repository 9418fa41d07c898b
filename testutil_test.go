// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import (
	"encoding/binary"
	"unsafe"
)

// imageBuilder assembles synthetic unwind metadata images in memory. The
// unwinder consumes live virtual addresses, so tests hand it the address
// of the built buffer instead of a file.
type imageBuilder struct {
	data []byte
}

func (b *imageBuilder) u8(v uint8) *imageBuilder {
	b.data = append(b.data, v)
	return b
}

func (b *imageBuilder) u16(v uint16) *imageBuilder {
	b.data = binary.LittleEndian.AppendUint16(b.data, v)
	return b
}

func (b *imageBuilder) u32(v uint32) *imageBuilder {
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
	return b
}

func (b *imageBuilder) u64(v uint64) *imageBuilder {
	b.data = binary.LittleEndian.AppendUint64(b.data, v)
	return b
}

func (b *imageBuilder) bytes(v ...byte) *imageBuilder {
	b.data = append(b.data, v...)
	return b
}

func (b *imageBuilder) uleb(v uint64) *imageBuilder {
	b.data = appendUleb128(b.data, v)
	return b
}

func (b *imageBuilder) sleb(v int64) *imageBuilder {
	b.data = appendSleb128(b.data, v)
	return b
}

func (b *imageBuilder) len() int { return len(b.data) }

// addr returns the virtual address of byte i of the built image. The
// builder must not be appended to afterwards.
func (b *imageBuilder) addr(i int) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b.data[i])))
}

// patchU32 overwrites a u32 written earlier, for back-patched lengths.
func (b *imageBuilder) patchU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(b.data[off:], v)
}

func appendUleb128(data []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		data = append(data, c)
		if v == 0 {
			return data
		}
	}
}

func appendSleb128(data []byte, v int64) []byte {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		last := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !last {
			c |= 0x80
		}
		data = append(data, c)
		if last {
			return data
		}
	}
}

// buildCIE emits a version-1 "zR" CIE whose FDEs use absolute 8-byte
// pointers, with the given alignment factors, return-address register and
// initial instructions. It returns the record's byte range inside the
// builder.
func buildCIE(b *imageBuilder, caf uint64, daf int64, raReg uint8, instructions []byte) (start, end int) {
	start = b.len()
	lenOff := b.len()
	b.u32(0)              // length, patched below
	b.u32(0)              // CIE id
	b.u8(1)               // version
	b.bytes('z', 'R', 0)  // augmentation string
	b.uleb(caf)           // code alignment factor
	b.sleb(daf)           // data alignment factor
	b.u8(raReg)           // return address register
	b.uleb(1)             // augmentation data length
	b.u8(dwEhPeAbsptr | dwEhPeUdata8) // FDE pointer encoding
	b.bytes(instructions...)
	// Align the record the way compilers do, with trailing nops.
	for (b.len()-start)%8 != 0 {
		b.u8(dwCfaNop)
	}
	end = b.len()
	b.patchU32(lenOff, uint32(end-start-4))
	return start, end
}

// buildFDE emits an FDE bound to the CIE at cieStart, covering
// [pcStart, pcStart+pcRange).
func buildFDE(b *imageBuilder, cieStart int, pcStart, pcRange uint64, instructions []byte) (start, end int) {
	start = b.len()
	lenOff := b.len()
	b.u32(0) // length, patched below
	b.u32(uint32(b.len() - cieStart))
	b.u64(pcStart)
	b.u64(pcRange)
	b.uleb(0) // augmentation data length
	b.bytes(instructions...)
	for (b.len()-start)%8 != 0 {
		b.u8(dwCfaNop)
	}
	end = b.len()
	b.patchU32(lenOff, uint32(end-start-4))
	return start, end
}
