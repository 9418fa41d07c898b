// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build amd64

package unwind

import (
	"runtime"
	"testing"
)

func TestCompactStepRbpFrame(t *testing.T) {
	// Stack: [saved rbx][saved r12][old rbp][return address]
	//         rbp-16     rbp-8     rbp      rbp+8
	stack := &imageBuilder{}
	stack.u64(0x0B0B) // rbx in permutation slot 0, at rbp-16
	stack.u64(0x1212) // r12 in permutation slot 1, at rbp-8
	stack.u64(0xAAAA) // old rbp
	stack.u64(0x4040) // return address
	rbp := stack.addr(16)
	defer runtime.KeepAlive(stack)

	// Permutation slots: offset 2, slot0=rbx, slot1=r12.
	encoding := uint32(unwindX8664ModeRbpFrame |
		2<<16 |
		unwindX8664RegRBX |
		unwindX8664RegR12<<3)

	var registers Registers
	registers.SetReg(regAMD64RBP, rbp)
	registers.SetSp(stack.addr(0))
	registers.SetPc(0x9999)

	more, err := compactStep(0x9999, &registers, UnwindFuncInfo{Encoding: encoding}, DyldUnwindSections{})
	if err != nil || !more {
		t.Fatalf("compactStep failed, reason: (%v, %v)", more, err)
	}
	if registers.Reg(regAMD64R12) != 0x1212 {
		t.Errorf("r12 got %#x, want 0x1212", registers.Reg(regAMD64R12))
	}
	if registers.Reg(regAMD64RBX) != 0x0B0B {
		t.Errorf("rbx got %#x, want 0xb0b", registers.Reg(regAMD64RBX))
	}
	if registers.Reg(regAMD64RBP) != 0xAAAA {
		t.Errorf("rbp got %#x, want 0xaaaa", registers.Reg(regAMD64RBP))
	}
	if registers.Sp() != rbp+16 {
		t.Errorf("sp got %#x, want %#x", registers.Sp(), rbp+16)
	}
	if registers.Pc() != 0x4040 {
		t.Errorf("pc got %#x, want 0x4040", registers.Pc())
	}
}

func TestCompactStepFramelessImmediate(t *testing.T) {
	// Frameless, stack size 32, one saved register (rbx, permutation 0).
	stack := &imageBuilder{}
	stack.u64(0)      // sp
	stack.u64(0)      // locals
	stack.u64(0x0B0B) // saved rbx at sp+16
	stack.u64(0x4040) // return address at sp+24
	stack.u64(0)      // caller's stack
	sp := stack.addr(0)
	defer runtime.KeepAlive(stack)

	encoding := uint32(unwindX8664ModeStackImmd |
		4<<16 | // stack size 4*8 = 32
		1<<10 | // one register
		0) // Lehmer code 0 -> rbx

	var registers Registers
	registers.SetSp(sp)
	registers.SetPc(0x9999)

	more, err := compactStep(0x9999, &registers, UnwindFuncInfo{Encoding: encoding}, DyldUnwindSections{})
	if err != nil || !more {
		t.Fatalf("compactStep failed, reason: (%v, %v)", more, err)
	}
	if registers.Reg(regAMD64RBX) != 0x0B0B {
		t.Errorf("rbx got %#x, want 0xb0b", registers.Reg(regAMD64RBX))
	}
	if registers.Sp() != sp+32 {
		t.Errorf("sp got %#x, want %#x", registers.Sp(), sp+32)
	}
	if registers.Pc() != 0x4040 {
		t.Errorf("pc got %#x, want 0x4040", registers.Pc())
	}
}

func TestCompactStepFramelessPermutation(t *testing.T) {
	// Two saved registers in Lehmer order: permutation 0 decodes to
	// (rbx, r12) in stack order.
	stack := &imageBuilder{}
	stack.u64(0x0B0B) // rbx at sp
	stack.u64(0x1212) // r12 at sp+8
	stack.u64(0x4040) // return address at sp+16
	stack.u64(0)
	sp := stack.addr(0)
	defer runtime.KeepAlive(stack)

	encoding := uint32(unwindX8664ModeStackImmd |
		3<<16 | // stack size 24
		2<<10 | // two registers
		0)

	var registers Registers
	registers.SetSp(sp)

	more, err := compactStep(0, &registers, UnwindFuncInfo{Encoding: encoding}, DyldUnwindSections{})
	if err != nil || !more {
		t.Fatalf("compactStep failed, reason: (%v, %v)", more, err)
	}
	if registers.Reg(regAMD64RBX) != 0x0B0B || registers.Reg(regAMD64R12) != 0x1212 {
		t.Errorf("saved registers got rbx=%#x r12=%#x", registers.Reg(regAMD64RBX), registers.Reg(regAMD64R12))
	}
	if registers.Pc() != 0x4040 {
		t.Errorf("pc got %#x, want 0x4040", registers.Pc())
	}
}

func TestCompactStepStackIndirect(t *testing.T) {
	// The stack size lives in the `subq $nnn,%rsp` immediate inside the
	// function body.
	fn := &imageBuilder{}
	fn.u32(0)  // fake instruction bytes
	fn.u32(32) // the subq immediate at offset 4

	stack := &imageBuilder{}
	stack.u64(0)
	stack.u64(0)
	stack.u64(0)
	stack.u64(0x4040) // return address at sp+24 (stack size 32)
	stack.u64(0)
	sp := stack.addr(0)
	defer runtime.KeepAlive(stack)

	encoding := uint32(unwindX8664ModeStackInd |
		4<<16 | // offset of the immediate inside the function
		0<<13 | // no extra adjust
		0<<10) // no saved registers

	var registers Registers
	registers.SetSp(sp)

	defer runtime.KeepAlive(fn)
	info := UnwindFuncInfo{Start: fn.addr(0), Encoding: encoding}
	more, err := compactStep(0, &registers, info, DyldUnwindSections{})
	if err != nil || !more {
		t.Fatalf("compactStep failed, reason: (%v, %v)", more, err)
	}
	if registers.Sp() != sp+32 {
		t.Errorf("sp got %#x, want %#x", registers.Sp(), sp+32)
	}
	if registers.Pc() != 0x4040 {
		t.Errorf("pc got %#x, want 0x4040", registers.Pc())
	}
}

func TestCompactStepDwarfDelegation(t *testing.T) {
	// A DWARF-mode encoding delegates to the FDE at the encoded offset in
	// the __eh_frame section.
	img := buildEhFrameImage(t, [][2]uint64{{0x1000, 0x1100}})
	fdeOffset := uint64(img.fdeStarts[0])

	const returnAddress = 0x1066
	stack := &imageBuilder{}
	stack.u64(0)             // locals
	stack.u64(returnAddress) // return address slot
	stack.u64(0)
	defer runtime.KeepAlive(stack)
	defer runtime.KeepAlive(img)

	var registers Registers
	registers.SetPc(0x1010)
	// The image's CFA rule is sp+8 and the RA sits at cfa-8, i.e. at sp.
	registers.SetSp(stack.addr(8))

	sections := DyldUnwindSections{
		DwarfSection:       img.frame.addr(0),
		DwarfSectionLength: uint64(img.frame.len()),
	}
	encoding := uint32(unwindX8664ModeDwarf) | uint32(fdeOffset)

	more, err := compactStep(0x1010, &registers, UnwindFuncInfo{Encoding: encoding}, sections)
	if err != nil || !more {
		t.Fatalf("compactStep failed, reason: (%v, %v)", more, err)
	}
	if registers.Pc() != returnAddress {
		t.Errorf("pc got %#x, want %#x", registers.Pc(), returnAddress)
	}
}

func TestCompactStepInvalidMode(t *testing.T) {
	var registers Registers
	_, err := compactStep(0, &registers, UnwindFuncInfo{Encoding: 0x0F000000}, DyldUnwindSections{})
	if err != ErrInvalidCompactEncoding {
		t.Errorf("got %v, want ErrInvalidCompactEncoding", err)
	}
}
