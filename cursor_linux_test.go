// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build linux && amd64

package unwind

import (
	"runtime"
	"testing"
)

// fakeModule builds a complete in-memory module: a text range backed by a
// real buffer, an .eh_frame describing two functions, a matching
// .eh_frame_hdr, and the SectionInfo tying them together.
type fakeModule struct {
	text      *imageBuilder
	frame     *imageBuilder
	hdr       *imageBuilder
	fdeStarts []int
}

// Function layout inside the fake text range: f2 at +0x00..0x40 (CFA
// sp+16), f1 at +0x40..0x80 (CFA sp+32, distinguishable from f2).
func buildFakeModule(t *testing.T) (*fakeModule, SectionInfo) {
	t.Helper()
	m := &fakeModule{text: &imageBuilder{}, frame: &imageBuilder{}, hdr: &imageBuilder{}}
	for i := 0; i < 0x100; i++ {
		m.text.u8(0)
	}
	textBase := m.text.addr(0)

	cieIns := []byte{dwCfaDefCfa, byte(RegSP), 16}
	raRule := append([]byte{dwCfaOffset | byte(RegIP)}, appendUleb128(nil, 1)...)
	cieStart, _ := buildCIE(m.frame, 1, -8, uint8(RegIP), cieIns)
	fde1, _ := buildFDE(m.frame, cieStart, textBase, 0x40, raRule)
	f1Ins := append([]byte{dwCfaDefCfaOffset}, appendUleb128(nil, 32)...)
	f1Ins = append(f1Ins, raRule...)
	fde2, _ := buildFDE(m.frame, cieStart, textBase+0x40, 0x40, f1Ins)
	m.frame.u32(0)
	m.fdeStarts = []int{fde1, fde2}

	m.hdr.u8(1)
	m.hdr.u8(dwEhPeAbsptr | dwEhPeUdata8)
	m.hdr.u8(dwEhPeAbsptr | dwEhPeUdata4)
	m.hdr.u8(dwEhPeAbsptr | dwEhPeUdata8)
	m.hdr.u64(m.frame.addr(0))
	m.hdr.u32(2)
	m.hdr.u64(textBase)
	m.hdr.u64(m.frame.addr(fde1))
	m.hdr.u64(textBase + 0x40)
	m.hdr.u64(m.frame.addr(fde2))

	section := SectionInfo{
		Text:          textBase,
		TextLen:       0x100,
		EhFrameHdr:    m.hdr.addr(0),
		EhFrameHdrLen: uint64(m.hdr.len()),
		MaxAddr:       m.frame.addr(0) + uint64(m.frame.len()),
	}
	return m, section
}

// installSection swaps the process module index for the fake one and
// returns a restore func.
func installSection(t *testing.T, section SectionInfo) func() {
	t.Helper()
	Sections() // force the real init so the Once is spent
	savedList := sectionList
	savedCount := sectionCount
	sectionList[0] = section
	sectionCount = 1
	return func() {
		sectionList = savedList
		sectionCount = savedCount
	}
}

func TestCursorStepWalksFakeStack(t *testing.T) {
	m, section := buildFakeModule(t)
	defer installSection(t, section)()
	textBase := m.text.addr(0)

	// f2's frame, then f1's. f1's saved return address is zero: the
	// stack root.
	stack := &imageBuilder{}
	stack.u64(0)                // f2 locals          (sp0)
	stack.u64(textBase + 0x50)  // f2's RA, inside f1 (cfa1-8)
	stack.u64(0)                // f1 locals          (sp1 = cfa1)
	stack.u64(0)                //                    (sp1+8)
	stack.u64(0)                //
	stack.u64(0)                // f1's RA slot: zero (cfa2-8 = sp1+24)
	for i := 0; i < 4; i++ {
		stack.u64(0)
	}
	sp0 := stack.addr(0)
	defer runtime.KeepAlive(stack)
	defer runtime.KeepAlive(m)

	var registers Registers
	registers.SetPc(textBase + 0x10)
	registers.SetSp(sp0)

	cursor := NewUnwindCursor()

	// Step 1: f2 -> f1.
	more, err := cursor.Step(&registers)
	if err != nil || !more {
		t.Fatalf("step 1 failed, reason: (%v, %v)", more, err)
	}
	if registers.Pc() != textBase+0x50 {
		t.Errorf("step 1 pc got %#x, want %#x", registers.Pc(), textBase+0x50)
	}
	if registers.Sp() != sp0+16 {
		t.Errorf("step 1 sp got %#x, want %#x", registers.Sp(), sp0+16)
	}

	// Step 2: f1 -> root. f1's CFA rule is sp+32; a zero saved RA marks
	// the root.
	more, err = cursor.Step(&registers)
	if err != nil || !more {
		t.Fatalf("step 2 failed, reason: (%v, %v)", more, err)
	}
	if registers.Pc() != 0 {
		t.Errorf("step 2 pc got %#x, want 0", registers.Pc())
	}

	// Step 3: pc == 0 terminates without touching memory.
	more, err = cursor.Step(&registers)
	if err != nil || more {
		t.Errorf("step 3 got (%v, %v), want (false, nil)", more, err)
	}
}

func TestCursorFirstStepDoesNotDecrement(t *testing.T) {
	m, section := buildFakeModule(t)
	defer installSection(t, section)()
	textBase := m.text.addr(0)

	// Seed the PC one byte past f1's entry. Undecremented, the CFI runs
	// through f1's offset-zero rules (CFA sp+32); a wrongly decremented
	// PC would stop at the entry and keep the CIE default (CFA sp+16).
	stack := &imageBuilder{}
	for i := 0; i < 8; i++ {
		stack.u64(0)
	}
	sp := stack.addr(0)
	defer runtime.KeepAlive(stack)
	defer runtime.KeepAlive(m)

	var registers Registers
	registers.SetPc(textBase + 0x41)
	registers.SetSp(sp)

	cursor := NewUnwindCursor()
	more, err := cursor.Step(&registers)
	if err != nil || !more {
		t.Fatalf("step failed, reason: (%v, %v)", more, err)
	}
	if registers.Sp() != sp+32 {
		t.Errorf("first step used the wrong FDE: sp got %#x, want %#x", registers.Sp(), sp+32)
	}
}

func TestCursorStepOutsideAnyModule(t *testing.T) {
	_, section := buildFakeModule(t)
	defer installSection(t, section)()

	var registers Registers
	registers.SetPc(0x10) // non-zero, but in no module
	registers.SetSp(0x2000)

	cursor := NewUnwindCursor()
	more, err := cursor.Step(&registers)
	if err != nil || more {
		t.Errorf("got (%v, %v), want (false, nil)", more, err)
	}
}

func TestCursorFullScanFallback(t *testing.T) {
	// Hide the second function from the header table; the full scan must
	// still find its FDE.
	m, section := buildFakeModule(t)
	textBase := m.text.addr(0)

	// Rebuild the header with only f2's entry.
	hdr := &imageBuilder{}
	hdr.u8(1)
	hdr.u8(dwEhPeAbsptr | dwEhPeUdata8)
	hdr.u8(dwEhPeAbsptr | dwEhPeUdata4)
	hdr.u8(dwEhPeAbsptr | dwEhPeUdata8)
	hdr.u64(m.frame.addr(0))
	hdr.u32(1)
	hdr.u64(textBase)
	hdr.u64(m.frame.addr(m.fdeStarts[0])) // only f2's FDE is indexed
	section.EhFrameHdr = hdr.addr(0)
	section.EhFrameHdrLen = uint64(hdr.len())
	defer installSection(t, section)()

	stack := &imageBuilder{}
	for i := 0; i < 8; i++ {
		stack.u64(0)
	}
	sp := stack.addr(0)
	defer runtime.KeepAlive(stack)
	defer runtime.KeepAlive(m)

	var registers Registers
	registers.SetPc(textBase + 0x50) // inside f1, absent from the table
	registers.SetSp(sp)

	cursor := NewUnwindCursor()
	more, err := cursor.Step(&registers)
	if err != nil || !more {
		t.Fatalf("step failed, reason: (%v, %v)", more, err)
	}
	if registers.Sp() != sp+32 {
		t.Errorf("fallback used the wrong FDE: sp got %#x, want %#x", registers.Sp(), sp+32)
	}
}

func TestTraceSmoke(t *testing.T) {
	// A live trace of the test binary itself. Go binaries do not always
	// carry usable .eh_frame data for Go functions, so only crash-freedom
	// and error shape are asserted here.
	if len(Sections()) == 0 {
		t.Skip("no modules with unwind sections in this binary")
	}
	frames := 0
	_, err := Trace(func(registers *Registers) bool {
		frames++
		return frames < 64
	})
	if err != nil {
		t.Logf("trace stopped early after %d frames: %v", frames, err)
	}
}
