// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import (
	"runtime"
	"testing"
)

// buildUnwindInfoImage assembles a minimal __unwind_info section: a header
// with the given common encodings, one populated first-level entry plus
// the sentinel, and a single second-level page.
//
// funcs lists (functionOffset, encoding) pairs sorted by offset; the
// sentinel bound is sentinelOffset.
func buildUnwindInfoImage(t *testing.T, compressed bool, funcs [][2]uint32, commonEncodings []uint32, sentinelOffset uint32) *imageBuilder {
	t.Helper()
	b := &imageBuilder{}

	const headerSize = 28
	commonOff := uint32(headerSize)
	indexOff := commonOff + uint32(4*len(commonEncodings))
	l2Off := indexOff + 2*12

	// Section header.
	b.u32(unwindSectionVersion)
	b.u32(commonOff)
	b.u32(uint32(len(commonEncodings)))
	b.u32(0) // personality array offset
	b.u32(0) // personality count
	b.u32(indexOff)
	b.u32(2) // one populated entry + sentinel

	for _, enc := range commonEncodings {
		b.u32(enc)
	}

	// First-level entries: the populated page and the sentinel bound.
	b.u32(funcs[0][0]) // functionOffset of the page
	b.u32(l2Off)
	b.u32(0)
	b.u32(sentinelOffset)
	b.u32(0)
	b.u32(0)

	if compressed {
		// Compressed page: header, packed entries, page-local encodings.
		const pageHeaderSize = 12
		entriesOff := uint16(pageHeaderSize)
		encodingsOff := entriesOff + uint16(4*len(funcs))
		b.u32(unwindSecondLevelCompressed)
		b.u16(entriesOff)
		b.u16(uint16(len(funcs)))
		b.u16(encodingsOff)
		b.u16(uint16(len(funcs)))
		pageBase := funcs[0][0]
		for i, f := range funcs {
			idx := uint32(len(commonEncodings) + i)
			b.u32(idx<<24 | (f[0] - pageBase))
		}
		for _, f := range funcs {
			b.u32(f[1])
		}
	} else {
		const pageHeaderSize = 8
		b.u32(unwindSecondLevelRegular)
		b.u16(pageHeaderSize)
		b.u16(uint16(len(funcs)))
		for _, f := range funcs {
			b.u32(f[0])
			b.u32(f[1])
		}
	}
	t.Cleanup(func() { runtime.KeepAlive(b) })
	return b
}

func TestFindUnwindFuncInfoRegular(t *testing.T) {
	funcs := [][2]uint32{
		{0x100, 0x01000000},
		{0x200, 0x02000000},
		{0x300, 0x03000000},
	}
	b := buildUnwindInfoImage(t, false, funcs, nil, 0x400)
	base := b.addr(0) // mach_header == section for the test image
	defer runtime.KeepAlive(b)
	section := b.addr(0)

	tests := []struct {
		offset       uint32
		wantFound    bool
		wantStart    uint32
		wantEncoding uint32
	}{
		{0x100, true, 0x100, 0x01000000},
		{0x1FF, true, 0x100, 0x01000000},
		{0x200, true, 0x200, 0x02000000},
		{0x300, true, 0x300, 0x03000000},
		{0x3FF, true, 0x300, 0x03000000},
	}

	for _, tt := range tests {
		info, ok := findUnwindFuncInfo(base+uint64(tt.offset), section, base)
		if ok != tt.wantFound {
			t.Errorf("offset %#x: found %v, want %v", tt.offset, ok, tt.wantFound)
			continue
		}
		if !ok {
			continue
		}
		if info.Start != base+uint64(tt.wantStart) {
			t.Errorf("offset %#x: start got %#x, want %#x", tt.offset, info.Start, base+uint64(tt.wantStart))
		}
		if info.Encoding != tt.wantEncoding {
			t.Errorf("offset %#x: encoding got %#x, want %#x", tt.offset, info.Encoding, tt.wantEncoding)
		}
	}
}

func TestFindUnwindFuncInfoCompressed(t *testing.T) {
	funcs := [][2]uint32{
		{0x100, 0x04000000},
		{0x180, 0x02001000},
	}
	common := []uint32{0x01000000}
	b := buildUnwindInfoImage(t, true, funcs, common, 0x200)
	base := b.addr(0)
	defer runtime.KeepAlive(b)
	section := b.addr(0)

	info, ok := findUnwindFuncInfo(base+0x110, section, base)
	if !ok {
		t.Fatalf("lookup missed")
	}
	if info.Encoding != 0x04000000 {
		t.Errorf("encoding got %#x, want the page-local 0x04000000", info.Encoding)
	}
	if info.Start != base+0x100 || info.End != base+0x180 {
		t.Errorf("range got %#x..%#x, want %#x..%#x", info.Start, info.End, base+0x100, base+0x180)
	}

	info, ok = findUnwindFuncInfo(base+0x190, section, base)
	if !ok {
		t.Fatalf("lookup missed")
	}
	if info.Encoding != 0x02001000 {
		t.Errorf("encoding got %#x, want 0x02001000", info.Encoding)
	}
	if info.End != base+0x200 {
		t.Errorf("last entry end got %#x, want the sentinel bound %#x", info.End, base+0x200)
	}
}

func TestFindUnwindFuncInfoCompressedCommonEncoding(t *testing.T) {
	// An encoding index below the common count resolves from the global
	// table, not the page-local one.
	b := &imageBuilder{}
	const headerSize = 28
	commonOff := uint32(headerSize)
	indexOff := commonOff + 4
	l2Off := indexOff + 2*12

	b.u32(unwindSectionVersion)
	b.u32(commonOff)
	b.u32(1)
	b.u32(0)
	b.u32(0)
	b.u32(indexOff)
	b.u32(2)
	b.u32(0x05000000) // common encoding 0
	b.u32(0x100).u32(l2Off).u32(0)
	b.u32(0x200).u32(0).u32(0)
	b.u32(unwindSecondLevelCompressed)
	b.u16(12)
	b.u16(1)
	b.u16(16)
	b.u16(0)
	b.u32(0 << 24) // entry: encoding index 0, page offset 0

	base := b.addr(0)
	defer runtime.KeepAlive(b)
	info, ok := findUnwindFuncInfo(base+0x110, base, base)
	if !ok {
		t.Fatalf("lookup missed")
	}
	if info.Encoding != 0x05000000 {
		t.Errorf("encoding got %#x, want the common 0x05000000", info.Encoding)
	}
}

func TestFindUnwindFuncInfoSentinel(t *testing.T) {
	funcs := [][2]uint32{{0x100, 0x01000000}}
	b := buildUnwindInfoImage(t, false, funcs, nil, 0x200)
	base := b.addr(0)
	defer runtime.KeepAlive(b)

	// A hit on the sentinel last first-level entry means not found.
	if _, ok := findUnwindFuncInfo(base+0x1000, base, base); ok {
		t.Errorf("lookup past the sentinel succeeded")
	}
}

func TestFindUnwindFuncInfoBadVersion(t *testing.T) {
	var b imageBuilder
	b.u32(99)
	b.u32(0).u32(0).u32(0).u32(0).u32(0).u32(0)
	if _, ok := findUnwindFuncInfo(b.addr(0), b.addr(0), b.addr(0)); ok {
		t.Errorf("bad section version accepted")
	}
}
