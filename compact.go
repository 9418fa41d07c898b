// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import "unsafe"

// Darwin's alternative to DWARF based unwind encodings.
//
// Compilers can emit standard DWARF FDEs in the __TEXT,__eh_frame section
// of object files, or compact unwind information in __LD,__compact_unwind.
// When the linker creates the final image it builds __TEXT,__unwind_info:
// a small two-level index giving one 32-bit encoding per function. If the
// compiler emitted DWARF for a function, the unwind_info entry carries the
// offset of its FDE in __TEXT,__eh_frame instead.

// DyldUnwindSections is the answer dyld gives for one address: the image
// header plus the unwind metadata sections of the image covering it.
type DyldUnwindSections struct {
	MachHeader                 uint64
	DwarfSection               uint64
	DwarfSectionLength         uint64
	CompactUnwindSection       uint64
	CompactUnwindSectionLength uint64
}

// UnwindFuncInfo is one function's entry in the __unwind_info index. A
// zero encoding means the function has no unwind info.
type UnwindFuncInfo struct {
	Start    uint64
	End      uint64
	Encoding uint32
}

// Architecture independent encoding bits.
const (
	unwindIsNotFunctionStart = 0x80000000
	unwindHasLsda            = 0x40000000
	unwindPersonalityMask    = 0x30000000

	unwindSectionVersion        = 1
	unwindSecondLevelRegular    = 2
	unwindSecondLevelCompressed = 3
)

// The __unwind_info section header. The trailing arrays (common encodings,
// personalities, index entries, lsda index entries) follow at the recorded
// section offsets.
type unwindInfoSectionHeader struct {
	version                           uint32
	commonEncodingsArraySectionOffset uint32
	commonEncodingsArrayCount         uint32
	personalityArraySectionOffset     uint32
	personalityArrayCount             uint32
	indexSectionOffset                uint32
	indexCount                        uint32
}

type unwindInfoSectionHeaderIndexEntry struct {
	functionOffset                uint32
	secondLevelPagesSectionOffset uint32 // offset of the regular or compressed page
	lsdaIndexArraySectionOffset   uint32
}

// There are two kinds of second level index pages: regular and compressed.
// A compressed page can hold up to 1021 entries but cannot be used when
// too many distinct encodings occur; a regular page holds 511.

type unwindInfoRegularSecondLevelPageHeader struct {
	kind            uint32 // unwindSecondLevelRegular
	entryPageOffset uint16
	entryCount      uint16
}

type unwindInfoRegularSecondLevelEntry struct {
	functionOffset uint32
	encoding       uint32
}

type unwindInfoCompressedSecondLevelPageHeader struct {
	kind                uint32 // unwindSecondLevelCompressed
	entryPageOffset     uint16
	entryCount          uint16
	encodingsPageOffset uint16
	encodingsCount      uint16
}

// A compressed entry packs the encoding index into the high 8 bits and the
// function's offset from the page base into the low 24.
func compressedEntryFuncOffset(entry uint32) uint32 { return entry & 0x00FFFFFF }

func compressedEntryEncodingIndex(entry uint32) uint32 { return (entry >> 24) & 0xFF }

func sectionHeaderAt(addr uint64) *unwindInfoSectionHeader {
	return (*unwindInfoSectionHeader)(unsafe.Pointer(uintptr(addr)))
}

func indexEntryAt(addr uint64, i int) *unwindInfoSectionHeaderIndexEntry {
	const size = 12
	return (*unwindInfoSectionHeaderIndexEntry)(unsafe.Pointer(uintptr(addr + uint64(i)*size)))
}

func regularEntryAt(addr uint64, i int) *unwindInfoRegularSecondLevelEntry {
	const size = 8
	return (*unwindInfoRegularSecondLevelEntry)(unsafe.Pointer(uintptr(addr + uint64(i)*size)))
}

func encodingAt(addr uint64, i int) uint32 {
	return load[uint32](addr + uint64(i)*4)
}

// findUnwindFuncInfo looks up the function covering pc in the two-level
// __unwind_info index at sectionAddress. baseAddress is the image's
// mach_header address, the base all function offsets are relative to.
func findUnwindFuncInfo(pc, sectionAddress, baseAddress uint64) (UnwindFuncInfo, bool) {
	header := sectionHeaderAt(sectionAddress)
	if header.version != unwindSectionVersion {
		return UnwindFuncInfo{}, false
	}
	if header.indexCount == 0 {
		return UnwindFuncInfo{}, false
	}

	indexes := sectionAddress + uint64(header.indexSectionOffset)

	// Binary search the top level index for the page covering pc. The
	// last entry is a sentinel: it only provides the upper bound for its
	// predecessor, a hit there means not found.
	targetFunctionOffset := uint32(pc - baseAddress)
	low := 0
	high := int(header.indexCount)
	last := high - 1
	for low < high {
		mid := (low + high) / 2
		if indexEntryAt(indexes, mid).functionOffset <= targetFunctionOffset {
			if mid == last || indexEntryAt(indexes, mid+1).functionOffset > targetFunctionOffset {
				low = mid
				break
			}
			low = mid + 1
		} else {
			high = mid
		}
	}
	if low == last {
		return UnwindFuncInfo{}, false
	}

	l1FunctionOffset := indexEntryAt(indexes, low).functionOffset
	l1NextPageFunctionOffset := uint64(indexEntryAt(indexes, low+1).functionOffset)
	l2Address := sectionAddress + uint64(indexEntryAt(indexes, low).secondLevelPagesSectionOffset)
	l2Kind := load[uint32](l2Address)

	switch l2Kind {
	case unwindSecondLevelRegular:
		l2Header := (*unwindInfoRegularSecondLevelPageHeader)(unsafe.Pointer(uintptr(l2Address)))
		l2Entries := l2Address + uint64(l2Header.entryPageOffset)
		entryCount := int(l2Header.entryCount)

		// Find the entry e with entries[e].offset <= pc < entries[e+1].offset.
		var funcEnd uint64
		low := 0
		high := entryCount
		for low < high {
			mid := (low + high) / 2
			if regularEntryAt(l2Entries, mid).functionOffset <= targetFunctionOffset {
				if mid == entryCount-1 {
					// At end of table.
					low = mid
					funcEnd = baseAddress + l1NextPageFunctionOffset
					break
				} else if regularEntryAt(l2Entries, mid+1).functionOffset > targetFunctionOffset {
					// Next is too big, so this is it.
					low = mid
					funcEnd = baseAddress + uint64(regularEntryAt(l2Entries, mid+1).functionOffset)
					break
				}
				low = mid + 1
			} else {
				high = mid
			}
		}
		encoding := regularEntryAt(l2Entries, low).encoding
		funcStart := baseAddress + uint64(regularEntryAt(l2Entries, low).functionOffset)
		if pc < funcStart || pc > funcEnd {
			return UnwindFuncInfo{}, false
		}
		return UnwindFuncInfo{Start: funcStart, End: funcEnd, Encoding: encoding}, true

	case unwindSecondLevelCompressed:
		l2Header := (*unwindInfoCompressedSecondLevelPageHeader)(unsafe.Pointer(uintptr(l2Address)))
		l2Entries := l2Address + uint64(l2Header.entryPageOffset)
		entryCount := int(l2Header.entryCount)
		if entryCount == 0 {
			return UnwindFuncInfo{}, false
		}

		targetFunctionPageOffset := targetFunctionOffset - l1FunctionOffset
		low := 0
		high := entryCount
		last := high - 1
		for low < high {
			mid := (low + high) / 2
			if compressedEntryFuncOffset(encodingAt(l2Entries, mid)) <= targetFunctionPageOffset {
				if mid == last || compressedEntryFuncOffset(encodingAt(l2Entries, mid+1)) > targetFunctionPageOffset {
					low = mid
					break
				}
				low = mid + 1
			} else {
				high = mid
			}
		}

		funcStart := baseAddress + uint64(l1FunctionOffset) + uint64(compressedEntryFuncOffset(encodingAt(l2Entries, low)))
		var funcEnd uint64
		if low < last {
			funcEnd = baseAddress + uint64(l1FunctionOffset) + uint64(compressedEntryFuncOffset(encodingAt(l2Entries, low+1)))
		} else {
			funcEnd = baseAddress + l1NextPageFunctionOffset
		}
		if pc < funcStart || pc > funcEnd {
			return UnwindFuncInfo{}, false
		}

		// The encoding lives in the global common table when the index is
		// small enough, otherwise in the page-local table.
		encodingIndex := compressedEntryEncodingIndex(encodingAt(l2Entries, low))
		var encoding uint32
		if encodingIndex < header.commonEncodingsArrayCount {
			encodings := sectionAddress + uint64(header.commonEncodingsArraySectionOffset)
			encoding = encodingAt(encodings, int(encodingIndex))
		} else {
			encodings := l2Address + uint64(l2Header.encodingsPageOffset)
			encoding = encodingAt(encodings, int(encodingIndex-header.commonEncodingsArrayCount))
		}
		return UnwindFuncInfo{Start: funcStart, End: funcEnd, Encoding: encoding}, true
	}
	return UnwindFuncInfo{}, false
}
