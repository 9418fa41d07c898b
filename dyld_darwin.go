// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build darwin

package unwind

/*
#include <stdbool.h>
#include <stdint.h>

struct unwind_dyld_sections {
	uint64_t mach_header;
	uint64_t dwarf_section;
	uint64_t dwarf_section_length;
	uint64_t compact_unwind_section;
	uint64_t compact_unwind_section_length;
};

// In macOS 10.7.0 or later, libSystem.dylib implements this function.
extern bool _dyld_find_unwind_sections(void *, struct unwind_dyld_sections *);

static bool unwind_find_dyld_sections(uint64_t pc, struct unwind_dyld_sections *out) {
	return _dyld_find_unwind_sections((void *)(uintptr_t)pc, out);
}
*/
import "C"

// dyldFindUnwindSections asks dyld for the unwind metadata sections of the
// image covering the given address.
func dyldFindUnwindSections(pc uint64) (DyldUnwindSections, bool) {
	var raw C.struct_unwind_dyld_sections
	if !bool(C.unwind_find_dyld_sections(C.uint64_t(pc), &raw)) {
		return DyldUnwindSections{}, false
	}
	return DyldUnwindSections{
		MachHeader:                 uint64(raw.mach_header),
		DwarfSection:               uint64(raw.dwarf_section),
		DwarfSectionLength:         uint64(raw.dwarf_section_length),
		CompactUnwindSection:       uint64(raw.compact_unwind_section),
		CompactUnwindSectionLength: uint64(raw.compact_unwind_section_length),
	}, true
}
