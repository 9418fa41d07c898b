// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build linux

package unwind

import (
	"os"
	"strings"
	"sync"
	"unsafe"
)

// MaxObjectsLen bounds the module index; the section list is stored inline
// and never reallocated.
const MaxObjectsLen = 128

// ELF constants for the program-header walk.
const (
	elfMagic     = 0x464C457F // "\x7fELF" little endian
	elfTypeExec  = 2
	ptLoad       = 1
	ptGnuEhFrame = 0x6474E550
	pfX          = 1
)

// elf64Phdr mirrors Elf64_Phdr, read in place from the mapped image.
type elf64Phdr struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// SectionInfo records, for one loaded code object, the virtual addresses
// of its executable segment and its .eh_frame_hdr, plus the highest mapped
// file-backed address so the .eh_frame full-scan fallback has an upper
// bound.
type SectionInfo struct {
	Base          uint64
	Text          uint64
	TextLen       uint64
	EhFrameHdr    uint64
	EhFrameHdrLen uint64
	MaxAddr       uint64
}

// Contains returns true when pc falls inside the object's executable
// segment.
func (s *SectionInfo) Contains(pc uint64) bool {
	return s.Text <= pc && pc < s.Text+s.TextLen
}

var (
	sectionsOnce sync.Once
	sectionList  [MaxObjectsLen]SectionInfo
	sectionCount int
)

// Sections returns the module index of the current process. The index is
// built once, on the first call, and shared read-only for the process
// lifetime.
func Sections() []SectionInfo {
	sectionsOnce.Do(initSections)
	return sectionList[:sectionCount]
}

type mapObject struct {
	base uint64
	path string
}

func initSections() {
	data, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		opts.Logger.Errorf("unwind: reading maps failed: %v", err)
		return
	}
	exe, err := os.Readlink("/proc/self/exe")
	if err != nil {
		opts.Logger.Warnf("unwind: resolving /proc/self/exe failed: %v", err)
	}

	for _, obj := range parseMapsObjects(data) {
		if sectionCount >= MaxObjectsLen {
			break
		}
		if !opts.TraceSharedLibs && obj.path != exe {
			continue
		}
		// No .eh_frame data is available for the vdso on aarch64; skip it
		// everywhere.
		if strings.Contains(obj.path, "linux-vdso") || obj.path == "[vdso]" {
			continue
		}
		section, ok := readSectionInfo(obj.base)
		if !ok {
			opts.Logger.Debugf("unwind: no unwind sections in %s", obj.path)
			continue
		}
		sectionList[sectionCount] = section
		sectionCount++
	}
}

// parseMapsObjects extracts, for every file-backed object, the base
// address of the mapping holding its ELF header (the lowest mapping with
// file offset zero).
func parseMapsObjects(data []byte) []mapObject {
	var objects []mapObject
	seen := make(map[string]bool)
	pos := 0
	for pos < len(data) {
		lineEnd := pos
		for lineEnd < len(data) && data[lineEnd] != '\n' {
			lineEnd++
		}
		line := string(data[pos:lineEnd])
		pos = lineEnd + 1

		// start-end perms offset dev inode path
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if !strings.HasPrefix(path, "/") && path != "[vdso]" {
			continue
		}
		if fields[3] == "00:00" && path != "[vdso]" {
			continue
		}
		if seen[path] {
			continue
		}
		// Only the offset-zero mapping starts with the ELF header.
		var offset uint64
		for _, c := range fields[2] {
			offset = offset<<4 | uint64(hexDigit(byte(c)))
		}
		if offset != 0 {
			continue
		}
		dash := strings.IndexByte(fields[0], '-')
		if dash < 0 {
			continue
		}
		var base uint64
		for _, c := range fields[0][:dash] {
			base = base<<4 | uint64(hexDigit(byte(c)))
		}
		seen[path] = true
		objects = append(objects, mapObject{base: base, path: path})
	}
	return objects
}

func hexDigit(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	}
	return 0
}

// readSectionInfo walks the program headers of the ELF image mapped at
// base, the way dl_iterate_phdr reports them: one executable PT_LOAD is
// the text segment, PT_GNU_EH_FRAME locates the .eh_frame_hdr, and the
// end of the highest PT_LOAD bounds the .eh_frame scan.
func readSectionInfo(base uint64) (SectionInfo, bool) {
	var section SectionInfo
	if !addressIsReadable(base) || !addressIsReadable(base+63) {
		return section, false
	}
	if load[uint32](base) != elfMagic {
		return section, false
	}
	etype := load[uint16](base + 16)
	phoff := load[uint64](base + 32)
	phentsize := uint64(load[uint16](base + 54))
	phnum := int(load[uint16](base + 56))

	// Position-independent objects record segment addresses relative to
	// their load bias; fixed-position executables record them absolute.
	bias := base
	if etype == elfTypeExec {
		bias = 0
	}
	section.Base = bias

	foundText := false
	foundUnwind := false
	for i := 0; i < phnum; i++ {
		phAddr := base + phoff + uint64(i)*phentsize
		if !addressIsReadable(phAddr) || !addressIsReadable(phAddr+uint64(phentsize)-1) {
			return section, false
		}
		ph := (*elf64Phdr)(unsafe.Pointer(uintptr(phAddr)))
		switch ph.Type {
		case ptLoad:
			if ph.Flags&pfX != 0 {
				section.Text = bias + ph.Vaddr
				section.TextLen = ph.Memsz
				foundText = true
			}
			if maxAddr := bias + ph.Vaddr + ph.Filesz; maxAddr > section.MaxAddr {
				section.MaxAddr = maxAddr
			}
		case ptGnuEhFrame:
			section.EhFrameHdr = bias + ph.Vaddr
			section.EhFrameHdrLen = ph.Memsz
			foundUnwind = true
		}
	}
	return section, foundText && foundUnwind
}
