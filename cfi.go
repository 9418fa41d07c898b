// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

// CommonInformationEntry is the parsed form of a CIE record: the prolog
// shared by a set of FDEs, describing pointer encodings, alignment factors
// and the return-address register.
type CommonInformationEntry struct {
	CieStart                 uint64
	CieLength                uint64
	CieInstructions          uint64
	PointerEncoding          uint8
	LsdaEncoding             uint8
	PersonalityEncoding      uint8
	Personality              uint64
	CodeAlignFactor          uint32
	DataAlignFactor          int32
	IsSignalFrame            bool
	FdesHaveAugmentationData bool
	ReturnAddressRegister    uint8
	AddressesSignedWithBKey  bool
}

// FrameDescriptionEntry is the parsed form of an FDE record: the PC range a
// function covers and the CFI instructions that unwind it.
type FrameDescriptionEntry struct {
	FdeStart        uint64
	FdeLength       uint64
	FdeInstructions uint64
	PcStart         uint64
	PcEnd           uint64
	Lsda            uint64
}

// Contains returns true when the target address is covered by this FDE.
func (f *FrameDescriptionEntry) Contains(target uint64) bool {
	return f.PcStart <= target && target < f.PcEnd
}

// decodeCIE parses the CIE record at start.
func decodeCIE(start uint64) (CommonInformationEntry, error) {
	var cie CommonInformationEntry
	loc := start
	cie.CieStart = start
	cie.LsdaEncoding = dwEhPeOmit

	// Length, with the 64-bit escape: 0xffffffff means the real length is
	// in the next 8 bytes.
	length32, err := loadWithProtect[uint32](loc)
	if err != nil {
		return cie, err
	}
	loc += 4
	length := uint64(length32)
	contentEnd := loc + length
	if length32 == 0xffffffff {
		length, err = loadWithProtect[uint64](loc)
		if err != nil {
			return cie, err
		}
		loc += 8
		contentEnd = loc + length
	}
	if length == 0 {
		return cie, ErrCIEZeroLength
	}

	// CIE ID is always 0.
	cieID, err := loadWithProtect[uint32](loc)
	if err != nil {
		return cie, err
	}
	loc += 4
	if cieID != 0 {
		return cie, ErrCIEIdIsNotZero
	}

	// Version is always 1 or 3.
	version, err := loadWithProtect[uint8](loc)
	if err != nil {
		return cie, err
	}
	loc++
	if version != 1 && version != 3 {
		return cie, ErrCIEInvalidVersion
	}

	// Save the start of the augmentation string and find its end.
	augStart := loc
	for {
		b, err := loadWithProtect[uint8](loc)
		if err != nil {
			return cie, err
		}
		if b == 0 {
			break
		}
		loc++
	}
	loc++ // skip '\0'

	caf, err := decodeUleb128(&loc, contentEnd)
	if err != nil {
		return cie, err
	}
	cie.CodeAlignFactor = uint32(caf)

	daf, err := decodeSleb128(&loc, contentEnd)
	if err != nil {
		return cie, err
	}
	cie.DataAlignFactor = int32(daf)

	if version == 1 {
		r, err := loadWithProtect[uint8](loc)
		if err != nil {
			return cie, err
		}
		loc++
		cie.ReturnAddressRegister = r
	} else {
		r, err := decodeUleb128(&loc, contentEnd)
		if err != nil {
			return cie, err
		}
		if r >= 255 {
			return cie, ErrInvalidReturnAddressRegister
		}
		cie.ReturnAddressRegister = uint8(r)
	}

	// The augmentation string drives which augmentation-data fields follow.
	first, err := loadWithProtect[uint8](augStart)
	if err != nil {
		return cie, err
	}
	if first == 'z' {
		if _, err := decodeUleb128(&loc, contentEnd); err != nil {
			return cie, err
		}
		for n := augStart; ; n++ {
			c, err := loadWithProtect[uint8](n)
			if err != nil {
				return cie, err
			}
			if c == 0 {
				break
			}
			switch c {
			case 'z':
				cie.FdesHaveAugmentationData = true
			case 'P':
				cie.PersonalityEncoding, err = loadWithProtect[uint8](loc)
				if err != nil {
					return cie, err
				}
				loc++
				cie.Personality, err = decodePointer(&loc, contentEnd, cie.PersonalityEncoding, 0)
				if err != nil {
					return cie, err
				}
			case 'L':
				cie.LsdaEncoding, err = loadWithProtect[uint8](loc)
				if err != nil {
					return cie, err
				}
				loc++
			case 'R':
				cie.PointerEncoding, err = loadWithProtect[uint8](loc)
				if err != nil {
					return cie, err
				}
				loc++
			case 'S':
				cie.IsSignalFrame = true
			case 'B':
				cie.AddressesSignedWithBKey = true
			}
		}
	}

	cie.CieLength = contentEnd - cie.CieStart
	cie.CieInstructions = loc
	return cie, nil
}

// decodeFDE parses the FDE record at start together with its owning CIE.
// The CIE-pointer in an FDE is the self-relative offset back to the CIE:
// cieStart = fieldLoc - ciePtr.
func decodeFDE(start uint64) (FrameDescriptionEntry, CommonInformationEntry, error) {
	var fde FrameDescriptionEntry
	var cie CommonInformationEntry
	loc := start
	fde.FdeStart = start

	length32, err := loadWithProtect[uint32](loc)
	if err != nil {
		return fde, cie, err
	}
	loc += 4
	length := uint64(length32)
	if length32 == 0xffffffff {
		length, err = loadWithProtect[uint64](loc)
		if err != nil {
			return fde, cie, err
		}
		loc += 8
	}
	if length == 0 {
		return fde, cie, ErrFDEZeroLength
	}
	nextCfi := loc + length

	ciePtr, err := loadWithProtect[uint32](loc)
	if err != nil {
		return fde, cie, err
	}
	if ciePtr == 0 {
		return fde, cie, ErrFDEIsReallyCIE
	}
	cieStart := loc - uint64(ciePtr)
	cie, err = decodeCIE(cieStart)
	if err != nil {
		return fde, cie, err
	}
	loc += 4

	pcStart, err := decodePointer(&loc, nextCfi, cie.PointerEncoding, 0)
	if err != nil {
		return fde, cie, err
	}
	pcRange, err := decodePointer(&loc, nextCfi, cie.PointerEncoding&0x0F, 0)
	if err != nil {
		return fde, cie, err
	}

	if cie.FdesHaveAugmentationData {
		augLen, err := decodeUleb128(&loc, nextCfi)
		if err != nil {
			return fde, cie, err
		}
		endOfAug := loc + augLen
		if cie.LsdaEncoding != dwEhPeOmit {
			// Peek at the value without indirection; zero means no LSDA.
			lsdaStart := loc
			peek, err := decodePointer(&loc, nextCfi, cie.LsdaEncoding&0x0F, 0)
			if err != nil {
				return fde, cie, err
			}
			if peek != 0 {
				loc = lsdaStart
				fde.Lsda, err = decodePointer(&loc, nextCfi, cie.LsdaEncoding, 0)
				if err != nil {
					return fde, cie, err
				}
			}
		}
		loc = endOfAug
	}

	fde.FdeLength = nextCfi - start
	fde.FdeInstructions = loc
	fde.PcStart = pcStart
	fde.PcEnd = pcStart + pcRange
	return fde, cie, nil
}

// EhFrameHeader is the parsed form of an .eh_frame_hdr section, including
// the sorted binary-search table over FDE initial locations.
type EhFrameHeader struct {
	Start    uint64
	End      uint64
	EhFrame  uint64
	FdeCount int
	Table    uint64
	TableEnc uint8
}

// decodeEhFrameHeader parses the .eh_frame_hdr section covering
// [start, end).
func decodeEhFrameHeader(start, end uint64) (EhFrameHeader, error) {
	var hdr EhFrameHeader
	loc := start

	version, err := loadWithProtect[uint8](loc)
	if err != nil {
		return hdr, err
	}
	if version != 1 {
		return hdr, ErrHeaderInvalidVersion
	}
	ehFramePtrEnc, err := loadWithProtect[uint8](loc + 1)
	if err != nil {
		return hdr, err
	}
	fdeCountEnc, err := loadWithProtect[uint8](loc + 2)
	if err != nil {
		return hdr, err
	}
	tableEnc, err := loadWithProtect[uint8](loc + 3)
	if err != nil {
		return hdr, err
	}
	loc += 4

	ehFrame, err := decodePointer(&loc, end, ehFramePtrEnc, start)
	if err != nil {
		return hdr, err
	}
	var fdeCount uint64
	if fdeCountEnc != dwEhPeOmit {
		fdeCount, err = decodePointer(&loc, end, fdeCountEnc, start)
		if err != nil {
			return hdr, err
		}
	}

	hdr.Start = start
	hdr.End = end
	hdr.EhFrame = ehFrame
	hdr.FdeCount = int(fdeCount)
	hdr.Table = loc
	hdr.TableEnc = tableEnc
	return hdr, nil
}

// tableEntrySize maps the low nibble of the table encoding to the size of
// one (initial_location, fde_address) pair.
func tableEntrySize(tableEnc uint8) (uint64, error) {
	switch tableEnc & 0x0F {
	case dwEhPeUdata2, dwEhPeSdata2:
		return 4, nil
	case dwEhPeUdata4, dwEhPeSdata4:
		return 8, nil
	case dwEhPeUdata8, dwEhPeSdata8:
		return 16, nil
	}
	return 0, ErrInvalidPointerEncodingSize
}

// Search binary-searches the header table for the FDE covering target. The
// table is sorted by initial location; the search finds the largest entry
// at or below target, then range checks the decoded FDE.
func (h *EhFrameHeader) Search(target uint64) (FrameDescriptionEntry, CommonInformationEntry, error) {
	if h.FdeCount == 0 || h.TableEnc == dwEhPeOmit {
		return FrameDescriptionEntry{}, CommonInformationEntry{}, ErrFDENotFound
	}
	entrySize, err := tableEntrySize(h.TableEnc)
	if err != nil {
		return FrameDescriptionEntry{}, CommonInformationEntry{}, err
	}

	low := 0
	length := h.FdeCount
	for length > 1 {
		mid := low + length/2
		entryLoc := h.Table + uint64(mid)*entrySize
		entryTarget, err := decodePointer(&entryLoc, h.End, h.TableEnc, h.Start)
		if err != nil {
			return FrameDescriptionEntry{}, CommonInformationEntry{}, err
		}
		if entryTarget == target {
			low = mid
			break
		} else if entryTarget < target {
			low = mid
			length -= length / 2
		} else {
			length /= 2
		}
	}

	entryLoc := h.Table + uint64(low)*entrySize
	if _, err := decodePointer(&entryLoc, h.End, h.TableEnc, h.Start); err != nil {
		return FrameDescriptionEntry{}, CommonInformationEntry{}, err
	}
	fdeLoc, err := decodePointer(&entryLoc, h.End, h.TableEnc, h.Start)
	if err != nil {
		return FrameDescriptionEntry{}, CommonInformationEntry{}, err
	}
	fde, cie, err := decodeFDE(fdeLoc)
	if err != nil {
		return fde, cie, err
	}
	if !fde.Contains(target) {
		return fde, cie, ErrFDENotFound
	}
	return fde, cie, nil
}

// CfiEntries iterates the records of an .eh_frame section sequentially.
// Iteration ends at the zero-length terminator record or at the end of the
// section, whichever comes first.
type CfiEntries struct {
	ehFrame    uint64
	ehFrameEnd uint64
}

// NewCfiEntries returns an iterator over the .eh_frame section starting at
// ehFrame. Pass ^uint64(0) as ehFrameLen when the section length is
// unknown; the zero terminator then bounds the walk.
func NewCfiEntries(ehFrame, ehFrameLen uint64) CfiEntries {
	end := ehFrame + ehFrameLen
	if ehFrameLen == ^uint64(0) {
		end = ^uint64(0)
	}
	return CfiEntries{ehFrame: ehFrame, ehFrameEnd: end}
}

// Next returns the next record. A CIE-only record returns (nil, cie, nil);
// an FDE returns both. All nil results mean the section is exhausted.
func (e *CfiEntries) Next() (*FrameDescriptionEntry, *CommonInformationEntry, error) {
	loc := e.ehFrame
	if loc >= e.ehFrameEnd {
		return nil, nil, nil
	}

	length32, err := loadWithProtect[uint32](loc)
	if err != nil {
		return nil, nil, err
	}
	loc += 4
	length := uint64(length32)
	if length32 == 0xffffffff {
		length, err = loadWithProtect[uint64](loc)
		if err != nil {
			return nil, nil, err
		}
		loc += 8
	}
	if length == 0 {
		// Zero terminator.
		return nil, nil, nil
	}

	cieID, err := loadWithProtect[uint32](loc)
	if err != nil {
		return nil, nil, err
	}
	if cieID == 0 {
		cie, err := decodeCIE(e.ehFrame)
		if err != nil {
			return nil, nil, err
		}
		e.ehFrame += cie.CieLength
		return nil, &cie, nil
	}
	fde, cie, err := decodeFDE(e.ehFrame)
	if err != nil {
		return nil, nil, err
	}
	e.ehFrame += fde.FdeLength
	return &fde, &cie, nil
}

// scanEhFrame walks an .eh_frame section sequentially looking for the FDE
// covering target. This is the fallback for platforms whose .eh_frame_hdr
// is absent, stripped or incomplete.
func scanEhFrame(ehFrame, ehFrameLen, target uint64) (FrameDescriptionEntry, CommonInformationEntry, error) {
	entries := NewCfiEntries(ehFrame, ehFrameLen)
	for {
		fde, cie, err := entries.Next()
		if err != nil {
			return FrameDescriptionEntry{}, CommonInformationEntry{}, err
		}
		if fde == nil && cie == nil {
			return FrameDescriptionEntry{}, CommonInformationEntry{}, ErrFDENotFound
		}
		if fde != nil && fde.Contains(target) {
			return *fde, *cie, nil
		}
	}
}
