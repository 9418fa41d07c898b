// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"debug/elf"
	"fmt"
	"os"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	unwind "github.com/saferwall/unwind"
)

var disasm bool

var ehframeCmd = &cobra.Command{
	Use:   "ehframe <binary>",
	Short: "Dump the CIE and FDE records of a binary's .eh_frame section",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := dumpEhFrame(args[0]); err != nil {
			log.Errorf("dumping %s failed: %v", args[0], err)
			os.Exit(1)
		}
	},
}

func init() {
	ehframeCmd.Flags().BoolVar(&disasm, "disasm", false,
		"Disassemble the first instructions of each FDE's function (x86_64 only)")
	rootCmd.AddCommand(ehframeCmd)
}

// dumpEhFrame maps the binary read-only and walks its .eh_frame records
// with the same parser the live unwinder uses; record addresses are
// relative to the mapping.
func dumpEhFrame(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return err
	}
	defer data.Unmap()

	ef, err := elf.NewFile(f)
	if err != nil {
		return err
	}
	sect := ef.Section(".eh_frame")
	if sect == nil {
		return fmt.Errorf("no .eh_frame section in %s", path)
	}
	text := ef.Section(".text")

	base := uint64(uintptr(unsafe.Pointer(&data[0])))
	ehFrame := base + sect.Offset
	entries := unwind.NewCfiEntries(ehFrame, sect.Size)

	cies, fdes := 0, 0
	for {
		fde, cie, err := entries.Next()
		if err != nil {
			return err
		}
		if fde == nil && cie == nil {
			break
		}
		if fde == nil {
			cies++
			fmt.Printf("CIE length=%d caf=%d daf=%d ra=%d enc=%#02x aug-data=%v signal=%v\n",
				cie.CieLength, cie.CodeAlignFactor, cie.DataAlignFactor,
				cie.ReturnAddressRegister, cie.PointerEncoding,
				cie.FdesHaveAugmentationData, cie.IsSignalFrame)
			continue
		}
		fdes++
		// Pointers in the mapped section decode to mapping-relative
		// addresses; shift them back into the binary's address space.
		pcStart := fde.PcStart - ehFrame + sect.Addr
		pcEnd := fde.PcEnd - ehFrame + sect.Addr
		fmt.Printf("FDE pc=%#x..%#x length=%d lsda=%#x\n",
			pcStart, pcEnd, fde.FdeLength, fde.Lsda)

		if disasm && text != nil && ef.Machine == elf.EM_X86_64 &&
			pcStart >= text.Addr && pcStart < text.Addr+text.Size {
			off := text.Offset + (pcStart - text.Addr)
			dumpProlog(data, off, pcEnd-pcStart)
		}
	}
	fmt.Printf("%d CIEs, %d FDEs\n", cies, fdes)
	return nil
}

// dumpProlog prints the first few instructions of a function, enough to
// eyeball the prolog the CFI program describes.
func dumpProlog(data []byte, off, size uint64) {
	if off >= uint64(len(data)) {
		return
	}
	end := off + size
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	code := data[off:end]
	for n := 0; n < 8 && len(code) > 0; n++ {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return
		}
		fmt.Printf("    %s\n", x86asm.GNUSyntax(inst, 0, nil))
		code = code[inst.Len:]
	}
}
