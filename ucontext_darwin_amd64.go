// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build darwin && amd64

package unwind

import "unsafe"

// ucontextDarwin mirrors struct __darwin_ucontext; uc_mcontext is a
// pointer into the signal frame.
type ucontextDarwin struct {
	onstack  int32
	sigmask  uint32
	stackSp  uint64
	stackLen uint64
	stackFlg uint64
	link     uint64
	mcsize   uint64
	mcontext uint64
}

// mcontextDarwinAMD64 mirrors struct __darwin_mcontext64: the exception
// state followed by x86_thread_state64.
type mcontextDarwinAMD64 struct {
	trapno     uint16
	cpu        uint16
	err        uint32
	faultvaddr uint64
	rax        uint64
	rbx        uint64
	rcx        uint64
	rdx        uint64
	rdi        uint64
	rsi        uint64
	rbp        uint64
	rsp        uint64
	r8         uint64
	r9         uint64
	r10        uint64
	r11        uint64
	r12        uint64
	r13        uint64
	r14        uint64
	r15        uint64
	rip        uint64
	rflags     uint64
	cs         uint64
	fs         uint64
	gs         uint64
}

// RegistersFromUcontext decodes the kernel-supplied ucontext bit pattern
// into the DWARF register numbering. It returns false on a nil input or a
// nil mcontext.
func RegistersFromUcontext(ucontext unsafe.Pointer) (Registers, bool) {
	var registers Registers
	if ucontext == nil {
		return registers, false
	}
	uc := (*ucontextDarwin)(ucontext)
	if uc.mcontext == 0 {
		return registers, false
	}
	ss := (*mcontextDarwinAMD64)(unsafe.Pointer(uintptr(uc.mcontext)))
	registers.SetReg(regAMD64RAX, ss.rax)
	registers.SetReg(regAMD64RBX, ss.rbx)
	registers.SetReg(regAMD64RCX, ss.rcx)
	registers.SetReg(regAMD64RDX, ss.rdx)
	registers.SetReg(regAMD64RDI, ss.rdi)
	registers.SetReg(regAMD64RSI, ss.rsi)
	registers.SetReg(regAMD64RBP, ss.rbp)
	registers.SetReg(regAMD64RSP, ss.rsp)
	registers.SetReg(regAMD64R8, ss.r8)
	registers.SetReg(regAMD64R9, ss.r9)
	registers.SetReg(regAMD64R10, ss.r10)
	registers.SetReg(regAMD64R11, ss.r11)
	registers.SetReg(regAMD64R12, ss.r12)
	registers.SetReg(regAMD64R13, ss.r13)
	registers.SetReg(regAMD64R14, ss.r14)
	registers.SetReg(regAMD64R15, ss.r15)
	registers.SetReg(regAMD64RIP, ss.rip)
	return registers, true
}
