// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import "unsafe"

// AddressRange is a half-open [Start, End) range of virtual addresses.
type AddressRange struct {
	Start uint64
	End   uint64
}

// Contains returns true when the target address is inside the range.
func (r AddressRange) Contains(target uint64) bool {
	return r.Start <= target && target < r.End
}

// load reads a value of type T at the given address. It performs no
// validation at all; the caller guarantees the address is mapped. The
// macOS/aarch64 frame-pointer chase and metadata reads that were already
// range checked go through here.
func load[T any](address uint64) T {
	return *(*T)(unsafe.Pointer(uintptr(address)))
}

// unsafeByteSlice views length bytes of raw memory at address as a slice.
func unsafeByteSlice(address uint64, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(address))), length)
}

// loadWithProtect reads a value of type T at the given address after asking
// the memory probe whether both ends of the read are mapped readable. Every
// load whose address came from unwind metadata or from the stack being
// walked must go through this helper; a corrupted frame then surfaces as
// ErrUnreadableAddress instead of a fault inside the signal handler.
func loadWithProtect[T any](address uint64) (T, error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	if !addressIsReadable(address) || !addressIsReadable(address+size-1) {
		return zero, ErrUnreadableAddress
	}
	return *(*T)(unsafe.Pointer(uintptr(address))), nil
}
