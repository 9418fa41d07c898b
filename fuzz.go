// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import "unsafe"

// Fuzz feeds arbitrary bytes to the .eh_frame record parser. Addresses
// come straight out of attacker-controlled data here, so every decode path
// must fail cleanly through the memory probe rather than fault.
func Fuzz(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	start := uint64(uintptr(unsafe.Pointer(&data[0])))
	entries := NewCfiEntries(start, uint64(len(data)))
	parsed := 0
	for {
		fde, cie, err := entries.Next()
		if err != nil {
			break
		}
		if fde == nil && cie == nil {
			break
		}
		parsed++
		if parsed > 1024 {
			break
		}
	}
	if parsed > 0 {
		return 1
	}
	return 0
}
