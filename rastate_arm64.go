// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build arm64

package unwind

// checkRaSignState rejects return addresses signed with the ARMv8.3
// pointer authentication extension. Authenticating would require the
// autia1716 instruction, which assembles to a NOP on pre-v8.3 cores.
// TODO: authenticate via an inline autia1716 helper instead of failing.
func checkRaSignState(info *prologInfo, returnAddress uint64) error {
	if info.savedRegisters[regRASignState].value&0x1 != 0 && returnAddress != 0 {
		return ErrUnimplementedRaSignState
	}
	return nil
}
