// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build amd64

package unwind

// checkRaSignState is a no-op on x86_64; return addresses are never signed.
func checkRaSignState(info *prologInfo, returnAddress uint64) error {
	return nil
}
