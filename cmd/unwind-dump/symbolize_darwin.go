// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build darwin

package main

// symbolize is a stub on macOS; atos or any Mach-O symbolizer resolves the
// printed addresses offline.
func symbolize(pc uint64) string {
	return ""
}
