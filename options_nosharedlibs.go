// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build !tracesharedlibs

package unwind

const defaultTraceSharedLibs = false
