// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build darwin

package unwind

import (
	"sync"

	"golang.org/x/sys/unix"
)

// macOS exposes no maps file, so readability is probed through a
// non-blocking pipe: writing one byte from the target address makes the
// kernel touch the pointer on our behalf, and an EFAULT write tells us the
// address is unmapped.
var (
	accessOnce  sync.Once
	accessPipe  [2]int
	accessValid bool
)

func initAccessPipe() {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			return
		}
	}
	accessPipe = fds
	accessValid = true
}

// addressIsReadable reports whether target is readable, by asking the
// kernel to read one byte from it.
func addressIsReadable(target uint64) bool {
	accessOnce.Do(initAccessPipe)
	if !accessValid {
		return false
	}

	// Drain whatever is already buffered in the pipe.
	var buf [8]byte
	for {
		n, err := unix.Read(accessPipe[0], buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || n >= 0 {
			break
		}
		return false
	}

	// Let the kernel access the address; an invalid pointer fails the
	// write with EFAULT.
	src := unsafeByteSlice(target, 1)
	for {
		n, err := unix.Write(accessPipe[1], src)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return true
		}
		return err == nil && n > 0
	}
}
