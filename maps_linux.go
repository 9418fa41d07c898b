// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build linux

package unwind

import (
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxMapsLen bounds the readable-range cache built from the thread's maps
// file.
const MaxMapsLen = 256

var (
	mapsOnce   sync.Once
	mapsRanges [MaxMapsLen]AddressRange
	mapsCount  int
)

// addressIsReadable reports whether target lies in a readable mapping of
// the process. The mapping cache is built once, outside any signal
// context, and is read-only afterwards; the map layout at first call is
// assumed stable, which holds for profilers that snapshot immediately.
func addressIsReadable(target uint64) bool {
	mapsOnce.Do(initMaps)
	for i := 0; i < mapsCount; i++ {
		if mapsRanges[i].Contains(target) {
			return true
		}
	}
	return false
}

func initMaps() {
	path := "/proc/self/task/" + strconv.Itoa(unix.Gettid()) + "/maps"
	data, err := os.ReadFile(path)
	if err != nil {
		data, err = os.ReadFile("/proc/self/maps")
		if err != nil {
			opts.Logger.Warnf("unwind: reading maps failed: %v", err)
			return
		}
	}
	mapsCount = parseMapsRanges(data, mapsRanges[:])
}

// parseMapsRanges extracts the readable [start, end) ranges out of the
// text of a maps file. A truncated final line is parsed as far as it goes.
func parseMapsRanges(data []byte, out []AddressRange) int {
	count := 0
	pos := 0
	for pos < len(data) && count < len(out) {
		start, ok := parseHex(data, &pos)
		if !ok || pos >= len(data) || data[pos] != '-' {
			pos = skipLine(data, pos)
			continue
		}
		pos++
		end, ok := parseHex(data, &pos)
		if !ok || pos >= len(data) || data[pos] != ' ' {
			pos = skipLine(data, pos)
			continue
		}
		pos++
		// The permission column is "rwxp"; only the read bit matters.
		if pos < len(data) && data[pos] == 'r' {
			out[count] = AddressRange{Start: start, End: end}
			count++
		}
		pos = skipLine(data, pos)
	}
	return count
}

func parseHex(data []byte, pos *int) (uint64, bool) {
	var v uint64
	digits := 0
	for *pos < len(data) {
		c := data[*pos]
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint64(c-'0')
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint64(c-'a'+10)
		default:
			return v, digits > 0
		}
		digits++
		*pos++
	}
	return v, digits > 0
}

func skipLine(data []byte, pos int) int {
	for pos < len(data) && data[pos] != '\n' {
		pos++
	}
	return pos + 1
}
