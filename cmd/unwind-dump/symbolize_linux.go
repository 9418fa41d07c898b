// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build linux

package main

import (
	"debug/elf"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	unwind "github.com/saferwall/unwind"
)

var (
	symOnce  sync.Once
	symTable []elf.Symbol
	symBias  uint64
	symCache *lru.Cache
)

func initSymbols() {
	symCache, _ = lru.New(1024)
	f, err := elf.Open("/proc/self/exe")
	if err != nil {
		log.Debugf("opening /proc/self/exe failed: %v", err)
		return
	}
	defer f.Close()
	syms, err := f.Symbols()
	if err != nil {
		log.Debugf("reading symbols failed: %v", err)
		return
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })
	symTable = syms
	if f.Type == elf.ET_DYN {
		if sections := unwind.Sections(); len(sections) > 0 {
			symBias = sections[0].Base
		}
	}
}

// symbolize resolves a runtime PC to the enclosing symbol name of the main
// executable, with a small LRU over resolved addresses. PC-to-name
// resolution is outside the unwinder core; this is the example's
// convenience only.
func symbolize(pc uint64) string {
	symOnce.Do(initSymbols)
	if len(symTable) == 0 {
		return ""
	}
	if symCache != nil {
		if name, ok := symCache.Get(pc); ok {
			return name.(string)
		}
	}
	v := pc - symBias
	i := sort.Search(len(symTable), func(i int) bool { return symTable[i].Value > v })
	name := ""
	if i > 0 {
		s := symTable[i-1]
		if s.Size == 0 || v < s.Value+s.Size {
			name = s.Name
		}
	}
	if symCache != nil {
		symCache.Add(pc, name)
	}
	return name
}
