// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	unwind "github.com/saferwall/unwind"
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Trace the current call stack and symbolize the frames",
	Run: func(cmd *cobra.Command, args []string) {
		runTrace()
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)
}

func runTrace() {
	unwind.Init()
	var pcs []uint64
	_, err := unwind.Trace(func(registers *unwind.Registers) bool {
		pcs = append(pcs, registers.Pc())
		return true
	})
	if err != nil {
		log.Warnf("trace stopped early: %v", err)
	}
	for _, pc := range pcs {
		fmt.Printf("%#x:\n", pc)
		if name := symbolize(pc); name != "" {
			fmt.Printf("    %s\n", name)
		}
	}
}
