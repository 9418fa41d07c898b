// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build linux

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	unwind "github.com/saferwall/unwind"
)

var sectionsCmd = &cobra.Command{
	Use:   "sections",
	Short: "Dump the module index built for this process",
	Run: func(cmd *cobra.Command, args []string) {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TEXT\tLEN\tEH_FRAME_HDR\tLEN\tMAX_ADDR")
		for _, s := range unwind.Sections() {
			fmt.Fprintf(w, "%#x\t%#x\t%#x\t%#x\t%#x\n",
				s.Text, s.TextLen, s.EhFrameHdr, s.EhFrameHdrLen, s.MaxAddr)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(sectionsCmd)
}
