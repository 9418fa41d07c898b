// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	unwind "github.com/saferwall/unwind"
)

var (
	verbose         bool
	traceSharedLibs bool

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "unwind-dump",
	Short: "Inspect unwind metadata and trace the live call stack",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}
		unwind.Configure(&unwind.Options{
			TraceSharedLibs: traceSharedLibs,
			Logger:          log,
		})
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&traceSharedLibs, "trace-shared-libs", false,
		"Include non-main shared objects in the module index")
	flags.SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		// Accept underscored spellings of the flag names.
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
