// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	unwind "github.com/saferwall/unwind"
)

// profileConfig is the YAML-settable shape of the demo profiler.
type profileConfig struct {
	DurationSeconds int `yaml:"duration_seconds"`
	Hz              int `yaml:"hz"`
	WorkloadSize    int `yaml:"workload_size"`
}

var profileConfigPath string

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Run a sort workload, sampling its own stack at a fixed rate",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := profileConfig{DurationSeconds: 5, Hz: 99, WorkloadSize: 100000}
		if profileConfigPath != "" {
			data, err := os.ReadFile(profileConfigPath)
			if err != nil {
				log.Errorf("reading config failed: %v", err)
				os.Exit(1)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				log.Errorf("parsing config failed: %v", err)
				os.Exit(1)
			}
		}
		runProfile(cfg)
	},
}

func init() {
	profileCmd.Flags().StringVarP(&profileConfigPath, "config", "c", "",
		"YAML config file (duration_seconds, hz, workload_size)")
	rootCmd.AddCommand(profileCmd)
}

// runProfile sorts random slices for the configured duration, tracing its
// own stack between iterations at roughly the configured rate and
// histogramming the sampled leaf frames.
func runProfile(cfg profileConfig) {
	unwind.Init()

	interval := time.Second / time.Duration(cfg.Hz)
	deadline := time.Now().Add(time.Duration(cfg.DurationSeconds) * time.Second)
	nextSample := time.Now()

	samples := 0
	frames := map[uint64]int{}

	for time.Now().Before(deadline) {
		workload(cfg.WorkloadSize)
		if time.Now().Before(nextSample) {
			continue
		}
		nextSample = nextSample.Add(interval)
		samples++
		first := true
		unwind.Trace(func(registers *unwind.Registers) bool {
			if first {
				frames[registers.Pc()]++
				first = false
			}
			return true
		})
	}

	fmt.Printf("%d samples, %d distinct leaf frames\n", samples, len(frames))
	for pc, count := range frames {
		fmt.Printf("%#x  %d  %s\n", pc, count, symbolize(pc))
	}
}

func workload(n int) {
	v := make([]int, 0, n)
	for i := 0; i < n; i++ {
		v = append(v, rand.Int())
	}
	sort.Ints(v)
}
