// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import (
	"github.com/sirupsen/logrus"
)

// Options for tracing.
type Options struct {

	// Include non-main shared objects in the module index, by default
	// (false) only the main executable is traced. The tracesharedlibs
	// build tag flips the default.
	TraceSharedLibs bool

	// A custom logger. Diagnostics are emitted only while the module
	// index and memory-probe caches initialize, never on the unwind hot
	// path.
	Logger *logrus.Logger
}

var opts = defaultOptions()

func defaultOptions() *Options {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return &Options{
		TraceSharedLibs: defaultTraceSharedLibs,
		Logger:          logger,
	}
}

// Configure replaces the package options. It must be called before Init,
// the first cursor or the first trace; the caches built from the options
// are process-lifetime.
func Configure(o *Options) {
	if o == nil {
		return
	}
	if o.Logger == nil {
		o.Logger = defaultOptions().Logger
	}
	opts = o
}
