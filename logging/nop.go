// Copyright 2018 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !dbusproxydebuglog

// Package logging provides fine-grained, opt-in tracing for the proxy core.
// It uses a build tag to provide nop functions by default, and actual
// logging functions when built with `-tags dbusproxydebuglog`.
package logging

import "io"

// SetOutput sets the output stream for logging.
func SetOutput(output io.Writer) {}

// SetFlags sets flags to control logging output.
func SetFlags(flags int) {}

// Log logs a formatted message.
func Log(format string, args ...interface{}) {}

// Fine logs a formatted message if fine logging is enabled for the calling
// module. Enable fine logging using the commandline flag,
// `--finelog=$module1,$module2`. [Requires debug logging].
func Fine(format string, args ...interface{}) {}

// ID returns a unique name for the given value of the form 'type'#'index'
// for addressable types.
func ID(thing interface{}) string { return "" }
