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

//go:build dbusproxydebuglog

package logging

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// syncBuffer is a minimal thread-safe io.Writer, standing in for the single
// assertion this package's tests need from a mock stdout.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) readNow() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := s.buf.String()
	s.buf.Reset()
	return val
}

var mockStderr *syncBuffer

func resetLoggingState() {
	mu.Lock()
	objectIDs = map[ident]string{}
	instances = map[string]int{}
	fineLogModules = []string{}
	mu.Unlock()

	fineLogModulesCache.Range(func(k, v interface{}) bool {
		fineLogModulesCache.Delete(k)
		return true
	})

	construct()
	mockStderr = &syncBuffer{}
	SetFlags(0) // To make test output as deterministic as possible.
	SetOutput(mockStderr)
}

func assertLogged(t *testing.T, format string, args ...interface{}) {
	require.Equal(t, fmt.Sprintf(format, args...)+"\n", mockStderr.readNow())
}

func TestShorten(t *testing.T) {
	shortenTests := []struct {
		fullpath string
		expected string
	}{
		{modulePkg + ".Run", "dbusproxy:Run"},
		{modulePkg + "/cache.(*PropertyCache).Set",
			"cache.PropertyCache.Set"},
		{modulePkg + "/logging.TestShorten", "logging.TestShorten"},
		{"github.com/golang/go/pkg.Type.Method",
			"github.com/golang/go/pkg.Type.Method"},
		{"builtin.Type.Method", "builtin.Type.Method"},
	}

	for _, tc := range shortenTests {
		require.Equal(t, tc.expected, shorten(tc.fullpath),
			"shorten(%s)", tc.fullpath)
	}
}

func TestLog(t *testing.T) {
	resetLoggingState()
	Log("something: %s", "foo")
	assertLogged(t, "something: foo")
}

func TestFine(t *testing.T) {
	originalArgs := os.Args
	defer func() { os.Args = originalArgs }()
	arg0 := os.Args[0]

	os.Args = []string{arg0}
	resetLoggingState()
	Fine("foo")
	require.Empty(t, mockStderr.readNow())

	os.Args = []string{arg0, "-finelog=cache,"}
	resetLoggingState()
	Fine("foo")
	assertLogged(t, "foo")

	os.Args = []string{arg0, "--finelog=logging.TestLog"}
	resetLoggingState()
	Fine("foo")
	require.Empty(t, mockStderr.readNow())

	os.Args = []string{arg0, "--finelog=logging."}
	resetLoggingState()
	Fine("foo")
	assertLogged(t, "foo")

	os.Args = []string{arg0, "--finelog=notifier.Test,logging.TestFine"}
	resetLoggingState()
	Fine("foo")
	assertLogged(t, "foo")
}

func TestFileLocations(t *testing.T) {
	resetLoggingState()
	SetFlags(log.Lshortfile)
	Log("foo")
	_, _, line, _ := runtime.Caller(0)
	assertLogged(t, fmt.Sprintf("logging_test.go:%d (logging.TestFileLocations) foo", line-1))
}
