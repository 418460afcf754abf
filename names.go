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

package dbusproxy

import (
	"fmt"
	"strings"
)

// This package treats well-known names, unique names, object paths, and
// interface names as plain strings: callers pass them as such, and this
// package only validates their syntax at construction time, surfacing
// ErrTypeConversion on failure. It does not define its own name value
// types.

// validateBusName reports whether name is a syntactically valid D-Bus bus
// name, either unique (":1.42") or well-known ("org.example.Foo").
func validateBusName(name string) error {
	if name == "" || len(name) > 255 {
		return fmt.Errorf("%w: bus name %q: bad length", ErrTypeConversion, name)
	}
	rest := name
	if strings.HasPrefix(name, ":") {
		rest = name[1:]
	}
	segs := strings.Split(rest, ".")
	if len(segs) < 2 {
		return fmt.Errorf("%w: bus name %q: needs at least two segments", ErrTypeConversion, name)
	}
	unique := strings.HasPrefix(name, ":")
	for _, seg := range segs {
		if !validNameSegment(seg, unique) {
			return fmt.Errorf("%w: bus name %q: invalid segment %q", ErrTypeConversion, name, seg)
		}
	}
	return nil
}

// validNameSegment checks one dot-separated component of a bus or interface
// name. Unique-name segments may additionally start with a digit.
func validNameSegment(seg string, allowLeadingDigit bool) bool {
	if seg == "" {
		return false
	}
	for i, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '-':
			continue
		case r >= '0' && r <= '9':
			if i == 0 && !allowLeadingDigit {
				return false
			}
			continue
		default:
			return false
		}
	}
	return true
}

// validateInterfaceName reports whether iface is a syntactically valid
// D-Bus interface name ("org.example.Foo").
func validateInterfaceName(iface string) error {
	if iface == "" || len(iface) > 255 {
		return fmt.Errorf("%w: interface name %q: bad length", ErrTypeConversion, iface)
	}
	segs := strings.Split(iface, ".")
	if len(segs) < 2 {
		return fmt.Errorf("%w: interface name %q: needs at least two segments", ErrTypeConversion, iface)
	}
	for _, seg := range segs {
		if !validNameSegment(seg, false) {
			return fmt.Errorf("%w: interface name %q: invalid segment %q", ErrTypeConversion, iface, seg)
		}
	}
	return nil
}

// validateMemberName reports whether member is a syntactically valid D-Bus
// member (method, signal, or property) name.
func validateMemberName(member string) error {
	if member == "" || len(member) > 255 {
		return fmt.Errorf("%w: member name %q: bad length", ErrTypeConversion, member)
	}
	if !validNameSegment(member, false) {
		return fmt.Errorf("%w: member name %q: invalid characters", ErrTypeConversion, member)
	}
	return nil
}

// validateObjectPath reports whether path is a syntactically valid D-Bus
// object path ("/a/b/c", or "/").
func validateObjectPath(path string) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("%w: object path %q: must start with '/'", ErrTypeConversion, path)
	}
	if path == "/" {
		return nil
	}
	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: object path %q: trailing '/'", ErrTypeConversion, path)
	}
	for _, seg := range strings.Split(path[1:], "/") {
		if seg == "" {
			return fmt.Errorf("%w: object path %q: empty segment", ErrTypeConversion, path)
		}
		for _, r := range seg {
			ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_'
			if !ok {
				return fmt.Errorf("%w: object path %q: invalid character %q", ErrTypeConversion, path, r)
			}
		}
	}
	return nil
}

// isUniqueName reports whether name is a unique connection name (":1.42")
// as opposed to a well-known name ("org.example.Foo").
func isUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}
