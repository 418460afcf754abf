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

import "errors"

// Sentinel error kinds. Wrap one of these with fmt.Errorf("...: %w", ...) so
// callers can still use errors.Is against the kind while getting a useful
// message. Bus-side errors (NameHasNoOwner and friends) are not wrapped:
// they're surfaced from the underlying Connection unchanged, as *dbus.Error
// or equivalent.
var (
	// ErrTransport indicates a socket or bus-side transport failure.
	ErrTransport = errors.New("dbusproxy: transport error")
	// ErrInvalidReply indicates a reply body did not match the expected
	// shape (method return, property value, or introspection result).
	ErrInvalidReply = errors.New("dbusproxy: invalid reply")
	// ErrUnsupported indicates the requested operation needs property
	// caching, which this proxy was built without.
	ErrUnsupported = errors.New("dbusproxy: unsupported without property caching")
	// ErrTypeConversion indicates a bus name, object path, interface name,
	// or member name failed construction-time validation.
	ErrTypeConversion = errors.New("dbusproxy: invalid name")
)
