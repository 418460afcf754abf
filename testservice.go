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

import "sync"

// TestService is a mock bus peer registered on a TestBus: it owns one
// unique name, may claim zero or more well-known names, and hosts objects
// at various paths, each with its own methods, properties, and signals.
type TestService struct {
	bus    *TestBus
	unique string

	mu      sync.Mutex
	objects map[string]*TestObject
}

// UniqueName returns this service's bus-assigned unique name.
func (s *TestService) UniqueName() string { return s.unique }

// Object returns the object at path, creating it on first use.
func (s *TestService) Object(path string) *TestObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[path]
	if !ok {
		o = newTestObject(s, path)
		s.objects[path] = o
		s.bus.mu.Lock()
		s.bus.objects[s.unique][path] = o
		s.bus.mu.Unlock()
	}
	return o
}

// AcquireName claims well-known name for this service, emitting
// NameOwnerChanged to notify anyone tracking it.
func (s *TestService) AcquireName(name string) {
	s.bus.mu.Lock()
	old := s.bus.services[name]
	s.bus.services[name] = s.unique
	s.bus.mu.Unlock()
	s.bus.emitNameOwnerChanged(name, old, s.unique)
}

// ReleaseName relinquishes well-known name, if this service currently owns
// it, emitting NameOwnerChanged with an empty new owner.
func (s *TestService) ReleaseName(name string) {
	s.bus.mu.Lock()
	old := s.bus.services[name]
	released := old == s.unique
	if released {
		delete(s.bus.services, name)
	}
	s.bus.mu.Unlock()
	if released {
		s.bus.emitNameOwnerChanged(name, old, "")
	}
}
