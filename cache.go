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
	"sync"

	l "github.com/i3barista/dbusproxy/logging"
)

// PropertyChangeFunc is a callback registered with ConnectPropertyChanged.
// It receives the new value of the property, or ok == false if the
// property was invalidated. A callback may perform further (asynchronous)
// work; the cache runs each registered callback for one PropertiesChanged
// emission concurrently with its siblings, and waits for all of them before
// processing the next emission for the same interface.
type PropertyChangeFunc func(value interface{}, ok bool)

// propertyHandler pairs a registered callback with the HandlerID used to
// remove it later.
type propertyHandler struct {
	id HandlerID
	fn PropertyChangeFunc
}

// propertyEntry holds a last-seen value (absent means unknown or
// invalidated), an ordered list of change callbacks, and a notifier used
// to wake PropertyStreams.
//
// gen is the classic Go broadcast idiom: close it to wake every current
// waiter, then replace it with a fresh channel so future waiters block
// until the *next* change. seq is bumped on every Set/Invalidate and lets
// GetAll-seeding tell whether a PropertiesChanged has raced ahead of it
// (see PropertyCache.SeedIfAbsent).
type propertyEntry struct {
	value    interface{}
	hasValue bool
	seq      uint64
	handlers []propertyHandler
	gen      chan struct{}
}

func newPropertyEntry() *propertyEntry {
	return &propertyEntry{gen: make(chan struct{})}
}

// notify closes the current generation channel, waking every waiter, and
// swaps in a fresh one for the next change.
func (e *propertyEntry) notify() {
	close(e.gen)
	e.gen = make(chan struct{})
}

// PropertyCache maps property name to propertyEntry, guarded by a single
// leaf mutex (not one per entry), because a PropertiesChanged message
// typically touches several properties at once and a single lock keeps
// observers' views consistent across the whole update. Shared (by
// pointer) among every clone of the Proxy it belongs to.
type PropertyCache struct {
	mu      sync.Mutex
	entries map[string]*propertyEntry
	byID    map[HandlerID]string
}

// NewPropertyCache constructs an empty property cache.
func NewPropertyCache() *PropertyCache {
	return &PropertyCache{
		entries: map[string]*propertyEntry{},
		byID:    map[HandlerID]string{},
	}
}

// entryLocked returns the entry for name, creating it if this is the first
// interest expressed in it (registration, stream creation, or an incoming
// change). Caller must hold c.mu.
func (c *PropertyCache) entryLocked(name string) *propertyEntry {
	e, ok := c.entries[name]
	if !ok {
		e = newPropertyEntry()
		c.entries[name] = e
	}
	return e
}

// Get returns the current cached value for name, non-blocking.
func (c *PropertyCache) Get(name string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	return e.value, e.hasValue
}

// GetAll returns a snapshot of every currently cached property.
func (c *PropertyCache) GetAll() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := map[string]interface{}{}
	for name, e := range c.entries {
		if e.hasValue {
			r[name] = e.value
		}
	}
	return r
}

// waitChan returns the channel to wait on for the next change to name, and
// the entry's current value as of this call (so a caller never misses an
// update that happens between reading the value and starting to wait).
func (c *PropertyCache) waitChan(name string) (ch <-chan struct{}, value interface{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(name)
	return e.gen, e.value, e.hasValue
}

// Connect registers fn to be called whenever name changes or is
// invalidated, returning a HandlerID for later removal. Callbacks for one
// property are collected in the order they were registered, but
// RunCallbacks runs them concurrently, so the order in which they run is
// not defined.
func (c *PropertyCache) Connect(name string, fn PropertyChangeFunc) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(name)
	id := newHandlerID()
	e.handlers = append(e.handlers, propertyHandler{id, fn})
	c.byID[id] = name
	return id
}

// Disconnect removes a callback registered with Connect. It is idempotent:
// it returns false if id was already removed or never existed.
func (c *PropertyCache) Disconnect(id HandlerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.byID[id]
	if !ok {
		return false
	}
	delete(c.byID, id)
	e, ok := c.entries[name]
	if !ok {
		return false
	}
	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// pendingCallback is a (callback, argument) pair collected under the cache
// lock and run after it's released.
type pendingCallback struct {
	fn    PropertyChangeFunc
	value interface{}
	ok    bool
}

// Apply applies one PropertiesChanged emission to the cache: changed holds
// new values, invalidated holds property names whose value is no longer
// known. It updates every affected entry under a single lock acquisition,
// then returns the callbacks to invoke — the caller (the proxy's
// PropertiesChanged handler) runs them concurrently and waits for all of
// them before acknowledging the next emission, which is what serializes
// per-interface callback ordering.
func (c *PropertyCache) Apply(changed map[string]interface{}, invalidated []string) []pendingCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pending []pendingCallback
	for _, name := range invalidated {
		e := c.entryLocked(name)
		e.value = nil
		e.hasValue = false
		e.seq++
		e.notify()
		for _, h := range e.handlers {
			pending = append(pending, pendingCallback{h.fn, nil, false})
		}
	}
	for name, value := range changed {
		e := c.entryLocked(name)
		e.value = value
		e.hasValue = true
		e.seq++
		e.notify()
		for _, h := range e.handlers {
			pending = append(pending, pendingCallback{h.fn, value, true})
		}
	}
	return pending
}

// RunCallbacks runs every pending callback concurrently and waits for all
// of them to return. A goroutine per callback plus a WaitGroup still lets
// a callback re-enter proxy operations without deadlocking on the cache
// lock, since it's already been released.
func RunCallbacks(pending []pendingCallback) {
	if len(pending) == 0 {
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(pending))
	for _, p := range pending {
		p := p
		go func() {
			defer wg.Done()
			p.fn(p.value, p.ok)
		}()
	}
	wg.Wait()
}

// SeedIfAbsent applies the result of an initial GetAll call, but only to
// entries that have never been updated since (seq == 0). GetAll is
// applied first (see Builder.Build), and any PropertiesChanged that raced
// ahead of it is never clobbered, because its Apply call already bumped
// the entry's seq past zero.
func (c *PropertyCache) SeedIfAbsent(values map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, value := range values {
		e := c.entryLocked(name)
		if e.seq != 0 {
			l.Fine("%s: skip seeding %s, already updated by a race", l.ID(c), name)
			continue
		}
		e.value = value
		e.hasValue = true
		e.notify()
	}
}
