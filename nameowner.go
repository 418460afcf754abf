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
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	l "github.com/i3barista/dbusproxy/logging"
)

// nameOwnerTracker tracks the current unique owner of one well-known bus
// name on behalf of a Proxy's property cache: when the owner changes (the
// service restarted, or handed the name to a different process), cached
// property values no longer describe the new owner and must be dropped.
//
// A Proxy installs its tracker at Build time, and only when property
// caching was requested for a well-known destination; signal interest does
// not install it (each SignalStream installs and follows its own
// NameOwnerChanged match rule). ensureInstalled still tolerates being
// entered concurrently.
type nameOwnerTracker struct {
	conn        Connection
	destination string

	won  uint32 // atomic: 1 once some caller's install has won
	ready chan struct{}

	mu            sync.Mutex
	rule          string
	ch            <-chan *Message
	cancel        func()
	owner         string
	resolved      bool
	pendingSerial uint32
	listeners     []func(owner string, resolved bool)
	closed        bool
}

func newNameOwnerTracker(conn Connection, destination string) *nameOwnerTracker {
	return &nameOwnerTracker{
		conn:        conn,
		destination: destination,
		ready:       make(chan struct{}),
	}
}

// ensureInstalled installs this tracker's NameOwnerChanged match rule and
// starts its dispatch loop, exactly once, even when multiple goroutines
// invoke it concurrently.
//
// sync.Once can't gate this: the race is between the callers' AddMatch
// calls themselves, not just between two cheap checks, so by the time
// either caller knows whether it "won", its AddMatch has already gone over
// the wire. Instead, both may install; whichever caller's atomic
// compare-and-swap lands first claims the installation, and the loser
// learns it lost only afterward and must QueueRemoveMatch its own
// redundant rule to avoid leaking it bus-side.
func (t *nameOwnerTracker) ensureInstalled(ctx context.Context) error {
	if atomic.LoadUint32(&t.won) == 1 {
		return nil
	}

	rule := nameOwnerMatchRule(t.destination)
	if err := t.conn.AddMatch(ctx, rule); err != nil {
		return fmt.Errorf("%w: add match for name owner: %v", ErrTransport, err)
	}

	if !atomic.CompareAndSwapUint32(&t.won, 0, 1) {
		l.Fine("%s: lost name-owner install race for %s, removing duplicate", l.ID(t), t.destination)
		t.conn.QueueRemoveMatch(rule)
		<-t.ready
		return nil
	}

	ch, cancel := t.conn.Subscribe()
	t.mu.Lock()
	t.rule = rule
	t.ch = ch
	t.cancel = cancel
	t.mu.Unlock()
	close(t.ready)

	// The dispatch loop starts only once pendingSerial is recorded, so it
	// cannot consume the GetNameOwner reply before knowing to look for it;
	// anything arriving meanwhile waits in the subscribed channel.
	serial, err := t.conn.SendMessage(&Message{
		Type:        TypeMethodCall,
		Destination: busDaemonName,
		Path:        busDaemonPath,
		Interface:   busDaemonIface,
		Member:      "GetNameOwner",
		Body:        []interface{}{t.destination},
	})
	if err != nil {
		l.Fine("%s: GetNameOwner(%s) send failed: %v", l.ID(t), t.destination, err)
	} else {
		t.mu.Lock()
		t.pendingSerial = serial
		t.mu.Unlock()
	}
	go t.dispatchLoop()
	return nil
}

// dispatchLoop consumes the shared broadcast channel, resolving the
// GetNameOwner reply and observing subsequent NameOwnerChanged signals for
// this destination, and notifies registered listeners of every change.
func (t *nameOwnerTracker) dispatchLoop() {
	for msg := range t.ch {
		owner, resolved, changed := t.apply(msg)
		if changed {
			t.notify(owner, resolved)
		}
	}
}

func (t *nameOwnerTracker) apply(msg *Message) (owner string, resolved bool, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pendingSerial != 0 && (msg.Type == TypeMethodReturn || msg.Type == TypeError) && msg.ReplySerial == t.pendingSerial {
		t.pendingSerial = 0
		was, wasResolved := t.owner, t.resolved
		if msg.Type == TypeMethodReturn && len(msg.Body) == 1 {
			if o, ok := msg.Body[0].(string); ok {
				t.owner = o
			}
		} else {
			t.owner = ""
		}
		t.resolved = true
		return t.owner, true, wasResolved && t.owner != was
	}

	if msg.Type == TypeSignal && msg.Interface == busDaemonIface && msg.Member == nameOwnerChanged && len(msg.Body) == 3 {
		if name, ok := msg.Body[0].(string); ok && name == t.destination {
			newOwner, _ := msg.Body[2].(string)
			was := t.owner
			t.owner = newOwner
			t.resolved = true
			return t.owner, true, t.owner != was
		}
	}
	return t.owner, t.resolved, false
}

// OnChange registers fn to be called whenever the tracked owner changes.
// The initial resolution from the GetNameOwner reply is not reported, since
// it is the owner the proxy was already talking to. It is not retroactive:
// fn only sees changes from the moment it is registered onward.
func (t *nameOwnerTracker) OnChange(fn func(owner string, resolved bool)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *nameOwnerTracker) notify(owner string, resolved bool) {
	t.mu.Lock()
	fns := append([]func(string, bool){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(owner, resolved)
	}
}

// Owner returns the currently known unique owner of the tracked
// destination, and whether it has been resolved yet at all.
func (t *nameOwnerTracker) Owner() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner, t.resolved
}

// Close tears down the tracker's subscription and match rule. Safe to call
// more than once, and safe to call even if ensureInstalled was never
// called (or never won its race).
func (t *nameOwnerTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cancel := t.cancel
	rule := t.rule
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if rule != "" {
		t.conn.QueueRemoveMatch(rule)
	}
}
