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

	l "github.com/i3barista/dbusproxy/logging"
)

// Signal is one observed emission, handed back from SignalStream.Next and
// to a ConnectSignal callback.
type Signal struct {
	Path      string
	Interface string
	Member    string
	Body      []interface{}
}

// SignalStream is a lazy, filtered pull-stream of one (path, interface[,
// member]) signal subscription on a destination.
//
// The wire-level match rule can only filter on the *sender's header field*,
// which the bus fills in with the unique name of whoever actually emitted
// the message — never the well-known name a caller asked for. So when
// destination is a well-known name, this type resolves and tracks that
// name's current owner itself, filtering incoming signals against the
// resolved unique owner rather than against destination directly.
type SignalStream struct {
	conn        Connection
	destination string
	path        string
	iface       string
	member      string // "" matches any member on (path, iface): ReceiveAllSignals

	ch     <-chan *Message
	cancel func()

	signalRule string
	ownerRule  string // "" if destination is already a unique name

	mu            sync.Mutex
	ownerResolved bool   // true once the owner is known, even if it's ""
	owner         string // current unique owner of destination; "" if unowned
	pendingSerial uint32 // serial of the in-flight GetNameOwner call, 0 if none
	closed        bool
}

// newSignalStream subscribes to the connection's message broadcast,
// installs the wire-level match rule(s), and — for a well-known
// destination — kicks off an async GetNameOwner call to learn the current
// owner.
func newSignalStream(ctx context.Context, conn Connection, destination, path, iface, member string) (*SignalStream, error) {
	s := &SignalStream{
		conn:        conn,
		destination: destination,
		path:        path,
		iface:       iface,
		member:      member,
		signalRule:  signalMatchRule(destination, path, iface, member),
	}

	ch, cancel := conn.Subscribe()
	s.ch = ch
	s.cancel = cancel

	if err := conn.AddMatch(ctx, s.signalRule); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: add match for signal: %v", ErrTransport, err)
	}

	if isUniqueName(destination) {
		s.ownerResolved = true
		s.owner = destination
		return s, nil
	}

	s.ownerRule = nameOwnerMatchRule(destination)
	if err := conn.AddMatch(ctx, s.ownerRule); err != nil {
		conn.QueueRemoveMatch(s.signalRule)
		cancel()
		return nil, fmt.Errorf("%w: add match for name owner: %v", ErrTransport, err)
	}

	serial, err := conn.SendMessage(&Message{
		Type:        TypeMethodCall,
		Destination: busDaemonName,
		Path:        busDaemonPath,
		Interface:   busDaemonIface,
		Member:      "GetNameOwner",
		Body:        []interface{}{destination},
	})
	if err != nil {
		// A failed send is not fatal: the stream just filters everything
		// until a NameOwnerChanged signal resolves an owner.
		l.Fine("%s: GetNameOwner(%s) send failed: %v", l.ID(s), destination, err)
		return s, nil
	}
	s.pendingSerial = serial
	return s, nil
}

// Next blocks until a signal matching this stream's filter arrives, or
// until ctx is done. It transparently consumes and discards every other
// message on the shared broadcast — GetNameOwner replies, NameOwnerChanged
// updates, and signals belonging to other streams — updating its owner
// tracking state as it goes.
func (s *SignalStream) Next(ctx context.Context) (Signal, error) {
	for {
		select {
		case msg, ok := <-s.ch:
			if !ok {
				return Signal{}, fmt.Errorf("%w: signal stream closed", ErrTransport)
			}
			if sig, matched := s.handle(msg); matched {
				return sig, nil
			}
		case <-ctx.Done():
			return Signal{}, ctx.Err()
		}
	}
}

// handle inspects one broadcast message, updating owner-tracking state and
// reporting whether it is a signal this stream should yield.
func (s *SignalStream) handle(msg *Message) (Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingSerial != 0 && (msg.Type == TypeMethodReturn || msg.Type == TypeError) && msg.ReplySerial == s.pendingSerial {
		s.pendingSerial = 0
		if msg.Type == TypeMethodReturn && len(msg.Body) == 1 {
			if owner, ok := msg.Body[0].(string); ok {
				s.owner = owner
				s.ownerResolved = true
				l.Fine("%s: resolved owner of %s: %s", l.ID(s), s.destination, owner)
			}
		} else {
			// GetNameOwner errors (commonly NameHasNoOwner) mean the name is
			// currently unowned; keep waiting for NameOwnerChanged.
			s.ownerResolved = true
			s.owner = ""
		}
		return Signal{}, false
	}

	if msg.Type != TypeSignal {
		return Signal{}, false
	}

	if msg.Interface == busDaemonIface && msg.Member == nameOwnerChanged && s.ownerRule != "" && len(msg.Body) == 3 {
		if name, ok := msg.Body[0].(string); ok && name == s.destination {
			if newOwner, ok := msg.Body[2].(string); ok {
				s.owner = newOwner
				s.ownerResolved = true
				l.Fine("%s: owner of %s changed to %q", l.ID(s), s.destination, newOwner)
			}
		}
		return Signal{}, false
	}

	if msg.Path != s.path || msg.Interface != s.iface {
		return Signal{}, false
	}
	if s.member != "" && msg.Member != s.member {
		return Signal{}, false
	}
	if !s.ownerResolved || s.owner == "" || msg.Sender != s.owner {
		return Signal{}, false
	}

	return Signal{Path: msg.Path, Interface: msg.Interface, Member: msg.Member, Body: msg.Body}, true
}

// Close tears down the subscription and removes this stream's match
// rule(s). It is safe to call more than once.
func (s *SignalStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.QueueRemoveMatch(s.signalRule)
	if s.ownerRule != "" {
		s.conn.QueueRemoveMatch(s.ownerRule)
	}
}
