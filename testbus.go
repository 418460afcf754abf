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
)

// TestBus is an in-memory double of a D-Bus message bus, for tests of code
// built on this package without a real system or session bus available.
//
// TestBus does not itself filter signals against installed match rules:
// match-rule filtering in this package's design happens above the
// Connection boundary, in SignalStream and nameOwnerTracker, so the test
// double only needs to broadcast every signal to every connection and let
// that filtering logic do its job exactly as it would against
// GodbusConnection. AddMatch/RemoveMatch calls are still counted, so
// tests can assert match-rule install/remove parity.
type TestBus struct {
	mu       sync.Mutex
	nextID   int
	services map[string]string            // well-known name -> owning unique name
	objects  map[string]map[string]*TestObject // unique name -> path -> object
	conns    map[*TestConnection]bool
}

// NewTestBus constructs an empty test bus.
func NewTestBus() *TestBus {
	return &TestBus{
		services: map[string]string{},
		objects:  map[string]map[string]*TestObject{},
		conns:    map[*TestConnection]bool{},
	}
}

func (b *TestBus) mintUniqueName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf(":1.%d", b.nextID)
	b.nextID++
	return id
}

// RegisterService creates a new TestService with a freshly minted unique
// name, optionally claiming one or more well-known names for it
// immediately, and emitting NameOwnerChanged for each.
func (b *TestBus) RegisterService(names ...string) *TestService {
	unique := b.mintUniqueName()
	svc := &TestService{bus: b, unique: unique, objects: map[string]*TestObject{}}
	b.mu.Lock()
	b.objects[unique] = map[string]*TestObject{}
	b.mu.Unlock()
	for _, n := range names {
		svc.AcquireName(n)
	}
	return svc
}

// Connect returns a new client connection to the test bus, implementing
// this package's Connection interface.
func (b *TestBus) Connect() *TestConnection {
	unique := b.mintUniqueName()
	c := &TestConnection{
		bus:         b,
		unique:      unique,
		subscribers: map[uint64]chan *Message{},
		handlers:    map[HandlerID]SignalHandlerFunc{},
		matchCounts: map[string]int{},
	}
	b.mu.Lock()
	b.conns[c] = true
	b.mu.Unlock()
	return c
}

func (b *TestBus) resolve(destination string) string {
	if isUniqueName(destination) {
		return destination
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.services[destination]
}

func (b *TestBus) lookupObject(owner, path string) *TestObject {
	b.mu.Lock()
	defer b.mu.Unlock()
	objs := b.objects[owner]
	if objs == nil {
		return nil
	}
	return objs[path]
}

func (b *TestBus) emitNameOwnerChanged(name, oldOwner, newOwner string) {
	b.broadcast(&Message{
		Type:      TypeSignal,
		Sender:    busDaemonName,
		Path:      busDaemonPath,
		Interface: busDaemonIface,
		Member:    nameOwnerChanged,
		Body:      []interface{}{name, oldOwner, newOwner},
	})
}

func (b *TestBus) broadcast(msg *Message) {
	b.mu.Lock()
	conns := make([]*TestConnection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.deliver(msg)
	}
}

// TestConnection is the Connection implementation backing one client's
// view of a TestBus.
type TestConnection struct {
	bus    *TestBus
	unique string

	serials uint32 // atomic

	mu          sync.Mutex
	subscribers map[uint64]chan *Message
	nextSub     uint64
	handlers    map[HandlerID]SignalHandlerFunc
	matchCounts map[string]int
	closed      bool
}

func (c *TestConnection) deliver(msg *Message) {
	c.mu.Lock()
	var handlers []SignalHandlerFunc
	if msg.Type == TypeSignal {
		for _, fn := range c.handlers {
			handlers = append(handlers, fn)
		}
	}
	subs := make([]chan *Message, 0, len(c.subscribers))
	for _, ch := range c.subscribers {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// CallMethod implements Connection.
func (c *TestConnection) CallMethod(ctx context.Context, destination, path, iface, member string, body ...interface{}) (*Message, error) {
	if destination == busDaemonName && iface == busDaemonIface && member == "GetNameOwner" && len(body) == 1 {
		name, _ := body[0].(string)
		owner := c.bus.resolve(name)
		if owner == "" {
			return nil, fmt.Errorf("%w: name %s has no owner", ErrInvalidReply, name)
		}
		return &Message{
			Type: TypeMethodReturn, Destination: destination, Path: path,
			Interface: iface, Member: member, Body: []interface{}{owner},
		}, nil
	}
	owner := c.bus.resolve(destination)
	if owner == "" {
		return nil, fmt.Errorf("%w: no owner for %s", ErrInvalidReply, destination)
	}
	obj := c.bus.lookupObject(owner, path)
	if obj == nil {
		return nil, fmt.Errorf("%w: no object %s at %s", ErrInvalidReply, path, destination)
	}
	result, err := obj.call(iface, member, body)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type: TypeMethodReturn, Destination: destination, Path: path,
		Interface: iface, Member: member, Body: result,
	}, nil
}

// SendMessage implements Connection, delivering the reply through the
// shared broadcast before it returns, so the reply is ordered ahead of
// anything broadcast afterwards, as a bus daemon answering in order would.
// When msg.NoReply is set, the call is still made but no reply is
// delivered, matching a real peer honoring the "no reply expected" flag.
func (c *TestConnection) SendMessage(msg *Message) (uint32, error) {
	serial := atomic.AddUint32(&c.serials, 1)
	if msg.NoReply {
		go func() {
			_, _ = c.CallMethod(context.Background(), msg.Destination, msg.Path, msg.Interface, msg.Member, msg.Body...)
		}()
		return serial, nil
	}
	reply, err := c.CallMethod(context.Background(), msg.Destination, msg.Path, msg.Interface, msg.Member, msg.Body...)
	if err != nil {
		c.deliver(&Message{Type: TypeError, ReplySerial: serial, Body: []interface{}{err.Error()}})
		return serial, nil
	}
	reply.Type = TypeMethodReturn
	reply.ReplySerial = serial
	c.deliver(reply)
	return serial, nil
}

// AddMatch implements Connection.
func (c *TestConnection) AddMatch(ctx context.Context, expr string) error {
	c.mu.Lock()
	c.matchCounts[expr]++
	c.mu.Unlock()
	return nil
}

// RemoveMatch implements Connection.
func (c *TestConnection) RemoveMatch(ctx context.Context, expr string) error {
	c.mu.Lock()
	c.matchCounts[expr]--
	c.mu.Unlock()
	return nil
}

// QueueRemoveMatch implements Connection.
func (c *TestConnection) QueueRemoveMatch(expr string) {
	_ = c.RemoveMatch(context.Background(), expr)
}

// MatchCount returns the net number of times expr is currently installed,
// for tests asserting match-rule install/remove parity.
func (c *TestConnection) MatchCount(expr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matchCounts[expr]
}

// AddSignalHandler implements Connection.
func (c *TestConnection) AddSignalHandler(fn SignalHandlerFunc) HandlerID {
	id := newHandlerID()
	c.mu.Lock()
	c.handlers[id] = fn
	c.mu.Unlock()
	return id
}

// RemoveSignalHandler implements Connection.
func (c *TestConnection) RemoveSignalHandler(id HandlerID) {
	c.mu.Lock()
	delete(c.handlers, id)
	c.mu.Unlock()
}

// QueueRemoveSignalHandler implements Connection.
func (c *TestConnection) QueueRemoveSignalHandler(id HandlerID) {
	c.RemoveSignalHandler(id)
}

// Subscribe implements Connection.
func (c *TestConnection) Subscribe() (<-chan *Message, func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan *Message, 64)
	c.subscribers[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// IsBus implements Connection.
func (c *TestConnection) IsBus() bool { return true }

// UniqueName implements Connection.
func (c *TestConnection) UniqueName() (string, bool) { return c.unique, true }

// Close disconnects from the test bus. Idempotent.
func (c *TestConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.bus.mu.Lock()
	delete(c.bus.conns, c)
	c.bus.mu.Unlock()
	return nil
}
