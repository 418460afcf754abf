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

	"github.com/godbus/dbus/v5"

	l "github.com/i3barista/dbusproxy/logging"
)

// GodbusConnection is the production Connection, backed by
// github.com/godbus/dbus/v5. Its connect sequence (Private + Auth + Hello)
// returns an error rather than panicking on failure.
type GodbusConnection struct {
	conn *dbus.Conn

	serials uint32 // atomic, synthesizes this package's own Message.Serial

	mu          sync.Mutex
	subscribers map[uint64]chan *Message
	nextSub     uint64
	handlers    map[HandlerID]SignalHandlerFunc
}

// SessionGodbus connects to the caller's session bus.
func SessionGodbus() (*GodbusConnection, error) {
	return connectGodbus(dbus.SessionBusPrivate())
}

// SystemGodbus connects to the system bus.
func SystemGodbus() (*GodbusConnection, error) {
	return connectGodbus(dbus.SystemBusPrivate())
}

func connectGodbus(conn *dbus.Conn, err error) (*GodbusConnection, error) {
	if err == nil {
		err = conn.Auth(nil)
	}
	if err == nil {
		err = conn.Hello()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrTransport, err)
	}
	g := &GodbusConnection{
		conn:        conn,
		subscribers: map[uint64]chan *Message{},
		handlers:    map[HandlerID]SignalHandlerFunc{},
	}
	sigCh := make(chan *dbus.Signal, 16)
	conn.Signal(sigCh)
	go g.dispatchSignals(sigCh)
	return g, nil
}

func (g *GodbusConnection) nextSerial() uint32 {
	return atomic.AddUint32(&g.serials, 1)
}

// dispatchSignals converts every inbound dbus.Signal into this package's
// Message and fans it out to registered handlers and broadcast
// subscribers, for as long as the underlying connection delivers signals.
func (g *GodbusConnection) dispatchSignals(sigCh chan *dbus.Signal) {
	for sig := range sigCh {
		msg := &Message{
			Type:      TypeSignal,
			Sender:    sig.Sender,
			Path:      string(sig.Path),
			Interface: ifaceOf(sig.Name),
			Member:    memberOf(sig.Name),
			Body:      sig.Body,
		}
		g.deliver(msg)
	}
}

func (g *GodbusConnection) deliver(msg *Message) {
	g.mu.Lock()
	handlers := make([]SignalHandlerFunc, 0, len(g.handlers))
	if msg.Type == TypeSignal {
		for _, fn := range g.handlers {
			handlers = append(handlers, fn)
		}
	}
	subs := make([]chan *Message, 0, len(g.subscribers))
	for _, ch := range g.subscribers {
		subs = append(subs, ch)
	}
	g.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			l.Fine("%s: subscriber channel full, dropping %s", l.ID(g), msg.Type)
		}
	}
}

func ifaceOf(full string) string {
	i := lastDot(full)
	if i < 0 {
		return ""
	}
	return full[:i]
}

func memberOf(full string) string {
	i := lastDot(full)
	if i < 0 {
		return full
	}
	return full[i+1:]
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// CallMethod implements Connection.
func (g *GodbusConnection) CallMethod(ctx context.Context, destination, path, iface, member string, body ...interface{}) (*Message, error) {
	obj := g.conn.Object(destination, dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, iface+"."+member, 0, body...)
	if call.Err != nil {
		return nil, call.Err
	}
	return &Message{
		Type:        TypeMethodReturn,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Body:        call.Body,
	}, nil
}

// SendMessage implements Connection. godbus does not expose the wire
// serial of an asynchronous call, and this package's Message.Serial only
// needs to be unique within this process, not to match the real D-Bus wire
// serial — so SendMessage mints its own synthetic serial and correlates
// the eventual reply to it itself, rather than threading godbus's serial
// through.
//
// When msg.NoReply is set, the call is made with dbus.FlagNoReplyExpected
// so the peer itself skips sending a reply, and SendMessage returns
// without starting a goroutine to wait for one.
func (g *GodbusConnection) SendMessage(msg *Message) (uint32, error) {
	serial := g.nextSerial()
	obj := g.conn.Object(msg.Destination, dbus.ObjectPath(msg.Path))
	if msg.NoReply {
		call := obj.Go(msg.Interface+"."+msg.Member, dbus.FlagNoReplyExpected, nil, msg.Body...)
		if call.Err != nil {
			return serial, call.Err
		}
		return serial, nil
	}
	call := obj.Go(msg.Interface+"."+msg.Member, 0, nil, msg.Body...)
	go func() {
		done := <-call.Done
		if done.Err != nil {
			g.deliver(&Message{
				Type:        TypeError,
				ReplySerial: serial,
				Destination: msg.Destination,
				ErrorName:   errorNameOf(done.Err),
				Body:        []interface{}{done.Err.Error()},
			})
			return
		}
		g.deliver(&Message{
			Type:        TypeMethodReturn,
			ReplySerial: serial,
			Destination: msg.Destination,
			Body:        done.Body,
		})
	}()
	return serial, nil
}

func errorNameOf(err error) string {
	if dbusErr, ok := err.(dbus.Error); ok {
		return dbusErr.Name
	}
	return ""
}

// AddMatch implements Connection.
func (g *GodbusConnection) AddMatch(ctx context.Context, expr string) error {
	call := g.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, expr)
	return call.Err
}

// RemoveMatch implements Connection.
func (g *GodbusConnection) RemoveMatch(ctx context.Context, expr string) error {
	call := g.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.RemoveMatch", 0, expr)
	return call.Err
}

// QueueRemoveMatch implements Connection.
func (g *GodbusConnection) QueueRemoveMatch(expr string) {
	go func() {
		if err := g.RemoveMatch(context.Background(), expr); err != nil {
			l.Fine("%s: queued RemoveMatch(%s) failed: %v", l.ID(g), expr, err)
		}
	}()
}

// AddSignalHandler implements Connection.
func (g *GodbusConnection) AddSignalHandler(fn SignalHandlerFunc) HandlerID {
	id := newHandlerID()
	g.mu.Lock()
	g.handlers[id] = fn
	g.mu.Unlock()
	return id
}

// RemoveSignalHandler implements Connection.
func (g *GodbusConnection) RemoveSignalHandler(id HandlerID) {
	g.mu.Lock()
	delete(g.handlers, id)
	g.mu.Unlock()
}

// QueueRemoveSignalHandler implements Connection.
func (g *GodbusConnection) QueueRemoveSignalHandler(id HandlerID) {
	go g.RemoveSignalHandler(id)
}

// Subscribe implements Connection.
func (g *GodbusConnection) Subscribe() (<-chan *Message, func()) {
	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	ch := make(chan *Message, 64)
	g.subscribers[id] = ch
	g.mu.Unlock()

	cancel := func() {
		g.mu.Lock()
		if _, ok := g.subscribers[id]; ok {
			delete(g.subscribers, id)
			close(ch)
		}
		g.mu.Unlock()
	}
	return ch, cancel
}

// IsBus implements Connection. Both Session and System connections
// established through this package are always bus connections.
func (g *GodbusConnection) IsBus() bool { return true }

// UniqueName implements Connection.
func (g *GodbusConnection) UniqueName() (string, bool) {
	names := g.conn.Names()
	if len(names) == 0 {
		return "", false
	}
	return names[0], true
}

// Close shuts down the underlying connection. Not part of the Connection
// interface (a Proxy never closes the bus connection it was handed), but
// exposed for callers that own the connection's lifetime.
func (g *GodbusConnection) Close() error {
	return g.conn.Close()
}
