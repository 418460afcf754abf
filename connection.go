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

// Package dbusproxy implements the client-side proxy core of a D-Bus
// library: it lets application code invoke methods on, read/write
// properties of, and subscribe to signals from a remote interface on a
// remote object hosted by a remote bus peer.
//
// The proxy core is deliberately narrow: it consumes a Connection
// capability (see Connection) and a Message envelope, and does not itself
// implement wire marshalling, transport, authentication, or name-value
// types. Two Connection implementations ship alongside it: GodbusConnection
// (production, backed by github.com/godbus/dbus/v5) and TestBus (an
// in-memory double for deterministic tests).
package dbusproxy // import "github.com/i3barista/dbusproxy"

import (
	"context"
	"sync/atomic"
)

// MessageType mirrors the four D-Bus wire message types relevant to this
// package.
type MessageType int

const (
	// TypeMethodCall is an outbound or inbound method invocation.
	TypeMethodCall MessageType = iota
	// TypeMethodReturn is a successful reply to a method call.
	TypeMethodReturn
	// TypeError is a failed reply to a method call.
	TypeError
	// TypeSignal is a broadcast signal emission.
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// Message is this package's envelope for one inbound or outbound D-Bus
// message. It carries only the header fields the proxy core inspects;
// marshalling of the body is left to the caller and to the Connection
// implementation.
type Message struct {
	Type        MessageType
	Serial      uint32
	ReplySerial uint32 // valid for TypeMethodReturn / TypeError

	Sender      string // unique name of the message's originator
	Destination string
	Path        string
	Interface   string
	Member      string
	ErrorName   string // valid for TypeError

	// NoReply marks an outbound TypeMethodCall as not expecting a reply: the
	// connection hands it off and returns immediately, without waiting for
	// or delivering any response, and should set the wire-level "no reply
	// expected" flag so the peer itself skips sending one.
	NoReply bool

	Body []interface{}
}

// HandlerID identifies a previously registered signal or property-change
// callback, returned from ConnectSignal / ConnectPropertyChanged /
// AddSignalHandler and consumed by the matching Disconnect/Remove call.
type HandlerID uint64

var nextHandlerID uint64

func newHandlerID() HandlerID {
	return HandlerID(atomic.AddUint64(&nextHandlerID, 1))
}

// SignalHandlerFunc is invoked by a Connection's own dispatcher for every
// inbound signal, regardless of which proxy (if any) is interested in it;
// the connection does not filter on the caller's behalf.
type SignalHandlerFunc func(*Message)

// Connection is the capability this package's proxy core consumes. It is
// deliberately narrower than a full D-Bus client: no marshalling, no
// transport, no authentication.
//
// Implementations must be safe for concurrent use, since a Proxy, its
// SignalStreams, and its PropertyStreams share one Connection.
type Connection interface {
	// CallMethod sends a METHOD_CALL and blocks for the matching reply
	// (request/reply), honoring ctx cancellation.
	CallMethod(ctx context.Context, destination, path, iface, member string, body ...interface{}) (*Message, error)

	// SendMessage hands msg to the connection for delivery without waiting
	// for a reply, returning the serial it was sent with. Any reply is
	// delivered asynchronously through the channel returned by Subscribe.
	SendMessage(msg *Message) (serial uint32, err error)

	// AddMatch and RemoveMatch install and remove a bus-side match rule.
	// They are no-ops (succeeding trivially) on a non-bus connection.
	AddMatch(ctx context.Context, expr string) error
	RemoveMatch(ctx context.Context, expr string) error

	// QueueRemoveMatch best-effort removes a match rule without blocking;
	// usable from a destructor/Close path where no context is available.
	QueueRemoveMatch(expr string)

	// AddSignalHandler registers fn to be invoked by the connection's own
	// dispatch loop for every inbound TypeSignal message.
	AddSignalHandler(fn SignalHandlerFunc) HandlerID
	// RemoveSignalHandler unregisters a handler installed with
	// AddSignalHandler.
	RemoveSignalHandler(id HandlerID)
	// QueueRemoveSignalHandler best-effort removes a handler without
	// blocking.
	QueueRemoveSignalHandler(id HandlerID)

	// Subscribe returns a channel receiving a copy of every inbound message
	// (method returns, errors, and signals) and a cancel func that stops
	// delivery and may close the channel. Multiple concurrent subscribers
	// each get their own independent copy of the stream.
	Subscribe() (ch <-chan *Message, cancel func())

	// IsBus reports whether this connection is to a message bus (as
	// opposed to a direct peer-to-peer connection), which gates whether
	// match rules and name-owner tracking are meaningful.
	IsBus() bool

	// UniqueName returns this connection's own bus-assigned unique name,
	// if connected to a bus.
	UniqueName() (string, bool)
}
