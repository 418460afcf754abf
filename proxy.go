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

// proxyCore is the state shared by a Proxy and every Proxy returned from
// its Clone: the (destination, path, interface) triple is immutable, and
// the property cache and name-owner tracker, when present, are shared by
// pointer rather than duplicated. refCount tracks how many live Proxy
// handles point at this core, so the tracker is only torn down once the
// last one closes.
type proxyCore struct {
	conn        Connection
	destination string
	path        string
	iface       string

	cache   *PropertyCache
	tracker *nameOwnerTracker

	refCount int32 // atomic

	mu             sync.Mutex
	signalHandlers map[HandlerID]func()
}

// Proxy is a client-side handle onto one interface of one object on one
// destination, reachable through a Connection. It is this package's
// central type.
type Proxy struct {
	core   *proxyCore
	closed uint32 // atomic
}

// Builder constructs a Proxy, optionally activating its property cache
// before the first call completes.
type Builder struct {
	conn            Connection
	destination     string
	path            string
	iface           string
	cacheProperties bool
}

// NewBuilder starts building a Proxy for one (destination, path, interface)
// triple over conn.
func NewBuilder(conn Connection, destination, path, iface string) *Builder {
	return &Builder{conn: conn, destination: destination, path: path, iface: iface}
}

// WithPropertyCache requests that the built Proxy eagerly seed and
// maintain a property cache for its interface.
func (b *Builder) WithPropertyCache() *Builder {
	b.cacheProperties = true
	return b
}

// Build validates the builder's names, installs the cache and name-owner
// tracker if requested, and returns the ready Proxy.
//
// Build installs the name-owner tracker and PropertiesChanged match rule
// *before* calling GetAll, so nothing emitted between them is lost, and
// GetAll's results are only seeded into entries no race has already
// updated (see PropertyCache.SeedIfAbsent).
func (b *Builder) Build(ctx context.Context) (*Proxy, error) {
	if err := validateBusName(b.destination); err != nil {
		return nil, err
	}
	if err := validateObjectPath(b.path); err != nil {
		return nil, err
	}
	if err := validateInterfaceName(b.iface); err != nil {
		return nil, err
	}

	core := &proxyCore{
		conn:           b.conn,
		destination:    b.destination,
		path:           b.path,
		iface:          b.iface,
		refCount:       1,
		signalHandlers: map[HandlerID]func(){},
	}

	if b.cacheProperties {
		core.cache = NewPropertyCache()
		if !isUniqueName(b.destination) {
			core.tracker = newNameOwnerTracker(b.conn, b.destination)
			if err := core.tracker.ensureInstalled(ctx); err != nil {
				return nil, err
			}
			core.tracker.OnChange(func(owner string, resolved bool) {
				l.Fine("%s: owner changed, invalidating cache", l.ID(core))
				invalidateAll(core.cache)
			})
		}

		rule := signalMatchRule(b.destination, b.path, propsIface, propertiesChanged)
		if err := b.conn.AddMatch(ctx, rule); err != nil {
			return nil, fmt.Errorf("%w: add match for PropertiesChanged: %v", ErrTransport, err)
		}
		ch, cancel := b.conn.Subscribe()
		go watchPropertiesChanged(ch, b.path, b.iface, core.cache)
		core.signalHandlers[newHandlerID()] = func() {
			cancel()
			b.conn.QueueRemoveMatch(rule)
		}

		values, err := getAllProperties(ctx, b.conn, b.destination, b.path, b.iface)
		if err != nil {
			return nil, err
		}
		core.cache.SeedIfAbsent(values)
	}

	return &Proxy{core: core}, nil
}

// invalidateAll drops every cached property without emitting a value,
// called when the owner of the proxy's destination changes: whatever
// process now holds the name does not necessarily agree with the old
// owner's last-known property values.
func invalidateAll(cache *PropertyCache) {
	names := make([]string, 0)
	for name := range cache.GetAll() {
		names = append(names, name)
	}
	RunCallbacks(cache.Apply(nil, names))
}

// watchPropertiesChanged is the dispatch loop installed by Build when
// property caching is requested: it filters the shared broadcast down to
// PropertiesChanged emissions for this proxy's (path, interface), applies
// them to the cache, and runs the resulting callbacks.
func watchPropertiesChanged(ch <-chan *Message, path, iface string, cache *PropertyCache) {
	for msg := range ch {
		if msg.Type != TypeSignal || msg.Path != path || msg.Interface != propsIface || msg.Member != propertiesChanged {
			continue
		}
		if len(msg.Body) != 3 {
			continue
		}
		changedIface, _ := msg.Body[0].(string)
		if changedIface != iface {
			continue
		}
		changed, _ := msg.Body[1].(map[string]interface{})
		invalidated, _ := msg.Body[2].([]string)
		RunCallbacks(cache.Apply(changed, invalidated))
	}
}

// getAllProperties calls org.freedesktop.DBus.Properties.GetAll for iface.
func getAllProperties(ctx context.Context, conn Connection, destination, path, iface string) (map[string]interface{}, error) {
	reply, err := conn.CallMethod(ctx, destination, path, propsIface, "GetAll", iface)
	if err != nil {
		return nil, err
	}
	if len(reply.Body) != 1 {
		return nil, fmt.Errorf("%w: GetAll reply had %d values, want 1", ErrInvalidReply, len(reply.Body))
	}
	values, ok := reply.Body[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: GetAll reply body was %T, want map[string]interface{}", ErrInvalidReply, reply.Body[0])
	}
	return values, nil
}

// Destination returns the bus name this proxy targets.
func (p *Proxy) Destination() string { return p.core.destination }

// Path returns the object path this proxy targets.
func (p *Proxy) Path() string { return p.core.path }

// Interface returns the interface this proxy targets.
func (p *Proxy) Interface() string { return p.core.iface }

// Clone returns a new Proxy handle sharing this one's connection, cache,
// and name-owner tracker. The clone must be independently closed; the
// underlying resources are only torn down once every handle (the original
// and every clone) has been closed.
func (p *Proxy) Clone() *Proxy {
	atomic.AddInt32(&p.core.refCount, 1)
	return &Proxy{core: p.core}
}

// Close releases this handle. It is idempotent: calling it more than once
// on the same handle is a no-op. Once every handle sharing this proxy's
// core has been closed, its name-owner tracker and PropertiesChanged
// subscription are torn down.
func (p *Proxy) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}
	if atomic.AddInt32(&p.core.refCount, -1) > 0 {
		return nil
	}
	if p.core.tracker != nil {
		p.core.tracker.Close()
	}
	p.core.mu.Lock()
	handlers := p.core.signalHandlers
	p.core.signalHandlers = map[HandlerID]func(){}
	p.core.mu.Unlock()
	for _, cancel := range handlers {
		cancel()
	}
	return nil
}

// CallMethod invokes member on this proxy's interface, blocking for the
// reply.
func (p *Proxy) CallMethod(ctx context.Context, member string, args ...interface{}) (*Message, error) {
	if err := validateMemberName(member); err != nil {
		return nil, err
	}
	return p.core.conn.CallMethod(ctx, p.core.destination, p.core.path, p.core.iface, member, args...)
}

// CallNoReply sends member without waiting for (or expecting) a reply. It
// sets the message's no-reply flag so the connection can tell the peer
// not to bother sending one.
func (p *Proxy) CallNoReply(member string, args ...interface{}) error {
	if err := validateMemberName(member); err != nil {
		return err
	}
	_, err := p.core.conn.SendMessage(&Message{
		Type:        TypeMethodCall,
		Destination: p.core.destination,
		Path:        p.core.path,
		Interface:   p.core.iface,
		Member:      member,
		Body:        args,
		NoReply:     true,
	})
	return err
}

// Call invokes member and converts its single return value to T. Go
// methods cannot carry their own type parameters, so this is a free
// function taking the proxy explicitly.
func Call[T any](ctx context.Context, p *Proxy, member string, args ...interface{}) (T, error) {
	var zero T
	reply, err := p.CallMethod(ctx, member, args...)
	if err != nil {
		return zero, err
	}
	if len(reply.Body) != 1 {
		return zero, fmt.Errorf("%w: %s reply had %d values, want 1", ErrInvalidReply, member, len(reply.Body))
	}
	v, ok := reply.Body[0].(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s reply was %T, want %T", ErrInvalidReply, member, reply.Body[0], zero)
	}
	return v, nil
}

// GetProperty returns the cached value of name if this proxy's cache is
// active and already holds one; otherwise it fetches the value via
// org.freedesktop.DBus.Properties.Get and, if caching is active, seeds the
// cache with the result before returning it.
func (p *Proxy) GetProperty(ctx context.Context, name string) (interface{}, error) {
	if p.core.cache != nil {
		if value, ok := p.core.cache.Get(name); ok {
			return value, nil
		}
	}
	reply, err := p.core.conn.CallMethod(ctx, p.core.destination, p.core.path, propsIface, "Get", p.core.iface, name)
	if err != nil {
		return nil, err
	}
	if len(reply.Body) != 1 {
		return nil, fmt.Errorf("%w: Get reply had %d values, want 1", ErrInvalidReply, len(reply.Body))
	}
	value := reply.Body[0]
	if p.core.cache != nil {
		RunCallbacks(p.core.cache.Apply(map[string]interface{}{name: value}, nil))
	}
	return value, nil
}

// SetProperty writes name via org.freedesktop.DBus.Properties.Set.
func (p *Proxy) SetProperty(ctx context.Context, name string, value interface{}) error {
	_, err := p.core.conn.CallMethod(ctx, p.core.destination, p.core.path, propsIface, "Set", p.core.iface, name, value)
	return err
}

// CachedProperty returns the cached value of name, or ErrUnsupported if
// this proxy was built without property caching.
func (p *Proxy) CachedProperty(name string) (interface{}, bool, error) {
	if p.core.cache == nil {
		return nil, false, ErrUnsupported
	}
	value, ok := p.core.cache.Get(name)
	return value, ok, nil
}

// ConnectPropertyChanged registers fn to run whenever name changes in the
// cache, or ErrUnsupported if this proxy was built without property
// caching.
func (p *Proxy) ConnectPropertyChanged(name string, fn PropertyChangeFunc) (HandlerID, error) {
	if p.core.cache == nil {
		return 0, ErrUnsupported
	}
	return p.core.cache.Connect(name, fn), nil
}

// DisconnectPropertyChanged removes a callback registered with
// ConnectPropertyChanged. Idempotent.
func (p *Proxy) DisconnectPropertyChanged(id HandlerID) bool {
	if p.core.cache == nil {
		return false
	}
	return p.core.cache.Disconnect(id)
}

// ReceivePropertyStream returns a pull-based view of name, or
// ErrUnsupported if this proxy was built without property caching.
func (p *Proxy) ReceivePropertyStream(name string) (*PropertyStream, error) {
	if p.core.cache == nil {
		return nil, ErrUnsupported
	}
	return newPropertyStream(p.core.cache, name), nil
}

// ReceiveSignal returns a pull-based stream of member emissions on this
// proxy's (path, interface).
func (p *Proxy) ReceiveSignal(ctx context.Context, member string) (*SignalStream, error) {
	if err := validateMemberName(member); err != nil {
		return nil, err
	}
	return newSignalStream(ctx, p.core.conn, p.core.destination, p.core.path, p.core.iface, member)
}

// ReceiveAllSignals returns a pull-based stream of every signal emitted on
// this proxy's (path, interface), regardless of member.
func (p *Proxy) ReceiveAllSignals(ctx context.Context) (*SignalStream, error) {
	return newSignalStream(ctx, p.core.conn, p.core.destination, p.core.path, p.core.iface, "")
}

// ConnectSignal registers fn to be called with every member emission on
// this proxy's (path, interface), returning a HandlerID for
// DisconnectSignal. It runs a SignalStream internally in a background
// goroutine.
func (p *Proxy) ConnectSignal(ctx context.Context, member string, fn func(Signal)) (HandlerID, error) {
	stream, err := p.ReceiveSignal(ctx, member)
	if err != nil {
		return 0, err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	id := newHandlerID()

	p.core.mu.Lock()
	p.core.signalHandlers[id] = func() {
		cancel()
		stream.Close()
	}
	p.core.mu.Unlock()

	go func() {
		for {
			sig, err := stream.Next(loopCtx)
			if err != nil {
				return
			}
			fn(sig)
		}
	}()
	return id, nil
}

// DisconnectSignal removes a callback registered with ConnectSignal.
// Idempotent.
func (p *Proxy) DisconnectSignal(id HandlerID) bool {
	p.core.mu.Lock()
	cancel, ok := p.core.signalHandlers[id]
	if ok {
		delete(p.core.signalHandlers, id)
	}
	p.core.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Introspect calls org.freedesktop.DBus.Introspectable.Introspect on this
// proxy's object and returns the raw introspection XML.
func (p *Proxy) Introspect(ctx context.Context) (string, error) {
	reply, err := p.core.conn.CallMethod(ctx, p.core.destination, p.core.path, introspectableIface, "Introspect")
	if err != nil {
		return "", err
	}
	if len(reply.Body) != 1 {
		return "", fmt.Errorf("%w: Introspect reply had %d values, want 1", ErrInvalidReply, len(reply.Body))
	}
	xml, ok := reply.Body[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: Introspect reply was %T, want string", ErrInvalidReply, reply.Body[0])
	}
	return xml, nil
}
