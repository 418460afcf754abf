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
	"sync"
)

// methodHandler is a mock implementation of one interface member.
type methodHandler func(args ...interface{}) ([]interface{}, error)

// TestObject is a mock D-Bus object hosted by a TestService: a bag of
// per-interface method handlers and a per-interface property table, the
// latter auto-serving org.freedesktop.DBus.Properties when no explicit
// handler is registered for it.
type TestObject struct {
	svc  *TestService
	path string

	mu      sync.Mutex
	methods map[string]methodHandler // keyed by "iface.member"
	props   map[string]map[string]interface{}
}

func newTestObject(svc *TestService, path string) *TestObject {
	return &TestObject{
		svc: svc, path: path,
		methods: map[string]methodHandler{},
		props:   map[string]map[string]interface{}{},
	}
}

// On registers fn to handle calls to iface.member.
func (o *TestObject) On(iface, member string, fn methodHandler) {
	o.mu.Lock()
	o.methods[iface+"."+member] = fn
	o.mu.Unlock()
}

// SetProperty sets iface's name property to value in the object's property
// table and emits PropertiesChanged.
func (o *TestObject) SetProperty(iface, name string, value interface{}) {
	o.mu.Lock()
	if o.props[iface] == nil {
		o.props[iface] = map[string]interface{}{}
	}
	o.props[iface][name] = value
	o.mu.Unlock()
	o.emitPropertiesChanged(iface, map[string]interface{}{name: value}, nil)
}

// InvalidateProperty removes name from iface's property table and emits
// PropertiesChanged with it listed as invalidated, rather than carrying a
// new value.
func (o *TestObject) InvalidateProperty(iface, name string) {
	o.mu.Lock()
	if o.props[iface] != nil {
		delete(o.props[iface], name)
	}
	o.mu.Unlock()
	o.emitPropertiesChanged(iface, nil, []string{name})
}

func (o *TestObject) emitPropertiesChanged(iface string, changed map[string]interface{}, invalidated []string) {
	if changed == nil {
		changed = map[string]interface{}{}
	}
	if invalidated == nil {
		invalidated = []string{}
	}
	o.EmitSignal(propsIface, propertiesChanged, iface, changed, invalidated)
}

// EmitSignal broadcasts a signal as if emitted by this object.
func (o *TestObject) EmitSignal(iface, member string, args ...interface{}) {
	o.svc.bus.broadcast(&Message{
		Type: TypeSignal, Sender: o.svc.unique, Path: o.path,
		Interface: iface, Member: member, Body: args,
	})
}

// call dispatches one method invocation against this object: an explicit
// handler registered with On takes priority; absent that,
// org.freedesktop.DBus.Properties and Introspectable.Introspect are served
// automatically from the object's property table.
func (o *TestObject) call(iface, member string, args []interface{}) ([]interface{}, error) {
	o.mu.Lock()
	fn, ok := o.methods[iface+"."+member]
	o.mu.Unlock()
	if ok {
		return fn(args...)
	}
	switch {
	case iface == propsIface:
		return o.callProperties(member, args)
	case iface == introspectableIface && member == "Introspect":
		return []interface{}{"<node/>"}, nil
	}
	return nil, fmt.Errorf("%w: no handler for %s.%s", ErrInvalidReply, iface, member)
}

func (o *TestObject) callProperties(member string, args []interface{}) ([]interface{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch member {
	case "Get":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: Properties.Get wants 2 args", ErrInvalidReply)
		}
		iface, _ := args[0].(string)
		name, _ := args[1].(string)
		v, ok := o.props[iface][name]
		if !ok {
			return nil, fmt.Errorf("%w: no such property %s.%s", ErrInvalidReply, iface, name)
		}
		return []interface{}{v}, nil
	case "Set":
		if len(args) != 3 {
			return nil, fmt.Errorf("%w: Properties.Set wants 3 args", ErrInvalidReply)
		}
		iface, _ := args[0].(string)
		name, _ := args[1].(string)
		if o.props[iface] == nil {
			o.props[iface] = map[string]interface{}{}
		}
		o.props[iface][name] = args[2]
		return nil, nil
	case "GetAll":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: Properties.GetAll wants 1 arg", ErrInvalidReply)
		}
		iface, _ := args[0].(string)
		values := map[string]interface{}{}
		for k, v := range o.props[iface] {
			values[k] = v
		}
		return []interface{}{values}, nil
	}
	return nil, fmt.Errorf("%w: no handler for %s.%s", ErrInvalidReply, propsIface, member)
}
