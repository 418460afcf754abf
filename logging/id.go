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

//go:build dbusproxydebuglog

package logging

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// ident stores a type+address combination that uniquely identifies an object.
// In go, the address (uintptr) of the first element of a struct is the same
// as that of the struct itself, so the address alone is not sufficient, it
// must be accompanied with type information.
type ident struct {
	typeName string
	address  uintptr
}

func (i ident) zero() bool {
	return i.address == 0 || i.typeName == ""
}

func (i ident) String() string {
	typeStr := i.typeName
	if typeStr == "" {
		typeStr = "?"
	}
	if i.address == 0 {
		return fmt.Sprintf("%s@?", typeStr)
	}
	return fmt.Sprintf("%s@%x", typeStr, i.address)
}

// typeName returns the shortened name of a type.
func typeName(typ reflect.Type) string {
	if typ == nil {
		return "nil"
	}
	name := typ.Name()
	if typ.PkgPath() != "" {
		path := shorten(typ.PkgPath())
		if strings.HasSuffix(path, name) {
			name = path
		} else {
			name = fmt.Sprintf("%s.%s", path, name)
		}
	}
	if name != "" {
		return name
	}
	switch typ.Kind() {
	case reflect.Chan:
		elemType := typeName(typ.Elem())
		if elemType == "{}" {
			return "chan"
		}
		return fmt.Sprintf("chan %s", elemType)
	case reflect.Slice, reflect.Array:
		return fmt.Sprintf("[]%s", typeName(typ.Elem()))
	case reflect.Map:
		return fmt.Sprintf("[%s]%s", typeName(typ.Key()), typeName(typ.Elem()))
	case reflect.Struct:
		name = typ.String()
		name = strings.Replace(name, "struct ", "", -1)
		name = strings.Replace(name, "{ ", "{", -1)
		name = strings.Replace(name, " }", "}", -1)
		return name
	}
	return typ.String()
}

// identify returns an ident for the given object, indirecting pointers and
// interfaces so the ident names the concrete backing type.
func identify(thing interface{}) (id ident) {
	var refVal reflect.Value
	if r, ok := thing.(reflect.Value); ok {
		refVal = r
	} else {
		refVal = reflect.ValueOf(thing)
	}
	if !refVal.IsValid() {
		id.typeName = "nil"
		return id
	}
	var interfaceAddr uintptr
	for refVal.Type().Kind() == reflect.Ptr || refVal.Type().Kind() == reflect.Interface {
		if refVal.Type().Kind() == reflect.Interface && refVal.CanAddr() {
			interfaceAddr = refVal.UnsafeAddr()
		}
		refVal = refVal.Elem()
	}
	switch refVal.Type().Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Slice:
		id.address = refVal.Pointer()
	}
	if id.address == 0 && refVal.CanAddr() {
		id.address = refVal.UnsafeAddr()
	}
	if id.address == 0 {
		id.address = interfaceAddr
	}
	id.typeName = typeName(refVal.Type())
	return id
}

var (
	// objectIDs stores an ID for each object, based on the first time it's
	// used as a context, so that logs read e.g. propertyCache#1 rather than
	// propertyCache@8375f30.
	objectIDs = map[ident]string{}
	// instances tracks the number of instances of each type seen so far, used
	// to generate IDs for previously unseen objects.
	instances = map[string]int{}
)

var mu sync.Mutex

// getName returns the current name for the given identifier, generating and
// caching one on first use.
func getName(id ident) string {
	if id.zero() {
		return id.String()
	}
	if objectID, ok := objectIDs[id]; ok {
		return objectID
	}
	thisInstance := instances[id.typeName]
	instances[id.typeName] = thisInstance + 1
	objectID := fmt.Sprintf("%s#%d", id.typeName, thisInstance)
	objectIDs[id] = objectID
	return objectID
}

// ID returns a unique name for the given value of the form 'type'#'index'
// for addressable types. This provides log statements with additional
// context and separates logs from multiple instances of the same type, e.g.
// distinguishing which PropertyCache or SignalStream a trace line refers to.
func ID(thing interface{}) string {
	mu.Lock()
	defer mu.Unlock()
	return getName(identify(thing))
}
