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

import "fmt"

const (
	busDaemonName  = "org.freedesktop.DBus"
	busDaemonPath  = "/org/freedesktop/DBus"
	busDaemonIface = "org.freedesktop.DBus"

	propsIface          = "org.freedesktop.DBus.Properties"
	propertiesChanged   = "PropertiesChanged"
	nameOwnerChanged    = "NameOwnerChanged"
	introspectableIface = "org.freedesktop.DBus.Introspectable"
)

// signalMatchRule builds the match expression a SignalStream installs for
// one (destination, path, interface[, member]) filter:
//
//	type='signal',sender='<dest>',path='<path>',interface='<iface>'[,member='<m>']
func signalMatchRule(destination, path, iface, member string) string {
	rule := fmt.Sprintf("type='signal',sender='%s',path='%s',interface='%s'",
		destination, path, iface)
	if member != "" {
		rule += fmt.Sprintf(",member='%s'", member)
	}
	return rule
}

// nameOwnerMatchRule builds the match expression the name-owner tracker
// installs for a well-known destination:
//
//	type='signal',sender='org.freedesktop.DBus',path='/org/freedesktop/DBus',
//	interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='<dest>'
func nameOwnerMatchRule(destination string) string {
	return fmt.Sprintf(
		"type='signal',sender='%s',path='%s',interface='%s',member='%s',arg0='%s'",
		busDaemonName, busDaemonPath, busDaemonIface, nameOwnerChanged, destination)
}
