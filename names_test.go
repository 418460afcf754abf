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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateBusName(t *testing.T) {
	require.NoError(t, validateBusName("org.example.Foo"))
	require.NoError(t, validateBusName(":1.42"))
	require.Error(t, validateBusName(""))
	require.Error(t, validateBusName("justonesegment"))
	require.Error(t, validateBusName("org.example.1Foo"))
	require.Error(t, validateBusName(":1..42"))
}

func TestValidateInterfaceName(t *testing.T) {
	require.NoError(t, validateInterfaceName("org.freedesktop.DBus.Properties"))
	require.Error(t, validateInterfaceName(""))
	require.Error(t, validateInterfaceName("NoDots"))
}

func TestValidateMemberName(t *testing.T) {
	require.NoError(t, validateMemberName("PropertiesChanged"))
	require.Error(t, validateMemberName(""))
	require.Error(t, validateMemberName("has.dot"))
}

func TestValidateObjectPath(t *testing.T) {
	require.NoError(t, validateObjectPath("/"))
	require.NoError(t, validateObjectPath("/org/example/Foo"))
	require.Error(t, validateObjectPath(""))
	require.Error(t, validateObjectPath("no/leading/slash"))
	require.Error(t, validateObjectPath("/trailing/slash/"))
	require.Error(t, validateObjectPath("/bad.segment"))
}

func TestIsUniqueName(t *testing.T) {
	require.True(t, isUniqueName(":1.42"))
	require.False(t, isUniqueName("org.example.Foo"))
}
