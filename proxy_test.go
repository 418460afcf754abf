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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testName = "org.i3barista.services.Foo"
	testPath = "/org/i3barista/objects/Foo"
	testIface = "org.i3barista.Service"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition never became true", msg)
}

func TestCallMethod(t *testing.T) {
	bus := NewTestBus()
	srv := bus.RegisterService(testName)
	obj := srv.Object(testPath)
	obj.On(testIface, "Greet", func(args ...interface{}) ([]interface{}, error) {
		return []interface{}{"hello " + args[0].(string)}, nil
	})

	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	reply, err := p.CallMethod(context.Background(), "Greet", "world")
	require.NoError(t, err)
	require.Equal(t, []interface{}{"hello world"}, reply.Body)

	got, err := Call[string](context.Background(), p, "Greet", "there")
	require.NoError(t, err)
	require.Equal(t, "hello there", got)
}

func TestGetSetProperty(t *testing.T) {
	bus := NewTestBus()
	srv := bus.RegisterService(testName)
	obj := srv.Object(testPath)
	obj.SetProperty(testIface, "Brightness", 5)

	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	v, err := p.GetProperty(context.Background(), "Brightness")
	require.NoError(t, err)
	require.Equal(t, 5, v)

	require.NoError(t, p.SetProperty(context.Background(), "Brightness", 9))
	v, err = p.GetProperty(context.Background(), "Brightness")
	require.NoError(t, err)
	require.Equal(t, 9, v)
}

func TestCachedPropertySeeding(t *testing.T) {
	bus := NewTestBus()
	srv := bus.RegisterService(testName)
	obj := srv.Object(testPath)
	obj.SetProperty(testIface, "Brightness", 5)

	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).WithPropertyCache().Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	v, ok, err := p.CachedProperty("Brightness")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, v)
}

func TestGetPropertyUsesCacheWhenActive(t *testing.T) {
	bus := NewTestBus()
	srv := bus.RegisterService(testName)
	obj := srv.Object(testPath)
	obj.SetProperty(testIface, "Brightness", 5)

	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).WithPropertyCache().Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	// Change the live value behind the cache's back; GetProperty must
	// still return the cached value rather than round-tripping.
	obj.mu.Lock()
	obj.props[testIface]["Brightness"] = 99
	obj.mu.Unlock()

	v, err := p.GetProperty(context.Background(), "Brightness")
	require.NoError(t, err)
	require.Equal(t, 5, v)
}

func TestGetPropertySeedsCacheOnMiss(t *testing.T) {
	bus := NewTestBus()
	srv := bus.RegisterService(testName)
	obj := srv.Object(testPath)
	obj.SetProperty(testIface, "Brightness", 5)

	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).WithPropertyCache().Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	// "Volume" is added directly to the object's property table, bypassing
	// PropertiesChanged, so nothing has told the cache about it yet: a
	// genuine cache miss.
	obj.mu.Lock()
	obj.props[testIface]["Volume"] = 3
	obj.mu.Unlock()
	_, ok, err := p.CachedProperty("Volume")
	require.NoError(t, err)
	require.False(t, ok)

	v, err := p.GetProperty(context.Background(), "Volume")
	require.NoError(t, err)
	require.Equal(t, 3, v)

	cached, ok, err := p.CachedProperty("Volume")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, cached)
}

func TestCachedPropertyWithoutCacheIsUnsupported(t *testing.T) {
	bus := NewTestBus()
	bus.RegisterService(testName).Object(testPath)
	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	_, _, err = p.CachedProperty("Brightness")
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = p.ReceivePropertyStream("Brightness")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestPropertyCacheInvalidation(t *testing.T) {
	bus := NewTestBus()
	srv := bus.RegisterService(testName)
	obj := srv.Object(testPath)
	obj.SetProperty(testIface, "Brightness", 5)

	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).WithPropertyCache().Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	obj.SetProperty(testIface, "Brightness", 9)
	waitFor(t, func() bool {
		v, _, _ := p.CachedProperty("Brightness")
		return v == 9
	}, "cache picks up PropertiesChanged")

	obj.InvalidateProperty(testIface, "Brightness")
	waitFor(t, func() bool {
		_, ok, _ := p.CachedProperty("Brightness")
		return !ok
	}, "cache drops invalidated property")
}

func TestConnectPropertyChangedMultipleHandlers(t *testing.T) {
	bus := NewTestBus()
	srv := bus.RegisterService(testName)
	obj := srv.Object(testPath)

	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).WithPropertyCache().Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	var aCalls, bCalls int
	idA, err := p.ConnectPropertyChanged("Brightness", func(value interface{}, ok bool) { aCalls++ })
	require.NoError(t, err)
	_, err = p.ConnectPropertyChanged("Brightness", func(value interface{}, ok bool) { bCalls++ })
	require.NoError(t, err)

	obj.SetProperty(testIface, "Brightness", 1)
	waitFor(t, func() bool { return aCalls == 1 && bCalls == 1 }, "both handlers fire")

	require.True(t, p.DisconnectPropertyChanged(idA))
	require.False(t, p.DisconnectPropertyChanged(idA), "disconnect is idempotent")

	obj.SetProperty(testIface, "Brightness", 2)
	waitFor(t, func() bool { return bCalls == 2 }, "surviving handler still fires")
	require.Equal(t, 1, aCalls, "disconnected handler does not fire again")
}

func TestReceiveSignal(t *testing.T) {
	bus := NewTestBus()
	srv := bus.RegisterService(testName)
	obj := srv.Object(testPath)

	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := p.ReceiveSignal(ctx, "Clicked")
	require.NoError(t, err)
	defer stream.Close()

	obj.EmitSignal(testIface, "Clicked", 1)
	sig, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "Clicked", sig.Member)
	require.Equal(t, []interface{}{1}, sig.Body)
}

func TestWellKnownNameAcquisitionAndOwnerChange(t *testing.T) {
	bus := NewTestBus()
	first := bus.RegisterService(testName)
	obj := first.Object(testPath)
	obj.SetProperty(testIface, "Brightness", 1)

	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).WithPropertyCache().Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	v, ok, _ := p.CachedProperty("Brightness")
	require.True(t, ok)
	require.Equal(t, 1, v)

	first.ReleaseName(testName)
	waitFor(t, func() bool {
		_, ok, _ := p.CachedProperty("Brightness")
		return !ok
	}, "losing the owner invalidates the cache")

	second := bus.RegisterService()
	obj2 := second.Object(testPath)
	obj2.SetProperty(testIface, "Brightness", 2)
	second.AcquireName(testName)

	// The cache only repopulates once something re-reads or a fresh signal
	// arrives for the new owner; emitting once is enough to show the cache
	// picks up a value the new owner emits after taking the name.
	obj2.SetProperty(testIface, "Brightness", 3)
	waitFor(t, func() bool {
		v, ok, _ := p.CachedProperty("Brightness")
		return ok && v == 3
	}, "cache follows the name to its new owner")
}

func TestCloneSharesCoreAndCloseIsRefcounted(t *testing.T) {
	bus := NewTestBus()
	srv := bus.RegisterService(testName)
	obj := srv.Object(testPath)
	obj.SetProperty(testIface, "Brightness", 1)

	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).WithPropertyCache().Build(context.Background())
	require.NoError(t, err)

	clone := p.Clone()

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "Close is idempotent")

	v, ok, err := clone.CachedProperty("Brightness")
	require.NoError(t, err)
	require.True(t, ok, "clone's cache still works after the original closed")
	require.Equal(t, 1, v)

	require.NoError(t, clone.Close())
}

func TestDisconnectSignalIdempotent(t *testing.T) {
	bus := NewTestBus()
	bus.RegisterService(testName).Object(testPath)

	conn := bus.Connect()
	p, err := NewBuilder(conn, testName, testPath, testIface).Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	id, err := p.ConnectSignal(context.Background(), "Clicked", func(Signal) {})
	require.NoError(t, err)
	require.True(t, p.DisconnectSignal(id))
	require.False(t, p.DisconnectSignal(id), "disconnecting twice is a no-op")
}
