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

import "context"

// PropertyStream is a pull-based view of one cached property, returned by
// Proxy.ReceivePropertyStream. Unlike ConnectPropertyChanged, nothing is
// pushed to a callback: a consumer calls Next to block until the
// property next changes or is invalidated.
//
// A PropertyStream holds the cache, the property's name, and the
// generation channel to wait on, not a pointer into the entry itself, so it
// always re-reads the live entry — the property can be looked up freshly on
// every poll even if the cache replaces or re-creates its internal
// bookkeeping.
type PropertyStream struct {
	cache *PropertyCache
	name  string
	ch    <-chan struct{}
}

func newPropertyStream(cache *PropertyCache, name string) *PropertyStream {
	ch, _, _ := cache.waitChan(name)
	return &PropertyStream{cache: cache, name: name, ch: ch}
}

// Current returns the property's value as of right now, without waiting.
func (s *PropertyStream) Current() (value interface{}, ok bool) {
	return s.cache.Get(s.name)
}

// Next blocks until the property's value changes (or is invalidated), or
// until ctx is done. It runs forever: a PropertyStream has no end-of-stream
// condition of its own and is only as long-lived as the Proxy (and its
// cache) it was created from — the caller controls its lifetime through
// ctx, since there is no drop notification to wait on instead.
//
// Each time it wakes, Next re-arms a fresh one-shot listener on the entry
// before returning, so a change that happens between two Next calls is
// never missed: waitChan captures the entry's next generation channel and
// the value it returns atomically, under the cache's lock. If several
// changes happen between calls, the next call returns only the latest value.
func (s *PropertyStream) Next(ctx context.Context) (value interface{}, ok bool, err error) {
	select {
	case <-s.ch:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	s.ch, value, ok = s.cache.waitChan(s.name)
	return value, ok, nil
}
