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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNameOwnerTrackerResolvesExistingOwner(t *testing.T) {
	bus := NewTestBus()
	srv := bus.RegisterService(testName)

	conn := bus.Connect()
	tr := newNameOwnerTracker(conn, testName)
	require.NoError(t, tr.ensureInstalled(context.Background()))

	waitFor(t, func() bool {
		owner, resolved := tr.Owner()
		return resolved && owner == srv.UniqueName()
	}, "tracker resolves the name's current owner")
}

func TestNameOwnerTrackerNotifiesOnChange(t *testing.T) {
	bus := NewTestBus()
	first := bus.RegisterService(testName)

	conn := bus.Connect()
	tr := newNameOwnerTracker(conn, testName)
	require.NoError(t, tr.ensureInstalled(context.Background()))

	var mu sync.Mutex
	var seenOwners []string
	tr.OnChange(func(owner string, resolved bool) {
		mu.Lock()
		seenOwners = append(seenOwners, owner)
		mu.Unlock()
	})

	first.ReleaseName(testName)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seenOwners) >= 1 && seenOwners[len(seenOwners)-1] == ""
	}, "notified of name loss")

	second := bus.RegisterService()
	second.AcquireName(testName)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seenOwners) >= 1 && seenOwners[len(seenOwners)-1] == second.UniqueName()
	}, "notified of reacquisition by the new owner")
}

func TestNameOwnerTrackerConcurrentInstallOnlyOneWins(t *testing.T) {
	bus := NewTestBus()
	bus.RegisterService(testName)
	conn := bus.Connect()
	tr := newNameOwnerTracker(conn, testName)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tr.ensureInstalled(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	// Every racing caller's AddMatch landed, but only the winner's
	// installation should remain after the losers undo their duplicates.
	waitFor(t, func() bool {
		return conn.MatchCount(nameOwnerMatchRule(testName)) == 1
	}, "loser(s) removed their duplicate match rule")
}

func TestNameOwnerTrackerCloseIdempotent(t *testing.T) {
	bus := NewTestBus()
	bus.RegisterService(testName)
	conn := bus.Connect()
	tr := newNameOwnerTracker(conn, testName)
	require.NoError(t, tr.ensureInstalled(context.Background()))

	tr.Close()
	tr.Close()
	require.Equal(t, 0, conn.MatchCount(nameOwnerMatchRule(testName)))
}
