/*
 * Copyright © 2026 StockIt, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with
 * the License. You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on
 * an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the License for the
 * specific language governing permissions and limitations under the License.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package polock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, lease, maxWait, poll time.Duration) (*Manager, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, lease, maxWait, poll), mr
}

func TestAcquireThenReleaseAllowsReacquire(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute, time.Second, 10*time.Millisecond)
	ctx := context.Background()

	lock, err := mgr.Acquire(ctx, "po-1")
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))

	lock2, err := mgr.Acquire(ctx, "po-1")
	require.NoError(t, err)
	require.NoError(t, lock2.Release(ctx))
}

func TestAcquireBlocksSecondCallerUntilMaxWait(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute, 200*time.Millisecond, 20*time.Millisecond)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "po-2")
	require.NoError(t, err)

	start := time.Now()
	_, err = mgr.Acquire(ctx, "po-2")
	elapsed := time.Since(start)
	assert.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, 180*time.Millisecond)
}

func TestReleaseDoesNotStealReassignedLock(t *testing.T) {
	mgr, mr := newTestManager(t, time.Minute, time.Second, 10*time.Millisecond)
	ctx := context.Background()

	lock, err := mgr.Acquire(ctx, "po-3")
	require.NoError(t, err)

	// simulate lease expiry and reassignment to a different holder
	require.NoError(t, mr.Del(lockKey("po-3")))
	lock2, err := mgr.Acquire(ctx, "po-3")
	require.NoError(t, err)

	// the original handle's release must not remove lock2's lease
	require.NoError(t, lock.Release(ctx))
	assert.True(t, mr.Exists(lockKey("po-3")))

	require.NoError(t, lock2.Release(ctx))
}

func TestExtendRefreshesLeaseTTL(t *testing.T) {
	mgr, mr := newTestManager(t, time.Minute, time.Second, 10*time.Millisecond)
	ctx := context.Background()

	lock, err := mgr.Acquire(ctx, "po-4")
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.NoError(t, lock.Extend(ctx))
	assert.Greater(t, mr.TTL(lockKey("po-4")), 30*time.Second)
}
