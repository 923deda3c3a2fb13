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

package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) (*Runtime, *miniredis.Miniredis, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	ctx := context.Background()
	rt, err := New(ctx, "redis://"+mr.Addr(), 2*time.Second)
	require.NoError(t, err)
	return rt, mr, func() {
		rt.Stop()
		mr.Close()
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(context.Background(), "not-a-redis-url", time.Second)
	assert.Error(t, err)
}

func TestEnqueueThenProcessed(t *testing.T) {
	rt, _, done := newTestRuntime(t)
	defer done()

	var got atomic.Value
	var wg sync.WaitGroup
	wg.Add(1)
	err := rt.Register(context.Background(), QueueDatabaseSave, func(ctx context.Context, job *Job) error {
		got.Store(string(job.Payload))
		wg.Done()
		return nil
	}, 1)
	require.NoError(t, err)

	id, err := rt.Enqueue(context.Background(), QueueDatabaseSave, map[string]string{"poId": "abc"}, EnqueueOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	waitOrTimeout(t, &wg, 2*time.Second)
	assert.Contains(t, got.Load().(string), "abc")
}

func TestEnqueueHigherPriorityRunsFirst(t *testing.T) {
	rt, _, done := newTestRuntime(t)
	defer done()

	_, err := rt.Enqueue(context.Background(), QueueAIParsing, "low", EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	_, err = rt.Enqueue(context.Background(), QueueAIParsing, "high", EnqueueOptions{Priority: 10})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)
	err = rt.Register(context.Background(), QueueAIParsing, func(ctx context.Context, job *Job) error {
		mu.Lock()
		order = append(order, string(job.Payload))
		mu.Unlock()
		wg.Done()
		return nil
	}, 1)
	require.NoError(t, err)

	waitOrTimeout(t, &wg, 2*time.Second)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Contains(t, order[0], "high")
}

func TestHandlerFailureRequeuesUntilMaxAttempts(t *testing.T) {
	rt, _, done := newTestRuntime(t)
	defer done()

	var attempts int32
	var wg sync.WaitGroup
	wg.Add(1)
	err := rt.Register(context.Background(), QueueShopifySync, func(ctx context.Context, job *Job) error {
		n := atomic.AddInt32(&attempts, 1)
		if int(n) < job.MaxAttempts {
			return assert.AnError
		}
		wg.Done()
		return nil
	}, 1)
	require.NoError(t, err)

	_, err = rt.Enqueue(context.Background(), QueueShopifySync, "payload", EnqueueOptions{Attempts: 3, BackoffMin: 10 * time.Millisecond})
	require.NoError(t, err)

	waitOrTimeout(t, &wg, 3*time.Second)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestExhaustedAttemptsGoToDeadLetter(t *testing.T) {
	rt, _, done := newTestRuntime(t)
	defer done()

	err := rt.Register(context.Background(), QueueMerchantConfig, func(ctx context.Context, job *Job) error {
		return assert.AnError
	}, 1)
	require.NoError(t, err)

	_, err = rt.Enqueue(context.Background(), QueueMerchantConfig, "x", EnqueueOptions{Attempts: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		jobs, err := rt.FailedJobs(context.Background(), QueueMerchantConfig)
		return err == nil && len(jobs) == 1
	}, 2*time.Second, 20*time.Millisecond)

	status, err := rt.Status(context.Background())
	require.NoError(t, err)
	found := false
	for _, s := range status {
		if s.Queue == QueueMerchantConfig {
			found = true
			assert.Equal(t, int64(1), s.DeadLetter)
		}
	}
	assert.True(t, found)

	require.NoError(t, rt.CleanFailed(context.Background(), QueueMerchantConfig))
	jobs, err := rt.FailedJobs(context.Background(), QueueMerchantConfig)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for handler")
	}
}
