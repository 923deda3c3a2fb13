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

package stagestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, ttl), mr
}

func TestSaveAndGetStageResult(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	type parsed struct {
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, store.SaveStageResult(ctx, "wf-1", "ai_parsing", parsed{Confidence: 0.91}))

	var out parsed
	require.NoError(t, store.GetStageResult(ctx, "wf-1", "ai_parsing", &out))
	assert.Equal(t, 0.91, out.Confidence)
}

func TestGetStageResultMissingIsRedisNil(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	var out map[string]interface{}
	err := store.GetStageResult(context.Background(), "wf-missing", "ai_parsing", &out)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestAccumulatorMergesAcrossStages(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.SaveStageResult(ctx, "wf-2", "ai_parsing", map[string]string{"a": "1"}))
	require.NoError(t, store.SaveStageResult(ctx, "wf-2", "database_save", map[string]string{"b": "2"}))

	data, err := store.GetAccumulatedData(ctx, "wf-2")
	require.NoError(t, err)
	assert.Len(t, data, 2)
	assert.Contains(t, string(data["ai_parsing"]), `"a":"1"`)
	assert.Contains(t, string(data["database_save"]), `"b":"2"`)
}

func TestSaveStageResultRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.SaveStageResult(ctx, "wf-3", "ai_parsing", map[string]int{"x": 1}))
	ttl := mr.TTL(stageKey("wf-3", "ai_parsing"))
	assert.Greater(t, ttl, time.Duration(0))

	accTTL := mr.TTL(accumulatorKey("wf-3"))
	assert.Greater(t, accTTL, time.Duration(0))
}

func TestClearRemovesStageAndAccumulatorKeys(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.SaveStageResult(ctx, "wf-4", "ai_parsing", "x"))
	require.NoError(t, store.SaveStageResult(ctx, "wf-4", "database_save", "y"))

	require.NoError(t, store.Clear(ctx, "wf-4", []string{"ai_parsing", "database_save"}))

	assert.False(t, mr.Exists(stageKey("wf-4", "ai_parsing")))
	assert.False(t, mr.Exists(stageKey("wf-4", "database_save")))
	assert.False(t, mr.Exists(accumulatorKey("wf-4")))
}

func TestDefaultTTLAppliedWhenUnset(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := New(client, 0)
	assert.Equal(t, defaultTTL, store.ttl)
}
