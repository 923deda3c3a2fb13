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

// Package stagestore is an ephemeral key/value accumulator that holds
// each stage's output just long enough for the next stage in the same
// workflow to pick it up. It borrows the queue.Runtime's shared Redis
// client rather than opening a second connection.
package stagestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin wrapper over Redis string/hash keys scoped to one
// workflow at a time.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

const defaultTTL = 30 * time.Minute

func New(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func stageKey(workflowID, stage string) string {
	return fmt.Sprintf("workflow:%s:%s", workflowID, stage)
}

func accumulatorKey(workflowID string) string {
	return fmt.Sprintf("workflow:%s:accumulated", workflowID)
}

// SaveStageResult stores a stage's output under its own key and merges
// it into the workflow's running accumulator, both refreshed to the
// configured TTL.
func (s *Store) SaveStageResult(ctx context.Context, workflowID, stage string, result interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stageKey(workflowID, stage), raw, s.ttl)
	pipe.HSet(ctx, accumulatorKey(workflowID), stage, raw)
	pipe.Expire(ctx, accumulatorKey(workflowID), s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// GetStageResult fetches a single stage's output, unmarshalling into
// out. It returns redis.Nil (unwrapped) if the key is missing or has
// expired, so callers can distinguish "not yet produced" from a real
// error.
func (s *Store) GetStageResult(ctx context.Context, workflowID, stage string, out interface{}) error {
	raw, err := s.client.Get(ctx, stageKey(workflowID, stage)).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// GetAccumulatedData returns every stage result produced so far for a
// workflow, keyed by stage name, as raw JSON so callers can decode
// only the stages they need.
func (s *Store) GetAccumulatedData(ctx context.Context, workflowID string) (map[string]json.RawMessage, error) {
	fields, err := s.client.HGetAll(ctx, accumulatorKey(workflowID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(fields))
	for stage, raw := range fields {
		out[stage] = json.RawMessage(raw)
	}
	return out, nil
}

// Clear removes the given stage keys and the accumulator for a
// workflow without waiting out the TTL. The orchestrator does not call
// it when a workflow completes; those keys expire with the TTL.
func (s *Store) Clear(ctx context.Context, workflowID string, stages []string) error {
	keys := make([]string, 0, len(stages)+1)
	for _, st := range stages {
		keys = append(keys, stageKey(workflowID, st))
	}
	keys = append(keys, accumulatorKey(workflowID))
	return s.client.Del(ctx, keys...).Err()
}
