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

// Package progressbus is a publish-only, best-effort notification
// channel for workflow progress. It never takes part in a database
// transaction and a publish failure must never fail the caller's
// operation — it is purely an aid to the realtime UI, not a
// durability boundary.
package progressbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stockitai/workflow-core/internal/log"
)

// Bus publishes to merchant-scoped Redis pub/sub channels, reusing the
// queue runtime's shared client.
type Bus struct {
	client *redis.Client
}

func New(client *redis.Client) *Bus { return &Bus{client: client} }

func channel(merchantID, kind string) string {
	return fmt.Sprintf("merchant:%s:%s", merchantID, kind)
}

// Event is the envelope published on every channel; Kind mirrors the
// channel suffix so subscribers fanning in from multiple channels can
// tell them apart.
type Event struct {
	Kind       string      `json:"kind"`
	WorkflowID string      `json:"workflowId"`
	Stage      string      `json:"stage,omitempty"`
	Percent    int         `json:"percent,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}

func (b *Bus) publish(ctx context.Context, merchantID, kind string, evt Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		log.L(ctx).Warnf("progress event marshal failed, dropping: %s", err)
		return
	}
	if err := b.client.Publish(ctx, channel(merchantID, kind), raw).Err(); err != nil {
		// Best-effort: a missed progress notification is never fatal to
		// the workflow it describes.
		log.L(ctx).Warnf("progress publish to %s failed, continuing: %s", channel(merchantID, kind), err)
	}
}

// Progress publishes a percent-complete update on the ":progress" channel.
func (b *Bus) Progress(ctx context.Context, merchantID, workflowID string, percent int) {
	b.publish(ctx, merchantID, "progress", Event{Kind: "progress", WorkflowID: workflowID, Percent: percent})
}

// Stage publishes a stage-transition update on the ":stage" channel.
func (b *Bus) Stage(ctx context.Context, merchantID, workflowID, stage string) {
	b.publish(ctx, merchantID, "stage", Event{Kind: "stage", WorkflowID: workflowID, Stage: stage})
}

// Completion publishes a terminal-success update on the ":completion" channel.
func (b *Bus) Completion(ctx context.Context, merchantID, workflowID string, data interface{}) {
	b.publish(ctx, merchantID, "completion", Event{Kind: "completion", WorkflowID: workflowID, Data: data})
}

// Error publishes a terminal-failure update on the ":error" channel.
func (b *Bus) Error(ctx context.Context, merchantID, workflowID, stage, message string) {
	b.publish(ctx, merchantID, "error", Event{Kind: "error", WorkflowID: workflowID, Stage: stage, Data: message})
}

// Subscribe returns a subscription to every channel kind for a
// merchant, used by the /realtime/events SSE handler.
func (b *Bus) Subscribe(ctx context.Context, merchantID string) *redis.PubSub {
	return b.client.Subscribe(ctx,
		channel(merchantID, "progress"),
		channel(merchantID, "stage"),
		channel(merchantID, "completion"),
		channel(merchantID, "error"),
	)
}
