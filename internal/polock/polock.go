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

// Package polock is an advisory, lease-based lock over a single
// purchase order, so only one workflow ever mutates a given PO at a
// time. It is a Redis SET NX EX / Lua-compare-and-del lock, the same
// pattern used for distributed mutual exclusion over a shared broker
// client, built over the runtime's shared client rather than a second
// connection.
package polock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stockitai/workflow-core/internal/ierr"
	"github.com/stockitai/workflow-core/internal/msgs"
)

// Manager hands out leased locks keyed by purchase order id.
type Manager struct {
	client     *redis.Client
	lease      time.Duration
	maxWait    time.Duration
	pollPeriod time.Duration
}

func New(client *redis.Client, lease, maxWait, pollPeriod time.Duration) *Manager {
	if lease <= 0 {
		lease = 60 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 15 * time.Second
	}
	if pollPeriod <= 0 {
		pollPeriod = 300 * time.Millisecond
	}
	return &Manager{client: client, lease: lease, maxWait: maxWait, pollPeriod: pollPeriod}
}

func lockKey(poID string) string { return fmt.Sprintf("polock:%s", poID) }

// Lock represents one held lease; Release is idempotent and only ever
// releases a lease this handle actually owns (no stealing another
// workflow's lock after lease expiry reassigns it).
type Lock struct {
	poID  string
	token string
	mgr   *Manager
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Acquire polls for the PO's lock every pollPeriod until it is granted
// or maxWait elapses. Callers must acquire the PO lock before opening
// any database transaction on that PO — the lock hierarchy is
// PO-lock → DB-transaction, never the reverse.
func (m *Manager) Acquire(ctx context.Context, poID string) (*Lock, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(m.maxWait)
	key := lockKey(poID)

	for {
		ok, err := m.client.SetNX(ctx, key, token, m.lease).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{poID: poID, token: token, mgr: m}, nil
		}
		if time.Now().After(deadline) {
			return nil, ierr.New(ctx, msgs.MsgWorkflowActive, poID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.pollPeriod):
		}
	}
}

// Release drops the lease. It must be called before publishing
// progress for the PO it guarded — never held across a best-effort
// bus call.
func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.mgr.client, []string{lockKey(l.poID)}, l.token).Err()
}

// Extend refreshes the lease's TTL without changing ownership, for
// long-running stages that legitimately need more than one lease
// period.
func (l *Lock) Extend(ctx context.Context) error {
	ok, err := l.mgr.client.Expire(ctx, lockKey(l.poID), l.mgr.lease).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ierr.New(ctx, msgs.MsgWorkflowActive, l.poID)
	}
	return nil
}
