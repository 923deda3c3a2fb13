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

// Package queue provides named FIFO queues over a shared Redis broker
// connection, with at-least-once delivery, bounded per-queue
// concurrency, stall detection and exponential backoff.
//
// Built on github.com/redis/go-redis/v9, with the FIFO/priority/stall-
// lease scheme modeled as two sorted sets per queue (waiting, scored
// by priority+enqueue time; processing, scored by lease expiry) plus a
// dead-letter list — a ZSET-as-priority-queue-with-visibility-timeout
// pattern.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stockitai/workflow-core/internal/ierr"
	"github.com/stockitai/workflow-core/internal/log"
	"github.com/stockitai/workflow-core/internal/metrics"
	"github.com/stockitai/workflow-core/internal/msgs"
)

// Names are the eleven fixed queues the workflow DAG enqueues; the set
// is declared once here so every component agrees on the vocabulary.
const (
	QueueAIParsing                 = "ai_parsing"
	QueueDatabaseSave              = "database_save"
	QueueProductDraftCreation      = "product_draft_creation"
	QueueImageAttachment           = "image_attachment"
	QueueBackgroundImageProcessing = "background_image_processing"
	QueueShopifySync               = "shopify_sync"
	QueueStatusUpdate              = "status_update"
	QueueDataNormalization         = "data_normalization"
	QueueMerchantConfig            = "merchant_config"
	QueueAIEnrichment              = "ai_enrichment"
	QueueShopifyPayload            = "shopify_payload"
)

// AllQueues is the fixed queue vocabulary; Register may only be called
// with a name from this list.
var AllQueues = []string{
	QueueAIParsing, QueueDatabaseSave, QueueDataNormalization, QueueMerchantConfig,
	QueueAIEnrichment, QueueShopifyPayload, QueueProductDraftCreation,
	QueueImageAttachment, QueueBackgroundImageProcessing, QueueShopifySync, QueueStatusUpdate,
}

// EnqueueOptions covers Enqueue's tunable knobs.
type EnqueueOptions struct {
	Delay      time.Duration
	Priority   int // higher runs first
	Attempts   int // default 3
	BackoffMin time.Duration
}

// Job is the durable unit of work moving through a queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	BackoffMin  time.Duration   `json:"backoffMin"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// Handler processes one job. It receives a ctx that is cancelled if
// the job is moved to dead-letter mid-flight; handlers must stop
// emitting progress and release any PO lock when ctx is done.
type Handler func(ctx context.Context, job *Job) error

type registration struct {
	handler     Handler
	concurrency int
	stop        chan struct{}
	wg          sync.WaitGroup
}

// Runtime is the shared client/subscriber pool: one broker client
// serves every queue; no component may create an alternate instance.
type Runtime struct {
	client *redis.Client

	mu            sync.Mutex
	registrations map[string]*registration
	inFlight      map[string]context.CancelFunc // jobID -> cancel, for dead-letter cancellation

	stallTimeout time.Duration
	sweepStop    chan struct{}
	sweepWG      sync.WaitGroup
}

const defaultStallTimeout = 60 * time.Second

// New constructs the Runtime's single broker client; workers poll the
// waiting sets through it, and no separate blocking-subscriber
// connection is opened. The client MUST be built with client-side command retries
// disabled and no startup ready-check: go-redis's nearest equivalent
// of ioredis's maxRetriesPerRequest=null / enableReadyCheck=false is
// MaxRetries: -1 (the runtime's own backoff/retry logic is solely
// responsible for retries, never the driver) plus lazy (non-blocking)
// connection establishment, which is go-redis's default. Constructing
// the client any other way is a startup-fatal error.
func New(ctx context.Context, brokerURL string, stallTimeout time.Duration) (*Runtime, error) {
	opt, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, ierr.New(ctx, msgs.MsgBrokerClientMisconfigured, err.Error())
	}
	// Parsing a URL string and then overriding these fields explicitly
	// is required: some client libraries (including go-redis) set
	// conflicting retry defaults when constructed purely from a URL.
	opt.MaxRetries = -1

	client := redis.NewClient(opt)
	if client.Options().MaxRetries != -1 {
		return nil, ierr.New(ctx, msgs.MsgBrokerClientMisconfigured)
	}

	if stallTimeout <= 0 {
		stallTimeout = defaultStallTimeout
	}

	r := &Runtime{
		client:        client,
		registrations: make(map[string]*registration),
		inFlight:      make(map[string]context.CancelFunc),
		stallTimeout:  stallTimeout,
		sweepStop:     make(chan struct{}),
	}
	r.sweepWG.Add(1)
	go r.sweepStalled(ctx)
	return r, nil
}

func waitingKey(queue string) string    { return fmt.Sprintf("queue:%s:waiting", queue) }
func processingKey(queue string) string { return fmt.Sprintf("queue:%s:processing", queue) }
func deadKey(queue string) string       { return fmt.Sprintf("queue:%s:dead", queue) }
func jobKey(queue, id string) string    { return fmt.Sprintf("queue:%s:job:%s", queue, id) }

// score encodes (priority, enqueue/available time) so ZRANGE ascending
// yields higher priority first, FIFO within a priority.
func score(priority int, at time.Time) float64 {
	return float64(-priority)*1e13 + float64(at.UnixMilli())
}

// Enqueue returns a jobId; opts covers delay, priority, attempts and
// backoff.
func (r *Runtime) Enqueue(ctx context.Context, queue string, payload interface{}, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	job := &Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Payload:     raw,
		Priority:    opts.Priority,
		Attempt:     0,
		MaxAttempts: opts.Attempts,
		BackoffMin:  opts.BackoffMin,
		EnqueuedAt:  time.Now(),
	}
	availableAt := job.EnqueuedAt.Add(opts.Delay)

	jobBytes, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, jobKey(queue, job.ID), jobBytes, 0)
	pipe.ZAdd(ctx, waitingKey(queue), redis.Z{Score: score(opts.Priority, availableAt), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Register binds a handler to a queue at the declared concurrency
// (background_image_processing runs at concurrency 1).
func (r *Runtime) Register(ctx context.Context, queue string, handler Handler, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	reg := &registration{handler: handler, concurrency: concurrency, stop: make(chan struct{})}

	r.mu.Lock()
	r.registrations[queue] = reg
	r.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		reg.wg.Add(1)
		go r.worker(ctx, queue, reg)
	}
	return nil
}

func (r *Runtime) worker(ctx context.Context, queue string, reg *registration) {
	defer reg.wg.Done()
	wKey := waitingKey(queue)
	for {
		select {
		case <-reg.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		results, err := r.client.ZRangeByScoreWithScores(ctx, wKey, &redis.ZRangeBy{
			Min: "-inf", Max: "+inf", Count: 1,
		}).Result()
		if err != nil || len(results) == 0 {
			time.Sleep(250 * time.Millisecond)
			continue
		}
		// The head's available time is its score within the 1e13-wide
		// priority band; a head that is not yet due is left in place.
		availableAt := int64(results[0].Score) % int64(1e13)
		if availableAt < 0 {
			availableAt += int64(1e13)
		}
		if availableAt > now.UnixMilli() {
			time.Sleep(250 * time.Millisecond)
			continue
		}
		id, _ := results[0].Member.(string)
		removed, err := r.client.ZRem(ctx, wKey, id).Result()
		if err != nil || removed == 0 {
			// another worker won the race
			continue
		}

		job, err := r.loadJob(ctx, queue, id)
		if err != nil {
			log.L(ctx).Warnf("queue %s: dropped unreadable job %s: %s", queue, id, err)
			continue
		}
		r.runJob(ctx, reg, job)
	}
}

func (r *Runtime) loadJob(ctx context.Context, queue, id string) (*Job, error) {
	raw, err := r.client.Get(ctx, jobKey(queue, id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Runtime) runJob(ctx context.Context, reg *registration, job *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.inFlight[job.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, job.ID)
		r.mu.Unlock()
		cancel()
	}()

	leaseExpiry := time.Now().Add(r.stallTimeout)
	r.client.ZAdd(ctx, processingKey(job.Queue), redis.Z{Score: float64(leaseExpiry.UnixMilli()), Member: job.ID})
	defer r.client.ZRem(ctx, processingKey(job.Queue), job.ID)

	err := reg.handler(jobCtx, job)
	if err == nil {
		r.client.Del(ctx, jobKey(job.Queue, job.ID))
		return
	}

	job.Attempt++
	if job.Attempt >= job.MaxAttempts {
		r.moveToDeadLetter(ctx, job, err)
		return
	}
	r.requeueWithBackoff(ctx, job)
}

// requeueWithBackoff re-enqueues job after an exponential delay from
// its configured backoff floor.
func (r *Runtime) requeueWithBackoff(ctx context.Context, job *Job) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = job.BackoffMin
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	delay := b.NextBackOff()

	raw, _ := json.Marshal(job)
	availableAt := time.Now().Add(delay)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.Queue, job.ID), raw, 0)
	pipe.ZAdd(ctx, waitingKey(job.Queue), redis.Z{Score: score(job.Priority, availableAt), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		log.L(ctx).Errorf("failed to requeue job %s on queue %s: %s", job.ID, job.Queue, err)
	}
}

func (r *Runtime) moveToDeadLetter(ctx context.Context, job *Job, cause error) {
	log.L(ctx).Errorf("job %s on queue %s exhausted %d attempts, moving to dead-letter: %s", job.ID, job.Queue, job.MaxAttempts, cause)
	raw, _ := json.Marshal(job)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, deadKey(job.Queue), raw)
	pipe.Del(ctx, jobKey(job.Queue, job.ID))
	_, _ = pipe.Exec(ctx)
}

// sweepStalled periodically scans every queue's processing set for
// leases that expired without the job completing, cancels the
// handler's context, and returns the job to the queue or dead-letters
// it.
func (r *Runtime) sweepStalled(ctx context.Context) {
	defer r.sweepWG.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.sweepStop:
			return
		case <-ticker.C:
			for _, q := range AllQueues {
				r.sweepQueue(ctx, q)
			}
		}
	}
}

func (r *Runtime) sweepQueue(ctx context.Context, queue string) {
	now := time.Now()
	stalledIDs, err := r.client.ZRangeByScore(ctx, processingKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil || len(stalledIDs) == 0 {
		return
	}
	for _, id := range stalledIDs {
		removed, err := r.client.ZRem(ctx, processingKey(queue), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		r.mu.Lock()
		if cancel, ok := r.inFlight[id]; ok {
			cancel()
		}
		r.mu.Unlock()

		job, err := r.loadJob(ctx, queue, id)
		if err != nil {
			continue
		}
		job.Attempt++
		if job.Attempt >= job.MaxAttempts {
			r.moveToDeadLetter(ctx, job, ierr.New(ctx, msgs.MsgStageStalled, queue, r.stallTimeout))
			continue
		}
		log.L(ctx).Warnf("job %s on queue %s stalled, returning to queue (attempt %d/%d)", job.ID, queue, job.Attempt, job.MaxAttempts)
		r.requeueWithBackoff(ctx, job)
	}
}

// Stop signals every worker and the stall sweeper to exit and waits
// for them to drain.
func (r *Runtime) Stop() {
	r.mu.Lock()
	regs := make([]*registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	r.mu.Unlock()
	for _, reg := range regs {
		close(reg.stop)
		reg.wg.Wait()
	}
	close(r.sweepStop)
	r.sweepWG.Wait()
}

// Client exposes the shared redis client for components that need raw
// Redis access under the same pool (Stage Result Store, Progress Bus,
// PO Lock Manager) — none of them open their own broker connection,
// they all borrow this one.
func (r *Runtime) Client() *redis.Client { return r.client }

// AdminStatus reports per-queue waiting/processing depth and
// dead-letter count for the /queue-admin/status endpoint.
type AdminStatus struct {
	Queue      string `json:"queue"`
	Waiting    int64  `json:"waiting"`
	Processing int64  `json:"processing"`
	DeadLetter int64  `json:"deadLetter"`
}

func (r *Runtime) Status(ctx context.Context) ([]AdminStatus, error) {
	out := make([]AdminStatus, 0, len(AllQueues))
	for _, q := range AllQueues {
		waiting, err := r.client.ZCard(ctx, waitingKey(q)).Result()
		if err != nil {
			return nil, err
		}
		processing, err := r.client.ZCard(ctx, processingKey(q)).Result()
		if err != nil {
			return nil, err
		}
		dead, err := r.client.LLen(ctx, deadKey(q)).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, AdminStatus{Queue: q, Waiting: waiting, Processing: processing, DeadLetter: dead})
		metrics.QueueDepth.WithLabelValues(q).Set(float64(waiting))
	}
	return out, nil
}

// FailedJobs returns the raw dead-letter entries for a queue, backing
// the /queue-admin/failed-jobs endpoint.
func (r *Runtime) FailedJobs(ctx context.Context, queue string) ([]Job, error) {
	raws, err := r.client.LRange(ctx, deadKey(queue), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err == nil {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// CleanFailed empties a queue's dead-letter list, backing the
// /queue-admin/clean-failed endpoint.
func (r *Runtime) CleanFailed(ctx context.Context, queue string) error {
	return r.client.Del(ctx, deadKey(queue)).Err()
}
