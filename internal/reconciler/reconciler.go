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

// Package reconciler runs a cron-driven sweep that auto-completes
// purchase orders which already have line-item data but a stale
// "processing" status, and re-queues workflows that have genuinely
// stalled. It runs on its own dedicated database handle (the "direct"
// endpoint) to avoid contending with queue workers during cold start.
//
// Modeled on a periodic sweep over persisted state looking for records
// that need a nudge: resubmit a stuck write instead of waiting
// indefinitely for the first attempt to make progress. Scheduling uses
// robfig/cron/v3.
package reconciler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/stockitai/workflow-core/internal/dbgateway"
	"github.com/stockitai/workflow-core/internal/log"
	"github.com/stockitai/workflow-core/internal/metrics"
	"github.com/stockitai/workflow-core/internal/models"
	"github.com/stockitai/workflow-core/internal/orchestrator"
	"github.com/stockitai/workflow-core/internal/queue"
)

const confidenceThreshold = 0.80

// Reconciler owns a direct-endpoint Gateway, separate from the one the
// Queue Runtime's stage handlers use.
type Reconciler struct {
	directGW       *dbgateway.Gateway
	q              *queue.Runtime
	cadence        time.Duration
	startupDelay   time.Duration
	staleThreshold time.Duration

	cron *cron.Cron
}

func New(directGW *dbgateway.Gateway, q *queue.Runtime, cadence, startupDelay, staleThreshold time.Duration) *Reconciler {
	if cadence <= 0 {
		cadence = 60 * time.Second
	}
	if startupDelay <= 0 {
		startupDelay = 3 * time.Second
	}
	if staleThreshold <= 0 {
		staleThreshold = 5 * time.Minute
	}
	return &Reconciler{
		directGW: directGW, q: q,
		cadence: cadence, startupDelay: startupDelay, staleThreshold: staleThreshold,
		cron: cron.New(),
	}
}

// Start waits startupDelay, then runs Tick every cadence until ctx is
// cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	select {
	case <-time.After(r.startupDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	spec := "@every " + r.cadence.String()
	_, err := r.cron.AddFunc(spec, func() { r.Tick(ctx) })
	if err != nil {
		return err
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		r.cron.Stop()
	}()
	return nil
}

// Summary is logged once per tick.
type Summary struct {
	AutoFixed     int
	Requeued      int
	Skipped       int
	Errors        int
}

// Tick runs one reconciliation pass: step 1 (auto-fix), then step 2
// (re-queue), each record handled independently so one failure never
// aborts the run.
func (r *Reconciler) Tick(ctx context.Context) Summary {
	t := metrics.NewTimer()
	defer t.ObserveDuration(metrics.ReconcilerTickDuration)

	var summary Summary
	now := time.Now()

	autoFixed := r.autoFixCompletedData(ctx, now, &summary)
	r.requeueStalled(ctx, now, autoFixed, &summary)

	log.L(ctx).Infof("reconciler tick: autoFixed=%d requeued=%d skipped=%d errors=%d",
		summary.AutoFixed, summary.Requeued, summary.Skipped, summary.Errors)
	return summary
}

// autoFixCompletedData implements step 1: POs stuck in "processing"
// that already have line items get force-completed. Returns the set
// of PO ids it touched so step 2 can skip them and never complete the
// same PO twice in one tick.
func (r *Reconciler) autoFixCompletedData(ctx context.Context, now time.Time, summary *Summary) map[string]bool {
	touched := make(map[string]bool)

	var pos []models.PurchaseOrder
	err := r.directGW.RunRetryable(ctx, func(db *gorm.DB) error {
		return db.Where("status = ? AND updated_at < ?", models.POStatusProcessing, now.Add(-r.staleThreshold)).
			Where("id IN (SELECT DISTINCT purchase_order_id FROM po_line_items)").
			Find(&pos).Error
	})
	if err != nil {
		log.L(ctx).Warnf("reconciler auto-fix query failed: %s", err)
		summary.Errors++
		return touched
	}

	for _, po := range pos {
		if err := r.autoFixOne(ctx, po, now); err != nil {
			log.L(ctx).Warnf("reconciler auto-fix failed for PO %s: %s", po.ID, err)
			summary.Errors++
			continue
		}
		touched[po.ID.String()] = true
		summary.AutoFixed++
		metrics.ReconcilerAutoFixedTotal.Inc()
	}
	return touched
}

func (r *Reconciler) autoFixOne(ctx context.Context, po models.PurchaseOrder, now time.Time) error {
	status := models.POStatusReviewNeeded
	if po.Confidence >= confidenceThreshold {
		status = models.POStatusCompleted
	}
	return r.directGW.Transaction(ctx, func(db *gorm.DB) error {
		if err := db.Model(&models.PurchaseOrder{}).Where("id = ?", po.ID).
			Updates(map[string]interface{}{"status": status, "job_status": models.POJobCompleted, "completed_at": &now}).Error; err != nil {
			return err
		}
		return db.Model(&models.WorkflowExecution{}).
			Where("purchase_order_id = ? AND status <> ?", po.ID, models.WorkflowCompleted).
			Updates(map[string]interface{}{
				"status":           models.WorkflowCompleted,
				"current_stage":    queue.QueueStatusUpdate,
				"completed_at":     &now,
				"updated_at":       now,
				"progress_percent": 100,
			}).Error
	}, dbgateway.TxOptions{})
}

// requeueStalled implements step 2: WorkflowExecutions stuck in
// "processing" whose PO was not already handled by step 1, deduplicated
// by PO id (one re-queue per PO per tick).
func (r *Reconciler) requeueStalled(ctx context.Context, now time.Time, alreadyFixed map[string]bool, summary *Summary) {
	var executions []models.WorkflowExecution
	err := r.directGW.RunRetryable(ctx, func(db *gorm.DB) error {
		return db.Where("status = ? AND updated_at < ?", models.WorkflowProcessing, now.Add(-r.staleThreshold)).
			Find(&executions).Error
	})
	if err != nil {
		log.L(ctx).Warnf("reconciler stall query failed: %s", err)
		summary.Errors++
		return
	}

	seen := make(map[string]bool)
	for _, we := range executions {
		poKey := we.PurchaseOrderID.String()
		if alreadyFixed[poKey] {
			summary.Skipped++
			continue
		}
		if seen[poKey] {
			summary.Skipped++
			continue
		}
		seen[poKey] = true

		stage := we.CurrentStage
		if stage == "" {
			stage = queue.QueueAIParsing
		}
		payload := orchestrator.StagePayload{
			WorkflowID: we.WorkflowID,
			POID:       we.PurchaseOrderID.String(),
			MerchantID: we.MerchantID.String(),
		}
		if stage == queue.QueueAIParsing {
			var upload models.Upload
			if err := r.directGW.RunRetryable(ctx, func(db *gorm.DB) error {
				return db.Where("metadata->>'workflowId' = ?", we.WorkflowID).First(&upload).Error
			}); err == nil {
				payload.UploadID = upload.ID.String()
			}
		}
		if _, err := r.q.Enqueue(ctx, stage, payload, queue.EnqueueOptions{Priority: 1, Attempts: 3}); err != nil {
			log.L(ctx).Warnf("reconciler failed to re-queue workflow %s: %s", we.WorkflowID, err)
			summary.Errors++
			continue
		}
		summary.Requeued++
		metrics.ReconcilerRequeuedTotal.Inc()
	}
}
