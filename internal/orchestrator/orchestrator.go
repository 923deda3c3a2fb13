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

// Package orchestrator is the state machine that owns
// WorkflowExecution, drives the fixed stage DAG, and is the only
// component allowed to enqueue the next stage in a workflow.
//
// Modeled as a per-entity state machine that loads accumulated state,
// invokes an external operation, persists the transition, and
// advances — the same shape used to submit/confirm/track a long-lived
// async operation, generalized here to "run one pipeline stage and
// enqueue the next."
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stockitai/workflow-core/internal/collaborators"
	"github.com/stockitai/workflow-core/internal/dbgateway"
	"github.com/stockitai/workflow-core/internal/ierr"
	"github.com/stockitai/workflow-core/internal/log"
	"github.com/stockitai/workflow-core/internal/metrics"
	"github.com/stockitai/workflow-core/internal/models"
	"github.com/stockitai/workflow-core/internal/msgs"
	"github.com/stockitai/workflow-core/internal/persistence"
	"github.com/stockitai/workflow-core/internal/polock"
	"github.com/stockitai/workflow-core/internal/progressbus"
	"github.com/stockitai/workflow-core/internal/queue"
	"github.com/stockitai/workflow-core/internal/stagestore"
)

// stageOrder is the fixed DAG, in execution order.
var stageOrder = []string{
	queue.QueueAIParsing,
	queue.QueueDatabaseSave,
	queue.QueueDataNormalization,
	queue.QueueMerchantConfig,
	queue.QueueAIEnrichment,
	queue.QueueShopifyPayload,
	queue.QueueProductDraftCreation,
	queue.QueueImageAttachment,
	queue.QueueShopifySync,
	queue.QueueStatusUpdate,
}

func nextStage(current string) (string, bool) {
	for i, s := range stageOrder {
		if s == current && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// mutatesPO marks which stages must hold the PO lock.
func mutatesPO(stage string) bool {
	return stage == queue.QueueDatabaseSave || stage == queue.QueueStatusUpdate
}

// stallTimeout per stage: default 60s, longer for AI stages.
func stallTimeout(stage string) time.Duration {
	switch stage {
	case queue.QueueAIParsing, queue.QueueAIEnrichment:
		return 180 * time.Second
	default:
		return 60 * time.Second
	}
}

const confidenceThreshold = 0.80

// FileFetcher retrieves the raw bytes of an uploaded document by URL.
// Document storage is not itself part of this core's domain, but
// fetching the bytes to hand to AIParser is — so this is a small
// interface rather than a collaborator contract proper.
type FileFetcher interface {
	Fetch(ctx context.Context, fileURL string) ([]byte, error)
}

// StagePayload is the job payload enqueued between stages.
type StagePayload struct {
	WorkflowID string `json:"workflowId"`
	POID       string `json:"poId"`
	MerchantID string `json:"merchantId"`
	UploadID   string `json:"uploadId"`
}

// StartInput is what Ingress hands to StartWorkflow.
type StartInput struct {
	MerchantID      string
	UploadID        string
	PurchaseOrderID string
}

// Orchestrator wires every shared-infrastructure component this core
// depends on and drives the stage DAG over them.
type Orchestrator struct {
	gw          *dbgateway.Gateway
	q           *queue.Runtime
	store       *stagestore.Store
	bus         *progressbus.Bus
	locks       *polock.Manager
	persistence *persistence.Service

	aiParser    collaborators.AIParser
	shopify     collaborators.ShopifyClient
	images      collaborators.ImageSearcher
	fileFetcher FileFetcher

	asyncImageDefault bool
}

// Deps bundles the Orchestrator's collaborators so New doesn't take a
// dozen positional arguments.
type Deps struct {
	Gateway           *dbgateway.Gateway
	Queue             *queue.Runtime
	Store             *stagestore.Store
	Bus               *progressbus.Bus
	Locks             *polock.Manager
	Persistence       *persistence.Service
	AIParser          collaborators.AIParser
	Shopify           collaborators.ShopifyClient
	Images            collaborators.ImageSearcher
	FileFetcher       FileFetcher
	AsyncImageDefault bool
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		gw: d.Gateway, q: d.Queue, store: d.Store, bus: d.Bus, locks: d.Locks,
		persistence: d.Persistence, aiParser: d.AIParser, shopify: d.Shopify,
		images: d.Images, fileFetcher: d.FileFetcher, asyncImageDefault: d.AsyncImageDefault,
	}
}

// RegisterHandlers binds every stage queue to its handler, plus the
// background_image_processing queue, at its declared concurrency
// (1-5; background_image_processing pinned at 1).
func (o *Orchestrator) RegisterHandlers(ctx context.Context) error {
	handlers := map[string]struct {
		fn          queue.Handler
		concurrency int
	}{
		queue.QueueAIParsing:                 {o.handleAIParsing, 3},
		queue.QueueDatabaseSave:              {o.handleDatabaseSave, 5},
		queue.QueueDataNormalization:         {o.handleDataNormalization, 5},
		queue.QueueMerchantConfig:            {o.handleMerchantConfig, 5},
		queue.QueueAIEnrichment:              {o.handleAIEnrichment, 2},
		queue.QueueShopifyPayload:            {o.handleShopifyPayload, 5},
		queue.QueueProductDraftCreation:      {o.handleProductDraftCreation, 5},
		queue.QueueImageAttachment:           {o.handleImageAttachment, 3},
		queue.QueueShopifySync:               {o.handleShopifySync, 3},
		queue.QueueStatusUpdate:              {o.handleStatusUpdate, 5},
		queue.QueueBackgroundImageProcessing: {o.handleBackgroundImageProcessing, 1},
	}
	for name, h := range handlers {
		if err := o.q.Register(ctx, name, timed(name, h.fn), h.concurrency); err != nil {
			return err
		}
	}
	return nil
}

// timed wraps a stage handler with a StageDuration observation so every
// registered queue reports its own latency distribution.
func timed(stage string, fn queue.Handler) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		t := metrics.NewTimer()
		defer t.ObserveDurationVec(metrics.StageDuration, stage)
		return fn(ctx, job)
	}
}

// StartWorkflow creates the WorkflowExecution, links it into the
// Upload's metadata, and enqueues ai_parsing.
func (o *Orchestrator) StartWorkflow(ctx context.Context, in StartInput) (string, error) {
	workflowID := uuid.New().String()

	err := o.gw.Transaction(ctx, func(db *gorm.DB) error {
		we := models.WorkflowExecution{
			WorkflowID:      workflowID,
			PurchaseOrderID: parseUUID(in.PurchaseOrderID),
			MerchantID:      parseUUID(in.MerchantID),
			Status:          models.WorkflowPending,
			CurrentStage:    "",
			CreatedAt:       time.Now(),
			UpdatedAt:       time.Now(),
		}
		if err := db.Create(&we).Error; err != nil {
			return err
		}

		var upload models.Upload
		if err := db.Where("id = ?", in.UploadID).First(&upload).Error; err != nil {
			return ierr.New(ctx, msgs.MsgUploadNotFound, in.UploadID)
		}
		upload.SetWorkflowID(workflowID)
		return db.Model(&upload).Update("metadata", upload.Metadata).Error
	}, dbgateway.TxOptions{})
	if err != nil {
		return "", err
	}

	payload := StagePayload{WorkflowID: workflowID, POID: in.PurchaseOrderID, MerchantID: in.MerchantID, UploadID: in.UploadID}
	if _, err := o.q.Enqueue(ctx, queue.QueueAIParsing, payload, queue.EnqueueOptions{Priority: 0, Attempts: 3}); err != nil {
		return "", err
	}
	return workflowID, nil
}

// advance persists the stage's output, updates WorkflowExecution,
// releases the PO lock (if held), publishes progress, and enqueues the
// next stage — in that order, so the lock is always released before
// progress publication.
func (o *Orchestrator) advance(ctx context.Context, p StagePayload, stage string, output interface{}, lock *polock.Lock) error {
	if err := o.store.SaveStageResult(ctx, p.WorkflowID, stage, output); err != nil {
		log.L(ctx).Warnf("failed to persist stage result for %s/%s: %s", p.WorkflowID, stage, err)
	}

	idx := stageIndex(stage)
	percent := ((idx + 1) * 100) / len(stageOrder)

	err := o.gw.RunRetryable(ctx, func(db *gorm.DB) error {
		updates := map[string]interface{}{
			"current_stage":    stage,
			"progress_percent": percent,
			"stages_completed": idx + 1,
			"updated_at":       time.Now(),
			"status":           models.WorkflowProcessing,
		}
		return db.Model(&models.WorkflowExecution{}).Where("workflow_id = ?", p.WorkflowID).Updates(updates).Error
	})

	if lock != nil {
		if rerr := lock.Release(ctx); rerr != nil {
			log.L(ctx).Warnf("failed to release PO lock for %s: %s", p.POID, rerr)
		}
	}
	if err != nil {
		return err
	}

	o.bus.Stage(ctx, p.MerchantID, p.WorkflowID, stage)
	o.bus.Progress(ctx, p.MerchantID, p.WorkflowID, percent)

	if next, ok := nextStage(stage); ok {
		_, enqErr := o.q.Enqueue(ctx, next, p, queue.EnqueueOptions{Priority: 0, Attempts: 3})
		return enqErr
	}
	return o.complete(ctx, p)
}

func (o *Orchestrator) complete(ctx context.Context, p StagePayload) error {
	now := time.Now()
	err := o.gw.RunRetryable(ctx, func(db *gorm.DB) error {
		return db.Model(&models.WorkflowExecution{}).Where("workflow_id = ?", p.WorkflowID).
			Updates(map[string]interface{}{"status": models.WorkflowCompleted, "completed_at": &now, "updated_at": now}).Error
	})
	if err != nil {
		return err
	}
	o.bus.Completion(ctx, p.MerchantID, p.WorkflowID, nil)
	return nil
}

// failWorkflow marks the WorkflowExecution failed, the PO failed, and
// publishes an error event.
func (o *Orchestrator) failWorkflow(ctx context.Context, p StagePayload, stage string, cause error) {
	log.L(ctx).Errorf("workflow %s failed at stage %s: %s", p.WorkflowID, stage, cause)
	metrics.StageFailuresTotal.WithLabelValues(stage).Inc()

	err := o.gw.RunRetryable(ctx, func(db *gorm.DB) error {
		var we models.WorkflowExecution
		if ferr := db.Where("workflow_id = ?", p.WorkflowID).First(&we).Error; ferr != nil {
			return ferr
		}
		if we.StageErrors == nil {
			we.StageErrors = models.JSONMap{}
		}
		we.StageErrors[stage] = cause.Error()
		updates := map[string]interface{}{
			"status":        models.WorkflowFailed,
			"failed_stage":  stage,
			"error_message": cause.Error(),
			"stage_errors":  we.StageErrors,
			"updated_at":    time.Now(),
		}
		if uerr := db.Model(&we).Updates(updates).Error; uerr != nil {
			return uerr
		}
		if p.POID == "" {
			return nil
		}
		return db.Model(&models.PurchaseOrder{}).Where("id = ?", p.POID).
			Update("status", models.POStatusFailed).Error
	})
	if err != nil {
		log.L(ctx).Errorf("failed to record failure for workflow %s: %s", p.WorkflowID, err)
	}
	o.bus.Error(ctx, p.MerchantID, p.WorkflowID, stage, cause.Error())
}

func stageIndex(stage string) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return 0
}

func parseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
