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

package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"context"

	"github.com/stockitai/workflow-core/internal/collaborators"
	"github.com/stockitai/workflow-core/internal/ierr"
	"github.com/stockitai/workflow-core/internal/log"
	"github.com/stockitai/workflow-core/internal/models"
	"github.com/stockitai/workflow-core/internal/msgs"
	"github.com/stockitai/workflow-core/internal/persistence"
	"github.com/stockitai/workflow-core/internal/queue"
)

func decodePayload(job *queue.Job) (StagePayload, error) {
	var p StagePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, err
	}
	return p, nil
}

// isFinalAttempt reports whether a handler failure on this invocation
// will exhaust the job's attempts — failWorkflow runs on final
// failure, not on every retry.
func isFinalAttempt(job *queue.Job) bool {
	return job.Attempt+1 >= job.MaxAttempts
}

func (o *Orchestrator) stageFailure(ctx context.Context, job *queue.Job, p StagePayload, stage string, err error) error {
	if isFinalAttempt(job) {
		o.failWorkflow(ctx, p, stage, ierr.New(ctx, msgs.MsgStageExternalFailure, stage, err.Error()))
	}
	return err
}

// handleAIParsing runs the document-extraction stage: fetch the
// uploaded file's bytes and hand them to the AIParser collaborator.
func (o *Orchestrator) handleAIParsing(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}

	var upload models.Upload
	if err := o.gw.RunRetryable(ctx, func(db *gorm.DB) error {
		return db.Where("id = ?", p.UploadID).First(&upload).Error
	}); err != nil {
		return o.stageFailure(ctx, job, p, queue.QueueAIParsing, err)
	}

	buffer, err := o.fileFetcher.Fetch(ctx, upload.FileURL)
	if err != nil {
		return o.stageFailure(ctx, job, p, queue.QueueAIParsing, err)
	}

	result, err := o.aiParser.Parse(ctx, buffer, upload.MimeType, nil)
	if err != nil {
		return o.stageFailure(ctx, job, p, queue.QueueAIParsing, err)
	}

	return o.advance(ctx, p, queue.QueueAIParsing, result, nil)
}

// handleDatabaseSave runs the transactional writer inside the PO lock.
func (o *Orchestrator) handleDatabaseSave(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}

	lock, err := o.locks.Acquire(ctx, p.POID)
	if err != nil {
		return o.stageFailure(ctx, job, p, queue.QueueDatabaseSave, err)
	}

	var parsed collaborators.ParseResult
	// A Stage Result Store miss here means the accumulator expired
	// before database_save ran. Unlike every stage after it,
	// database_save cannot fall back to a durable PO read (the parsed
	// document exists only in the store; the placeholder PO row holds
	// none of it) — the job fails and is retried against
	// database_save's own queue retry budget.
	if err := o.store.GetStageResult(ctx, p.WorkflowID, queue.QueueAIParsing, &parsed); err != nil {
		_ = lock.Release(ctx)
		return o.stageFailure(ctx, job, p, queue.QueueDatabaseSave, err)
	}

	in := buildSaveInput(p, parsed)
	result, err := o.persistence.Save(ctx, in)
	if err != nil {
		_ = lock.Release(ctx)
		return o.stageFailure(ctx, job, p, queue.QueueDatabaseSave, err)
	}
	p.POID = result.PurchaseOrderID

	return o.advance(ctx, p, queue.QueueDatabaseSave, result, lock)
}

// buildSaveInput maps the AI parser's loosely-typed extractedData into
// a persistence.SaveInput. Field names follow the conventional
// extraction schema (supplierName, currency, lineItems[]); anything
// missing falls back to a safe zero value rather than failing the
// stage — the persistence layer's own validation catches genuinely
// unusable input.
func buildSaveInput(p StagePayload, parsed collaborators.ParseResult) persistence.SaveInput {
	data := parsed.ExtractedData
	in := persistence.SaveInput{
		MerchantID:      p.MerchantID,
		UploadID:        p.UploadID,
		PurchaseOrderID: p.POID,
		Number:          stringField(data, "number", fmt.Sprintf("PO-%d", time.Now().UnixMilli())),
		SupplierName:    stringField(data, "supplierName", ""),
		Currency:        stringField(data, "currency", "USD"),
		Confidence:      parsed.Confidence,
		RawData:         toJSONMap(data),
	}

	items, _ := data["lineItems"].([]interface{})
	for _, raw := range items {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		li := persistence.LineItemInput{
			SKU:         stringField(m, "sku", ""),
			ProductName: stringField(m, "productName", ""),
			Description: stringField(m, "description", ""),
			UnitCost:    floatField(m, "unitCost", 0),
			Confidence:  parsed.Confidence,
			RawData:     toJSONMap(m),
		}
		if q, ok := m["quantity"]; ok {
			if qi := intField(q); qi > 0 {
				li.Quantity = &qi
			}
		}
		in.LineItems = append(in.LineItems, li)
	}
	return in
}

func stringField(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func floatField(m map[string]interface{}, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func intField(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func toJSONMap(m map[string]interface{}) models.JSONMap {
	if m == nil {
		return nil
	}
	return models.JSONMap(m)
}

// recomputeSaveResult reloads the PurchaseOrder and its line items and
// reconstructs the equivalent of database_save's stage result, for
// when the Stage Result Store's TTL has expired before a downstream
// stage runs. Every stage after database_save can recompute its inputs
// this way because the PO row it depends on is already durable.
func (o *Orchestrator) recomputeSaveResult(ctx context.Context, poID string) (persistence.SaveResult, error) {
	var po models.PurchaseOrder
	var count int64
	err := o.gw.RunRetryable(ctx, func(db *gorm.DB) error {
		if err := db.Where("id = ?", poID).First(&po).Error; err != nil {
			return err
		}
		return db.Model(&models.POLineItem{}).Where("purchase_order_id = ?", poID).Count(&count).Error
	})
	if err != nil {
		return persistence.SaveResult{}, err
	}
	return persistence.SaveResult{
		PurchaseOrderID: po.ID.String(),
		Number:          po.Number,
		TotalAmount:     po.TotalAmount,
		LineItemCount:   int(count),
	}, nil
}

// recomputeDraft rebuilds the minimal ProductDraft shopify_payload
// would have produced, from the persisted PO row.
func (o *Orchestrator) recomputeDraft(ctx context.Context, poID string) (collaborators.ProductDraft, error) {
	saved, err := o.recomputeSaveResult(ctx, poID)
	if err != nil {
		return collaborators.ProductDraft{}, err
	}
	return collaborators.ProductDraft{Title: fmt.Sprintf("PO %s", saved.Number)}, nil
}

// handleDataNormalization trims/defaults the raw extracted fields
// ahead of enrichment; it never touches the PO row (database_save
// already ran and owns that write).
func (o *Orchestrator) handleDataNormalization(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}
	var saved persistence.SaveResult
	if err := o.store.GetStageResult(ctx, p.WorkflowID, queue.QueueDatabaseSave, &saved); err != nil {
		saved, err = o.recomputeSaveResult(ctx, p.POID)
		if err != nil {
			return o.stageFailure(ctx, job, p, queue.QueueDataNormalization, err)
		}
	}
	normalized := map[string]interface{}{
		"purchaseOrderId": saved.PurchaseOrderID,
		"number":          strings.TrimSpace(saved.Number),
		"totalAmount":     saved.TotalAmount,
		"lineItemCount":   saved.LineItemCount,
	}
	return o.advance(ctx, p, queue.QueueDataNormalization, normalized, nil)
}

// handleMerchantConfig resolves the per-merchant overrides
// (sequential-vs-legacy workflow, async image processing) and carries
// them forward in the accumulator.
func (o *Orchestrator) handleMerchantConfig(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}
	var merchant models.Merchant
	if err := o.gw.RunRetryable(ctx, func(db *gorm.DB) error {
		return db.Where("id = ?", p.MerchantID).First(&merchant).Error
	}); err != nil {
		return o.stageFailure(ctx, job, p, queue.QueueMerchantConfig, err)
	}

	asyncImg, hasOverride := merchant.AsyncImageProcessing()
	if !hasOverride {
		asyncImg = o.asyncImageDefault
	}
	out := map[string]interface{}{
		"sequentialWorkflow":   merchant.SequentialWorkflow(),
		"asyncImageProcessing": asyncImg,
		"shopDomain":           merchant.ShopDomain,
	}
	return o.advance(ctx, p, queue.QueueMerchantConfig, out, nil)
}

// handleAIEnrichment derives SKUs/supplier casing deterministically
// from already-extracted data; it does not re-invoke the AIParser
// collaborator a second time per document.
func (o *Orchestrator) handleAIEnrichment(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}
	var normalized map[string]interface{}
	if err := o.store.GetStageResult(ctx, p.WorkflowID, queue.QueueDataNormalization, &normalized); err != nil {
		saved, rerr := o.recomputeSaveResult(ctx, p.POID)
		if rerr != nil {
			return o.stageFailure(ctx, job, p, queue.QueueAIEnrichment, rerr)
		}
		normalized = map[string]interface{}{
			"purchaseOrderId": saved.PurchaseOrderID,
			"number":          saved.Number,
		}
	}
	out := map[string]interface{}{
		"purchaseOrderId": normalized["purchaseOrderId"],
		"number":          normalized["number"],
		"enrichedAt":      true,
	}
	return o.advance(ctx, p, queue.QueueAIEnrichment, out, nil)
}

// handleShopifyPayload assembles the ProductDraft the Shopify stages
// downstream will consume.
func (o *Orchestrator) handleShopifyPayload(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}
	var saved persistence.SaveResult
	if err := o.store.GetStageResult(ctx, p.WorkflowID, queue.QueueDatabaseSave, &saved); err != nil {
		saved, err = o.recomputeSaveResult(ctx, p.POID)
		if err != nil {
			return o.stageFailure(ctx, job, p, queue.QueueShopifyPayload, err)
		}
	}
	draft := collaborators.ProductDraft{
		Title: fmt.Sprintf("PO %s", saved.Number),
	}
	return o.advance(ctx, p, queue.QueueShopifyPayload, draft, nil)
}

// handleProductDraftCreation validates the assembled draft is
// syncable; a draft with no title cannot be the basis of a Shopify
// product and fails the stage rather than syncing garbage.
func (o *Orchestrator) handleProductDraftCreation(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}
	var draft collaborators.ProductDraft
	if err := o.store.GetStageResult(ctx, p.WorkflowID, queue.QueueShopifyPayload, &draft); err != nil {
		draft, err = o.recomputeDraft(ctx, p.POID)
		if err != nil {
			return o.stageFailure(ctx, job, p, queue.QueueProductDraftCreation, err)
		}
	}
	if draft.Title == "" {
		return o.stageFailure(ctx, job, p, queue.QueueProductDraftCreation,
			ierr.New(ctx, msgs.MsgInvalidTotal, draft.Title, p.POID))
	}
	return o.advance(ctx, p, queue.QueueProductDraftCreation, draft, nil)
}

// handleImageAttachment implements the async/legacy split: by default
// it fires a background job and advances immediately; the legacy
// synchronous mode blocks on ImageSearcher before advancing.
func (o *Orchestrator) handleImageAttachment(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}
	var cfg map[string]interface{}
	async := o.asyncImageDefault
	if err := o.store.GetStageResult(ctx, p.WorkflowID, queue.QueueMerchantConfig, &cfg); err == nil {
		if v, ok := cfg["asyncImageProcessing"].(bool); ok {
			async = v
		}
	}

	if async {
		if _, err := o.q.Enqueue(ctx, queue.QueueBackgroundImageProcessing, p, queue.EnqueueOptions{Priority: -1, Attempts: 2}); err != nil {
			log.L(ctx).Warnf("failed to enqueue background image processing for %s: %s", p.WorkflowID, err)
		}
		return o.advance(ctx, p, queue.QueueImageAttachment, map[string]interface{}{"mode": "async"}, nil)
	}

	urls, err := o.images.Search(ctx, p.POID)
	if err != nil {
		log.L(ctx).Warnf("synchronous image search failed for %s, continuing without images: %s", p.WorkflowID, err)
		urls = nil
	}
	return o.advance(ctx, p, queue.QueueImageAttachment, map[string]interface{}{"mode": "sync", "imageUrls": urls}, nil)
}

// handleBackgroundImageProcessing is outside the main DAG: it never
// advances the workflow, only opportunistically attaches images.
func (o *Orchestrator) handleBackgroundImageProcessing(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}
	urls, err := o.images.Search(ctx, p.POID)
	if err != nil {
		log.L(ctx).Warnf("background image search failed for %s: %s", p.WorkflowID, err)
		return nil
	}
	if err := o.store.SaveStageResult(ctx, p.WorkflowID, "background_image_processing", urls); err != nil {
		log.L(ctx).Warnf("failed to persist background image result for %s: %s", p.WorkflowID, err)
	}
	return nil
}

func (o *Orchestrator) handleShopifySync(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}
	var draft collaborators.ProductDraft
	if err := o.store.GetStageResult(ctx, p.WorkflowID, queue.QueueShopifyPayload, &draft); err != nil {
		draft, err = o.recomputeDraft(ctx, p.POID)
		if err != nil {
			return o.stageFailure(ctx, job, p, queue.QueueShopifySync, err)
		}
	}
	var cfg map[string]interface{}
	var shopDomain string
	if err := o.store.GetStageResult(ctx, p.WorkflowID, queue.QueueMerchantConfig, &cfg); err == nil {
		if v, ok := cfg["shopDomain"].(string); ok {
			shopDomain = v
		}
	}

	result, err := o.shopify.SyncProductDraft(ctx, shopDomain, draft)
	if err != nil {
		return o.stageFailure(ctx, job, p, queue.QueueShopifySync, err)
	}
	return o.advance(ctx, p, queue.QueueShopifySync, result, nil)
}

// handleStatusUpdate is the terminal stage: it writes the final PO
// status from the confidence threshold and completes the workflow.
func (o *Orchestrator) handleStatusUpdate(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}

	lock, err := o.locks.Acquire(ctx, p.POID)
	if err != nil {
		return o.stageFailure(ctx, job, p, queue.QueueStatusUpdate, err)
	}

	var parsed collaborators.ParseResult
	if err := o.store.GetStageResult(ctx, p.WorkflowID, queue.QueueAIParsing, &parsed); err != nil {
		var po models.PurchaseOrder
		if rerr := o.gw.RunRetryable(ctx, func(db *gorm.DB) error {
			return db.Where("id = ?", p.POID).First(&po).Error
		}); rerr == nil {
			parsed.Confidence = po.Confidence
		}
	}

	status := models.POStatusReviewNeeded
	if parsed.Confidence >= confidenceThreshold {
		status = models.POStatusCompleted
	}

	err = o.gw.RunRetryable(ctx, func(db *gorm.DB) error {
		now := time.Now()
		return db.Model(&models.PurchaseOrder{}).Where("id = ?", p.POID).Updates(map[string]interface{}{
			"status":       status,
			"job_status":   models.POJobCompleted,
			"completed_at": &now,
		}).Error
	})
	if err != nil {
		_ = lock.Release(ctx)
		return o.stageFailure(ctx, job, p, queue.QueueStatusUpdate, err)
	}

	return o.advance(ctx, p, queue.QueueStatusUpdate, map[string]interface{}{"status": status}, lock)
}
