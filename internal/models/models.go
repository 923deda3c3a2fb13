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

// Package models holds the gorm row structs for every durable entity
// this core persists. Column tags use explicit `gorm:"column:..."`
// names rather than relying on gorm's default snake_case inference, so
// the schema is reviewable independent of Go field names.
package models

import (
	"time"

	"github.com/google/uuid"
)

// JSONMap is a map persisted as JSONB through gorm's json serializer
// (the serializer:json column tag) instead of raw []byte.
type JSONMap map[string]interface{}

// MerchantStatus enumerates Merchant.status.
type MerchantStatus string

const (
	MerchantActive   MerchantStatus = "active"
	MerchantInactive MerchantStatus = "inactive"
)

type Merchant struct {
	ID         uuid.UUID      `gorm:"column:id;primaryKey"`
	ShopDomain string         `gorm:"column:shop_domain;uniqueIndex"`
	Status     MerchantStatus `gorm:"column:status"`
	Settings   JSONMap        `gorm:"column:settings;serializer:json"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (Merchant) TableName() string { return "merchants" }

// IsActive reports whether the merchant may currently be the target of
// new workflows.
func (m *Merchant) IsActive() bool { return m.Status == MerchantActive }

// SequentialWorkflow reads the per-merchant feature-flag override that
// chooses between the sequential stage DAG and the legacy workflow.
func (m *Merchant) SequentialWorkflow() bool {
	if m.Settings == nil {
		return true
	}
	v, ok := m.Settings["sequentialWorkflow"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	if !ok {
		return true
	}
	return b
}

// AsyncImageProcessing reads the per-merchant override of the global
// async-image-processing flag; absent means "use the global default",
// signalled by returning ok=false.
func (m *Merchant) AsyncImageProcessing() (value bool, ok bool) {
	if m.Settings == nil {
		return false, false
	}
	v, present := m.Settings["asyncImageProcessing"]
	if !present {
		return false, false
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, false
	}
	return b, true
}

type UploadStatus string

const (
	UploadStatusUploaded   UploadStatus = "uploaded"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

type Upload struct {
	ID               uuid.UUID    `gorm:"column:id;primaryKey"`
	MerchantID       uuid.UUID    `gorm:"column:merchant_id;index"`
	FileName         string       `gorm:"column:file_name"`
	OriginalFileName string       `gorm:"column:original_file_name"`
	FileSize         int64        `gorm:"column:file_size"`
	MimeType         string       `gorm:"column:mime_type"`
	FileURL          string       `gorm:"column:file_url"`
	Status           UploadStatus `gorm:"column:status"`
	Metadata         JSONMap      `gorm:"column:metadata;serializer:json"`
	CreatedAt        time.Time    `gorm:"column:created_at"`
}

func (Upload) TableName() string { return "uploads" }

// PurchaseOrderID returns the authoritative PO id carried in
// metadata.purchaseOrderId, or uuid.Nil if unset.
func (u *Upload) PurchaseOrderID() uuid.UUID {
	if u.Metadata == nil {
		return uuid.Nil
	}
	raw, ok := u.Metadata["purchaseOrderId"]
	if !ok {
		return uuid.Nil
	}
	s, ok := raw.(string)
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// SetPurchaseOrderID writes the workflow's resolved PO id into metadata.
func (u *Upload) SetPurchaseOrderID(id uuid.UUID) {
	if u.Metadata == nil {
		u.Metadata = JSONMap{}
	}
	u.Metadata["purchaseOrderId"] = id.String()
}

// SetWorkflowID writes the running WorkflowExecution id into metadata,
// so reprocess / status lookups can find it.
func (u *Upload) SetWorkflowID(workflowID string) {
	if u.Metadata == nil {
		u.Metadata = JSONMap{}
	}
	u.Metadata["workflowId"] = workflowID
}

type POStatus string

const (
	POStatusProcessing   POStatus = "processing"
	POStatusReviewNeeded POStatus = "review_needed"
	POStatusCompleted    POStatus = "completed"
	POStatusFailed       POStatus = "failed"
	POStatusDenied       POStatus = "denied"
)

type POJobStatus string

const (
	POJobPending   POJobStatus = "pending"
	POJobRunning   POJobStatus = "running"
	POJobCompleted POJobStatus = "completed"
	POJobFailed    POJobStatus = "failed"
)

type PurchaseOrder struct {
	ID            uuid.UUID   `gorm:"column:id;primaryKey"`
	MerchantID    uuid.UUID   `gorm:"column:merchant_id;index:idx_po_merchant_number,unique"`
	Number        string      `gorm:"column:number;index:idx_po_merchant_number,unique"`
	SupplierName  string      `gorm:"column:supplier_name"`
	OrderDate     *time.Time  `gorm:"column:order_date"`
	DueDate       *time.Time  `gorm:"column:due_date"`
	TotalAmount   float64     `gorm:"column:total_amount"`
	Currency      string      `gorm:"column:currency"`
	Status        POStatus    `gorm:"column:status"`
	Confidence    float64     `gorm:"column:confidence"`
	JobStatus     POJobStatus `gorm:"column:job_status"`
	JobError      string      `gorm:"column:job_error"`
	RawData       JSONMap     `gorm:"column:raw_data;serializer:json"`
	FileName      string      `gorm:"column:file_name"`
	FileSize      int64       `gorm:"column:file_size"`
	CreatedAt     time.Time   `gorm:"column:created_at"`
	UpdatedAt     time.Time   `gorm:"column:updated_at"`
	CompletedAt   *time.Time  `gorm:"column:completed_at"`
}

func (PurchaseOrder) TableName() string { return "purchase_orders" }

// Stale reports whether this PO has gone without an update longer than
// threshold, the Reconciler's liveness signal.
func (po *PurchaseOrder) Stale(threshold time.Duration, now time.Time) bool {
	return now.Sub(po.UpdatedAt) >= threshold
}

type POLineItem struct {
	ID              uuid.UUID `gorm:"column:id;primaryKey"`
	PurchaseOrderID uuid.UUID `gorm:"column:purchase_order_id;index"`
	SKU             string    `gorm:"column:sku"`
	ProductName     string    `gorm:"column:product_name"`
	Description     string    `gorm:"column:description"`
	Quantity        int       `gorm:"column:quantity"`
	UnitCost        float64   `gorm:"column:unit_cost"`
	TotalCost       float64   `gorm:"column:total_cost"`
	Confidence      float64   `gorm:"column:confidence"`
	RawData         JSONMap   `gorm:"column:raw_data;serializer:json"`
}

func (POLineItem) TableName() string { return "po_line_items" }

// Recompute enforces invariant 2: totalCost ≈ quantity × unitCost.
func (li *POLineItem) Recompute() {
	if li.Quantity <= 0 {
		li.Quantity = 1
	}
	li.TotalCost = float64(li.Quantity) * li.UnitCost
}

type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowProcessing WorkflowStatus = "processing"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
)

type WorkflowExecution struct {
	WorkflowID        string         `gorm:"column:workflow_id;primaryKey"`
	PurchaseOrderID   uuid.UUID      `gorm:"column:purchase_order_id;index"`
	MerchantID        uuid.UUID      `gorm:"column:merchant_id;index"`
	Status            WorkflowStatus `gorm:"column:status"`
	CurrentStage      string         `gorm:"column:current_stage"`
	FailedStage       string         `gorm:"column:failed_stage"`
	ProgressPercent   int            `gorm:"column:progress_percent"`
	StagesCompleted   int            `gorm:"column:stages_completed"`
	StageErrors       JSONMap        `gorm:"column:stage_errors;serializer:json"`
	ErrorMessage      string         `gorm:"column:error_message"`
	CreatedAt         time.Time      `gorm:"column:created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at"`
	CompletedAt       *time.Time     `gorm:"column:completed_at"`
}

func (WorkflowExecution) TableName() string { return "workflow_executions" }

// Stale reports whether this execution is still "processing" but has
// not advanced in threshold duration.
func (w *WorkflowExecution) Stale(threshold time.Duration, now time.Time) bool {
	return w.Status == WorkflowProcessing && now.Sub(w.UpdatedAt) >= threshold
}

// AuditRecord is downstream of the persistence stage, created but
// never mutated by orchestration.
type AuditRecord struct {
	ID              uuid.UUID `gorm:"column:id;primaryKey"`
	PurchaseOrderID uuid.UUID `gorm:"column:purchase_order_id;index"`
	Confidence      float64   `gorm:"column:confidence"`
	RawPayloadRef   string    `gorm:"column:raw_payload_ref"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (AuditRecord) TableName() string { return "ai_audit_records" }

// AllTables lists every model for AutoMigrate/migration bootstrapping.
func AllTables() []interface{} {
	return []interface{}{
		&Merchant{}, &Upload{}, &PurchaseOrder{}, &POLineItem{},
		&WorkflowExecution{}, &AuditRecord{},
	}
}

// NewID is the uuid generator used throughout the core for every
// primary key.
func NewID() uuid.UUID { return uuid.New() }
