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

// Package persistence is the transactional writer invoked by the
// database_save stage. It owns every write to PurchaseOrder and
// POLineItem, and is the one place PO-number conflict resolution
// happens.
//
// Modeled on a persisted-write pattern of a pre-transaction
// preparation step followed by a single gorm transaction doing
// UPDATE-or-INSERT, a replace-all child-row step, and a verification
// read of the line-item count inside the transaction, before commit.
package persistence

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stockitai/workflow-core/internal/dbgateway"
	"github.com/stockitai/workflow-core/internal/ierr"
	"github.com/stockitai/workflow-core/internal/log"
	"github.com/stockitai/workflow-core/internal/models"
	"github.com/stockitai/workflow-core/internal/msgs"
)

// LineItemInput is one AI-extracted line, pre-coercion.
type LineItemInput struct {
	SKU         string
	ProductName string
	Description string
	Quantity    *int // nil means "parse from ProductName"
	UnitCost    float64
	Confidence  float64
	RawData     models.JSONMap
}

// SaveInput is everything the database_save stage hands to the
// persistence service after its pre-transaction preparation.
type SaveInput struct {
	MerchantID      string
	UploadID        string
	PurchaseOrderID string // from Upload.metadata.purchaseOrderId, may be empty
	Number          string // AI-proposed number (placeholder overwritten on CREATE conflict)
	SupplierName    string
	OrderDate       *time.Time
	DueDate         *time.Time
	Currency        string
	Confidence      float64
	RawData         models.JSONMap
	RawPayloadRef   string
	LineItems       []LineItemInput
}

// SaveResult is what database_save persists to the stage store.
type SaveResult struct {
	PurchaseOrderID string
	Number          string
	TotalAmount     float64
	LineItemCount   int
}

// Service wraps the Database Gateway with the domain-specific
// transaction body.
type Service struct {
	gw *dbgateway.Gateway
}

func New(gw *dbgateway.Gateway) *Service { return &Service{gw: gw} }

const maxNumericSuffix = 10

// Save runs the full database_save transaction. Supplier
// fuzzy-matching is intentionally not modeled here: document
// parsing/extraction is an external collaborator concern, and by the
// time input reaches Save the AI stage has already resolved
// SupplierName — this method's "pre-transaction" step is limited to
// what stays inside this core (quantity coercion), done at the top of
// Save before the transaction opens, so it never runs inside it.
func (s *Service) Save(ctx context.Context, in SaveInput) (SaveResult, error) {
	coerced := make([]LineItemInput, len(in.LineItems))
	for i, li := range in.LineItems {
		coerced[i] = li
		if coerced[i].Quantity == nil {
			q := ParseQuantity(li.ProductName)
			coerced[i].Quantity = &q
		}
	}

	var result SaveResult
	err := s.gw.Transaction(ctx, func(tx *gorm.DB) error {
		po, err := s.upsertPurchaseOrder(ctx, tx, in)
		if err != nil {
			return err
		}

		if err := tx.Where("purchase_order_id = ?", po.ID).Delete(&models.POLineItem{}).Error; err != nil {
			return err
		}

		total := 0.0
		rows := make([]models.POLineItem, 0, len(coerced))
		for _, li := range coerced {
			row := models.POLineItem{
				ID:              models.NewID(),
				PurchaseOrderID: po.ID,
				SKU:             li.SKU,
				ProductName:     li.ProductName,
				Description:     li.Description,
				Quantity:        *li.Quantity,
				UnitCost:        li.UnitCost,
				Confidence:      li.Confidence,
				RawData:         li.RawData,
			}
			row.Recompute()
			total += row.TotalCost
			rows = append(rows, row)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return err
			}
		}

		po.TotalAmount = total
		if err := tx.Model(&models.PurchaseOrder{}).Where("id = ?", po.ID).
			Update("total_amount", total).Error; err != nil {
			return err
		}

		audit := models.AuditRecord{
			ID:              models.NewID(),
			PurchaseOrderID: po.ID,
			Confidence:      in.Confidence,
			RawPayloadRef:   in.RawPayloadRef,
			CreatedAt:       time.Now(),
		}
		if err := tx.Create(&audit).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.POLineItem{}).Where("purchase_order_id = ?", po.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 && len(in.LineItems) > 0 {
			return ierr.New(ctx, msgs.MsgZeroLineItemsInserted, po.ID.String())
		}

		result = SaveResult{
			PurchaseOrderID: po.ID.String(),
			Number:          po.Number,
			TotalAmount:     total,
			LineItemCount:   len(rows),
		}
		return nil
	}, dbgateway.TxOptions{Timeout: 15 * time.Second})

	return result, err
}

// upsertPurchaseOrder dispatches to the UPDATE or CREATE path.
func (s *Service) upsertPurchaseOrder(ctx context.Context, tx *gorm.DB, in SaveInput) (*models.PurchaseOrder, error) {
	if in.PurchaseOrderID != "" {
		return s.updatePath(ctx, tx, in)
	}
	return s.createPath(ctx, tx, in)
}

// updatePath keeps the incumbent number unconditionally — the AI's
// proposed number is simply discarded on this path.
func (s *Service) updatePath(ctx context.Context, tx *gorm.DB, in SaveInput) (*models.PurchaseOrder, error) {
	var po models.PurchaseOrder
	if err := tx.Where("id = ?", in.PurchaseOrderID).First(&po).Error; err != nil {
		return nil, ierr.New(ctx, msgs.MsgPONotFound, in.PurchaseOrderID)
	}

	po.SupplierName = in.SupplierName
	po.OrderDate = in.OrderDate
	po.DueDate = in.DueDate
	po.Currency = in.Currency
	po.Confidence = in.Confidence
	po.RawData = in.RawData
	po.UpdatedAt = time.Now()
	// Number is deliberately left untouched: UPDATE path never appends
	// a suffix and never adopts the AI-proposed number.
	if err := tx.Save(&po).Error; err != nil {
		if dbgateway.Classify(err) == dbgateway.ClassUniqueViolation {
			// Retry once with the same (unchanged) number — a collision
			// on UPDATE should not occur since the number field is
			// untouched, but one retry guards against a concurrent
			// unrelated write to the same row.
			if err2 := tx.Save(&po).Error; err2 != nil {
				return nil, err2
			}
			return &po, nil
		}
		return nil, err
	}
	return &po, nil
}

// createPath runs the numeric-suffix probe inside the same transaction
// so it is covered by the warmup gate.
func (s *Service) createPath(ctx context.Context, tx *gorm.DB, in SaveInput) (*models.PurchaseOrder, error) {
	number, err := s.resolveCreateNumber(ctx, tx, in.MerchantID, in.Number)
	if err != nil {
		return nil, err
	}

	merchantID, err := uuid.Parse(in.MerchantID)
	if err != nil {
		return nil, ierr.New(ctx, msgs.MsgMerchantNotFound, in.MerchantID)
	}
	po := models.PurchaseOrder{
		ID:           models.NewID(),
		MerchantID:   merchantID,
		Number:       number,
		SupplierName: in.SupplierName,
		OrderDate:    in.OrderDate,
		DueDate:      in.DueDate,
		Currency:     in.Currency,
		Status:       models.POStatusProcessing,
		Confidence:   in.Confidence,
		JobStatus:    models.POJobRunning,
		RawData:      in.RawData,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := tx.Create(&po).Error; err != nil {
		return nil, err
	}
	return &po, nil
}

// resolveCreateNumber finds the next free (merchantId, number): base
// number first, then -1..-10, then an epoch fallback.
func (s *Service) resolveCreateNumber(ctx context.Context, tx *gorm.DB, merchantID, base string) (string, error) {
	var existing []models.PurchaseOrder
	if err := tx.Where("merchant_id = ? AND number LIKE ?", merchantID, base+"%").Find(&existing).Error; err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, po := range existing {
		taken[po.Number] = true
	}
	if !taken[base] {
		return base, nil
	}
	for i := 1; i <= maxNumericSuffix; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	log.L(ctx).Warnf("exhausted numeric suffixes -1..-%d for PO number %s, falling back to epoch suffix", maxNumericSuffix, base)
	return fmt.Sprintf("%s-%d", base, time.Now().UnixMilli()), nil
}

// quantityPattern matches common case/pack phrasing: "Case of 12",
// "24 ct", "6-Pack", "18 count".
var quantityPattern = regexp.MustCompile(`(?i)(?:case\s+of\s+(\d+))|(\d+)\s*(?:ct|count)\b|(\d+)\s*-?\s*pack\b`)

// ParseQuantity extracts a pack/case quantity from a product name,
// defaulting to 1 when no recognizable pattern is present.
func ParseQuantity(productName string) int {
	m := quantityPattern.FindStringSubmatch(strings.TrimSpace(productName))
	if m == nil {
		return 1
	}
	for _, g := range m[1:] {
		if g == "" {
			continue
		}
		n, err := strconv.Atoi(g)
		if err != nil || n <= 0 {
			continue
		}
		return n
	}
	return 1
}
