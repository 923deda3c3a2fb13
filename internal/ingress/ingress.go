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

// Package ingress accepts an uploaded file and its metadata, creates
// the placeholder PurchaseOrder and the Upload row that carries its
// id, then starts the workflow.
//
// Modeled on a "submit" entrypoint pattern — the first write in a
// long-lived operation's lifecycle — generalized from "accept a signed
// transaction" to "accept an uploaded document."
package ingress

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/stockitai/workflow-core/internal/dbgateway"
	"github.com/stockitai/workflow-core/internal/ierr"
	"github.com/stockitai/workflow-core/internal/models"
	"github.com/stockitai/workflow-core/internal/msgs"
	"github.com/stockitai/workflow-core/internal/orchestrator"
)

// UploadInput is what the HTTP /upload handler hands to Accept after
// it has already stored the raw bytes somewhere reachable by FileURL.
type UploadInput struct {
	MerchantID       string
	FileName         string
	OriginalFileName string
	FileSize         int64
	MimeType         string
	FileURL          string
}

// UploadResult is the body returned from a successful upload.
type UploadResult struct {
	UploadID   string
	WorkflowID string
	POID       string
}

type Adapter struct {
	gw   *dbgateway.Gateway
	orch *orchestrator.Orchestrator
}

func New(gw *dbgateway.Gateway, orch *orchestrator.Orchestrator) *Adapter {
	return &Adapter{gw: gw, orch: orch}
}

// Accept creates the placeholder PO (number = PO-<epoch_ms>,
// status=processing, totalAmount=0) and the Upload row carrying its
// id, then starts the workflow.
func (a *Adapter) Accept(ctx context.Context, in UploadInput) (UploadResult, error) {
	var merchant models.Merchant
	if err := a.gw.RunRetryable(ctx, func(db *gorm.DB) error {
		return db.Where("id = ? AND status = ?", in.MerchantID, models.MerchantActive).First(&merchant).Error
	}); err != nil {
		return UploadResult{}, ierr.New(ctx, msgs.MsgMerchantNotFound, in.MerchantID)
	}

	var po models.PurchaseOrder
	var upload models.Upload
	now := time.Now()

	err := a.gw.Transaction(ctx, func(db *gorm.DB) error {
		po = models.PurchaseOrder{
			ID:         models.NewID(),
			MerchantID: merchant.ID,
			Number:     fmt.Sprintf("PO-%d", now.UnixMilli()),
			Status:     models.POStatusProcessing,
			JobStatus:  models.POJobPending,
			FileName:   in.FileName,
			FileSize:   in.FileSize,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := db.Create(&po).Error; err != nil {
			return err
		}

		upload = models.Upload{
			ID:               models.NewID(),
			MerchantID:       merchant.ID,
			FileName:         in.FileName,
			OriginalFileName: in.OriginalFileName,
			FileSize:         in.FileSize,
			MimeType:         in.MimeType,
			FileURL:          in.FileURL,
			Status:           models.UploadStatusUploaded,
			CreatedAt:        now,
		}
		upload.SetPurchaseOrderID(po.ID)
		return db.Create(&upload).Error
	}, dbgateway.TxOptions{})
	if err != nil {
		return UploadResult{}, err
	}

	workflowID, err := a.orch.StartWorkflow(ctx, orchestrator.StartInput{
		MerchantID:      merchant.ID.String(),
		UploadID:        upload.ID.String(),
		PurchaseOrderID: po.ID.String(),
	})
	if err != nil {
		return UploadResult{}, err
	}

	return UploadResult{UploadID: upload.ID.String(), WorkflowID: workflowID, POID: po.ID.String()}, nil
}
