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

// Package httpapi is the inbound HTTP surface: the upload endpoint,
// workflow/PO status reads, the reprocess action, the realtime SSE
// stream, and the ops/queue-admin endpoints.
//
// Session/auth middleware internals are explicitly out of scope; this
// package only consumes the merchant id that upstream middleware is
// assumed to have already placed on the request context, never one
// supplied in a request body. Router wiring follows a gorilla/mux +
// rs/cors convention, generalized from JSON-RPC method dispatch to a
// small REST surface.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/stockitai/workflow-core/internal/dbgateway"
	"github.com/stockitai/workflow-core/internal/ingress"
	"github.com/stockitai/workflow-core/internal/log"
	"github.com/stockitai/workflow-core/internal/models"
	"github.com/stockitai/workflow-core/internal/orchestrator"
	"github.com/stockitai/workflow-core/internal/progressbus"
	"github.com/stockitai/workflow-core/internal/queue"

	"gorm.io/gorm"
)

type merchantIDKey struct{}

// WithMerchantID stashes the authenticated merchant id on ctx; the
// (out-of-scope) auth middleware is expected to call this after
// validating the session.
func WithMerchantID(ctx context.Context, merchantID string) context.Context {
	return context.WithValue(ctx, merchantIDKey{}, merchantID)
}

func merchantIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(merchantIDKey{}).(string)
	return v, ok && v != ""
}

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Gateway      *dbgateway.Gateway
	Ingress      *ingress.Adapter
	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.Runtime
	Bus          *progressbus.Bus
	MaxUploadBytes int64
	AllowedOrigins []string
}

var validate = validator.New()

// NewRouter builds the full mux.Router wrapped in CORS.
func NewRouter(d Deps) http.Handler {
	r := mux.NewRouter()
	h := &handlers{d: d}

	r.HandleFunc("/upload", h.upload).Methods(http.MethodPost)
	r.HandleFunc("/workflow/{id}/status", h.workflowStatus).Methods(http.MethodGet)
	r.HandleFunc("/purchase-orders/{id}", h.getPurchaseOrder).Methods(http.MethodGet)
	r.HandleFunc("/purchase-orders/{id}/reprocess", h.reprocess).Methods(http.MethodPost)
	r.HandleFunc("/realtime/events", h.realtimeEvents).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/queue-admin/status", h.queueStatus).Methods(http.MethodGet)
	r.HandleFunc("/queue-admin/failed-jobs", h.queueFailedJobs).Methods(http.MethodGet)
	r.HandleFunc("/queue-admin/clean-failed", h.queueCleanFailed).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

type handlers struct{ d Deps }

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *handlers) upload(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.d.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.d.MaxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	buf, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable file")
		return
	}

	fileURL, err := h.d.storeFile(r.Context(), buf, header.Filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	result, err := h.d.Ingress.Accept(r.Context(), ingress.UploadInput{
		MerchantID:       merchantID,
		FileName:         header.Filename,
		OriginalFileName: header.Filename,
		FileSize:         header.Size,
		MimeType:         header.Header.Get("Content-Type"),
		FileURL:          fileURL,
	})
	if err != nil {
		log.L(r.Context()).Errorf("upload failed: %s", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"uploadId":   result.UploadID,
		"workflowId": result.WorkflowID,
		"poId":       result.POID,
	})
}

// storeFile is a placeholder hand-off to whatever object storage the
// deployment uses; document storage itself is not part of this core's
// domain.
func (d *Deps) storeFile(_ context.Context, _ []byte, filename string) (string, error) {
	return fmt.Sprintf("local://uploads/%d-%s", time.Now().UnixNano(), filename), nil
}

func (h *handlers) workflowStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var we models.WorkflowExecution
	err := h.d.Gateway.RunRetryable(r.Context(), func(db *gorm.DB) error {
		return db.Where("workflow_id = ?", id).First(&we).Error
	})
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          we.Status,
		"currentStage":    we.CurrentStage,
		"progressPercent": we.ProgressPercent,
		"updatedAt":       we.UpdatedAt,
	})
}

func (h *handlers) getPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session")
		return
	}
	id := mux.Vars(r)["id"]

	var po models.PurchaseOrder
	var items []models.POLineItem
	err := h.d.Gateway.RunRetryable(r.Context(), func(db *gorm.DB) error {
		if err := db.Where("id = ? AND merchant_id = ?", id, merchantID).First(&po).Error; err != nil {
			return err
		}
		return db.Where("purchase_order_id = ?", po.ID).Find(&items).Error
	})
	if err != nil {
		writeError(w, http.StatusNotFound, "purchase order not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purchaseOrder": po, "lineItems": items})
}

// reprocess handles POST /purchase-orders/{id}/reprocess: 409 if a
// non-terminal workflow already owns this PO (including a `denied` PO,
// per the Open Question decision in DESIGN.md), 202 on a freshly
// re-enqueued ai_parsing job.
func (h *handlers) reprocess(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session")
		return
	}
	poID := mux.Vars(r)["id"]

	var po models.PurchaseOrder
	var upload models.Upload
	var active int64
	err := h.d.Gateway.RunRetryable(r.Context(), func(db *gorm.DB) error {
		if err := db.Where("id = ? AND merchant_id = ?", poID, merchantID).First(&po).Error; err != nil {
			return err
		}
		if err := db.Model(&models.WorkflowExecution{}).
			Where("purchase_order_id = ? AND status NOT IN ?", po.ID, []models.WorkflowStatus{models.WorkflowCompleted, models.WorkflowFailed}).
			Count(&active).Error; err != nil {
			return err
		}
		return db.Where("merchant_id = ?", merchantID).
			Where("metadata->>'purchaseOrderId' = ?", po.ID.String()).
			Order("created_at DESC").First(&upload).Error
	})
	if err != nil {
		writeError(w, http.StatusNotFound, "purchase order not found")
		return
	}
	if active > 0 || po.Status == models.POStatusDenied {
		writeError(w, http.StatusConflict, "purchase order already has an active workflow")
		return
	}

	workflowID, err := h.d.Orchestrator.StartWorkflow(r.Context(), orchestrator.StartInput{
		MerchantID:      merchantID,
		UploadID:        upload.ID.String(),
		PurchaseOrderID: po.ID.String(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reprocess failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"workflowId": workflowID})
}

type shopQuery struct {
	Shop string `validate:"required"`
}

// realtimeEvents streams progress/stage/completion/error events for a
// merchant resolved from the shop query param, since EventSource
// cannot send auth headers.
func (h *handlers) realtimeEvents(w http.ResponseWriter, r *http.Request) {
	q := shopQuery{Shop: r.URL.Query().Get("shop")}
	if err := validate.Struct(q); err != nil {
		writeError(w, http.StatusUnauthorized, "shop domain unknown or inactive")
		return
	}

	var merchant models.Merchant
	err := h.d.Gateway.RunRetryable(r.Context(), func(db *gorm.DB) error {
		return db.Where("shop_domain = ? AND status = ?", q.Shop, models.MerchantActive).First(&merchant).Error
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "shop domain unknown or inactive")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.d.Bus.Subscribe(r.Context(), merchant.ID.String())
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg.Payload)
			flusher.Flush()
		}
	}
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) queueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.d.Queue.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) queueFailedJobs(w http.ResponseWriter, r *http.Request) {
	queueName := r.URL.Query().Get("queue")
	if queueName == "" {
		writeError(w, http.StatusBadRequest, "queue parameter required")
		return
	}
	jobs, err := h.d.Queue.FailedJobs(r.Context(), queueName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed-jobs unavailable")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handlers) queueCleanFailed(w http.ResponseWriter, r *http.Request) {
	queueName := r.URL.Query().Get("queue")
	if queueName == "" {
		writeError(w, http.StatusBadRequest, "queue parameter required")
		return
	}
	if err := h.d.Queue.CleanFailed(r.Context(), queueName); err != nil {
		writeError(w, http.StatusInternalServerError, "clean-failed failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}
