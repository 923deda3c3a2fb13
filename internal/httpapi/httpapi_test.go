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

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stockitai/workflow-core/internal/dbgateway"
	"github.com/stockitai/workflow-core/internal/queue"
)

func newTestRouter(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	gw, err := dbgateway.NewWithDB(gdb)
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	q, err := queue.New(context.Background(), "redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(q.Stop)

	router := NewRouter(Deps{
		Gateway:        gw,
		Queue:          q,
		MaxUploadBytes: 10 << 20,
		AllowedOrigins: []string{"*"},
	})
	return router, mock
}

func TestHealthReturnsOK(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestWorkflowStatusNotFoundReturns404(t *testing.T) {
	router, mock := newTestRouter(t)
	mock.ExpectQuery(`SELECT .* FROM "workflow_executions"`).
		WillReturnError(gorm.ErrRecordNotFound)

	req := httptest.NewRequest(http.MethodGet, "/workflow/missing-id/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkflowStatusFoundReturnsProgress(t *testing.T) {
	router, mock := newTestRouter(t)
	mock.ExpectQuery(`SELECT .* FROM "workflow_executions"`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_id", "status", "current_stage", "progress_percent"}).
			AddRow("wf-1", "processing", "ai_enrichment", 40))

	req := httptest.NewRequest(http.MethodGet, "/workflow/wf-1/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetPurchaseOrderRequiresSession(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/purchase-orders/"+uuid.New().String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReprocessRejectsActiveWorkflowWith409(t *testing.T) {
	router, mock := newTestRouter(t)
	ctx := WithMerchantID(context.Background(), "11111111-1111-1111-1111-111111111111")

	poID := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM "purchase_orders"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "merchant_id", "status"}).
			AddRow(poID, "11111111-1111-1111-1111-111111111111", "processing"))
	mock.ExpectQuery(`SELECT count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT .* FROM "uploads"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()))

	req := httptest.NewRequest(http.MethodPost, "/purchase-orders/"+poID.String()+"/reprocess", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestQueueStatusReturnsAllQueues(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/queue-admin/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var status []queue.AdminStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Len(t, status, len(queue.AllQueues))
}

func TestQueueFailedJobsRequiresQueueParam(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/queue-admin/failed-jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
