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

package reconciler

import (
	"context"
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

func newTestReconciler(t *testing.T) (*Reconciler, sqlmock.Sqlmock) {
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

	return New(gw, q, time.Minute, 0, 5*time.Minute), mock
}

func TestAutoFixCompletesHighConfidencePO(t *testing.T) {
	r, mock := newTestReconciler(t)
	ctx := context.Background()

	poID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM "purchase_orders"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "confidence", "status"}).
			AddRow(poID, 0.95, "processing"))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "purchase_orders"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE "workflow_executions"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT .* FROM "workflow_executions"`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_id", "purchase_order_id", "status"}))

	summary := r.Tick(ctx)
	require.Equal(t, 1, summary.AutoFixed)
	require.Equal(t, 0, summary.Errors)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAutoFixSendsLowConfidenceToReviewNeeded(t *testing.T) {
	r, mock := newTestReconciler(t)
	ctx := context.Background()

	poID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM "purchase_orders"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "confidence", "status"}).
			AddRow(poID, 0.40, "processing"))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "purchase_orders" SET "completed_at"=\$1,"job_status"=\$2,"status"=\$3`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE "workflow_executions"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT .* FROM "workflow_executions"`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_id", "purchase_order_id", "status"}))

	r.Tick(ctx)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueStalledSkipsPOsAlreadyAutoFixed(t *testing.T) {
	r, mock := newTestReconciler(t)
	ctx := context.Background()

	poID := uuid.New()
	workflowID := "wf-" + poID.String()

	mock.ExpectQuery(`SELECT .* FROM "purchase_orders"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "confidence", "status"}).
			AddRow(poID, 0.9, "processing"))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "purchase_orders"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE "workflow_executions"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT .* FROM "workflow_executions"`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_id", "purchase_order_id", "status", "current_stage"}).
			AddRow(workflowID, poID, "processing", "shopify_sync"))

	summary := r.Tick(ctx)
	require.Equal(t, 1, summary.AutoFixed)
	require.Equal(t, 0, summary.Requeued)
	require.Equal(t, 1, summary.Skipped, "the same PO auto-fixed in step 1 must not also be re-queued in step 2")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueStalledEnqueuesAtSavedStage(t *testing.T) {
	r, mock := newTestReconciler(t)
	ctx := context.Background()

	poID := uuid.New()
	merchantID := uuid.New()
	workflowID := "wf-" + poID.String()

	mock.ExpectQuery(`SELECT .* FROM "purchase_orders"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "confidence", "status"}))
	mock.ExpectQuery(`SELECT .* FROM "workflow_executions"`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_id", "purchase_order_id", "merchant_id", "status", "current_stage"}).
			AddRow(workflowID, poID, merchantID, "processing", "shopify_sync"))

	summary := r.Tick(ctx)
	require.Equal(t, 1, summary.Requeued)
	require.Equal(t, 0, summary.Errors)
	require.NoError(t, mock.ExpectationsWereMet())

	status, err := r.q.Status(ctx)
	require.NoError(t, err)
	for _, s := range status {
		if s.Queue == queue.QueueShopifySync {
			require.Equal(t, int64(1), s.Waiting)
		}
	}
}

func TestRequeueStalledDedupesMultipleExecutionsPerPO(t *testing.T) {
	r, mock := newTestReconciler(t)
	ctx := context.Background()

	poID := uuid.New()
	merchantID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM "purchase_orders"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "confidence", "status"}))
	mock.ExpectQuery(`SELECT .* FROM "workflow_executions"`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_id", "purchase_order_id", "merchant_id", "status", "current_stage"}).
			AddRow("wf-a", poID, merchantID, "processing", "ai_enrichment").
			AddRow("wf-b", poID, merchantID, "processing", "ai_enrichment"))

	summary := r.Tick(ctx)
	require.Equal(t, 1, summary.Requeued)
	require.Equal(t, 1, summary.Skipped)
	require.NoError(t, mock.ExpectationsWereMet())
}
