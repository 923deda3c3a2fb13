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

package persistence

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stockitai/workflow-core/internal/dbgateway"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	gw, err := dbgateway.NewWithDB(gdb)
	require.NoError(t, err)
	return New(gw), mock
}

func intPtr(n int) *int { return &n }

func TestSaveCreatePathAppendsSuffixOnNumberConflict(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "purchase_orders"`).
		WithArgs("11111111-1111-1111-1111-111111111111", "PO-100%").
		WillReturnRows(sqlmock.NewRows([]string{"id", "number"}).
			AddRow("22222222-2222-2222-2222-222222222222", "PO-100"))
	mock.ExpectExec(`INSERT INTO "purchase_orders"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM "po_line_items"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "po_line_items"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE "purchase_orders" SET "total_amount"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "ai_audit_records"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT count`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	result, err := svc.Save(ctx, SaveInput{
		MerchantID: "11111111-1111-1111-1111-111111111111",
		Number:     "PO-100",
		LineItems: []LineItemInput{
			{SKU: "SKU-1", ProductName: "Widget", Quantity: intPtr(3), UnitCost: 10},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "PO-100-1", result.Number)
	require.Equal(t, 1, result.LineItemCount)
	require.Equal(t, 30.0, result.TotalAmount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveUpdatePathKeepsIncumbentNumber(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	poID := "33333333-3333-3333-3333-333333333333"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "purchase_orders"`).
		WithArgs(poID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "number", "merchant_id"}).
			AddRow(poID, "PO-200", "11111111-1111-1111-1111-111111111111"))
	mock.ExpectExec(`UPDATE "purchase_orders"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM "po_line_items"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "po_line_items"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE "purchase_orders" SET "total_amount"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "ai_audit_records"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT count`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	result, err := svc.Save(ctx, SaveInput{
		PurchaseOrderID: poID,
		Number:          "PO-999", // AI-proposed number must be discarded on update
		LineItems: []LineItemInput{
			{SKU: "SKU-2", ProductName: "Case of 12 Widgets", UnitCost: 2},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "PO-200", result.Number)
	require.Equal(t, 24.0, result.TotalAmount) // quantity parsed from "Case of 12"
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRejectsZeroLineItemsInsertedWhenSomeWereProvided(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "purchase_orders"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "number"}))
	mock.ExpectExec(`INSERT INTO "purchase_orders"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM "po_line_items"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "po_line_items"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE "purchase_orders" SET "total_amount"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "ai_audit_records"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT count`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	_, err := svc.Save(ctx, SaveInput{
		MerchantID: "11111111-1111-1111-1111-111111111111",
		Number:     "PO-300",
		LineItems: []LineItemInput{
			{SKU: "SKU-3", ProductName: "Widget", Quantity: intPtr(1), UnitCost: 5},
		},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestConcurrentSavesAllSucceedIndependently is a property-style test
// for N=50 concurrent Save calls against distinct purchase orders: each
// call opens its own transaction through the shared Gateway, so no
// caller's writes should observe, block on, or corrupt another's.
func TestConcurrentSavesAllSucceedIndependently(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	const writers = 50
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < writers; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM "purchase_orders"`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "number", "merchant_id"}).
				AddRow(fmt.Sprintf("00000000-0000-0000-0000-%012d", i), fmt.Sprintf("PO-%d", i), "11111111-1111-1111-1111-111111111111"))
		mock.ExpectExec(`UPDATE "purchase_orders"`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`DELETE FROM "po_line_items"`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`INSERT INTO "po_line_items"`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`UPDATE "purchase_orders" SET "total_amount"`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO "ai_audit_records"`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery(`SELECT count`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectCommit()
	}

	var eg errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		eg.Go(func() error {
			_, err := svc.Save(ctx, SaveInput{
				PurchaseOrderID: fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
				Number:          "ignored-on-update",
				LineItems: []LineItemInput{
					{SKU: fmt.Sprintf("SKU-%d", i), ProductName: "Widget", Quantity: intPtr(1), UnitCost: 5},
				},
			})
			return err
		})
	}
	require.NoError(t, eg.Wait())
}
