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
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stockitai/workflow-core/internal/dbgateway"
	"github.com/stockitai/workflow-core/internal/polock"
	"github.com/stockitai/workflow-core/internal/progressbus"
	"github.com/stockitai/workflow-core/internal/queue"
	"github.com/stockitai/workflow-core/internal/stagestore"
)

func TestNextStageWalksFixedDAG(t *testing.T) {
	next, ok := nextStage(queue.QueueAIParsing)
	assert.True(t, ok)
	assert.Equal(t, queue.QueueDatabaseSave, next)

	_, ok = nextStage(queue.QueueStatusUpdate)
	assert.False(t, ok, "status_update is terminal")

	_, ok = nextStage("not-a-real-stage")
	assert.False(t, ok)
}

func TestMutatesPOOnlyForLockingStages(t *testing.T) {
	assert.True(t, mutatesPO(queue.QueueDatabaseSave))
	assert.True(t, mutatesPO(queue.QueueStatusUpdate))
	assert.False(t, mutatesPO(queue.QueueAIParsing))
	assert.False(t, mutatesPO(queue.QueueShopifySync))
}

func TestStallTimeoutLongerForAIStages(t *testing.T) {
	assert.Equal(t, 180*time.Second, stallTimeout(queue.QueueAIParsing))
	assert.Equal(t, 180*time.Second, stallTimeout(queue.QueueAIEnrichment))
	assert.Equal(t, 60*time.Second, stallTimeout(queue.QueueDatabaseSave))
}

func TestStageIndexAndParseUUID(t *testing.T) {
	assert.Equal(t, 0, stageIndex(queue.QueueAIParsing))
	assert.Equal(t, len(stageOrder)-1, stageIndex(queue.QueueStatusUpdate))
	assert.Equal(t, 0, stageIndex("unknown"))

	id := uuid.New()
	assert.Equal(t, id, parseUUID(id.String()))
	assert.Equal(t, uuid.Nil, parseUUID("not-a-uuid"))
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, sqlmock.Sqlmock, *miniredis.Miniredis) {
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
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	q, err := queue.New(context.Background(), "redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(q.Stop)

	orch := New(Deps{
		Gateway: gw,
		Queue:   q,
		Store:   stagestore.New(client, time.Minute),
		Bus:     progressbus.New(client),
		Locks:   polock.New(client, time.Minute, time.Second, 10*time.Millisecond),
	})
	return orch, mock, mr
}

func TestStartWorkflowCreatesExecutionAndEnqueuesFirstStage(t *testing.T) {
	orch, mock, _ := newTestOrchestrator(t)
	ctx := context.Background()

	uploadID := uuid.New().String()
	poID := uuid.New().String()
	merchantID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "workflow_executions"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT .* FROM "uploads"`).
		WithArgs(uploadID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uploadID))
	mock.ExpectExec(`UPDATE "uploads"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	workflowID, err := orch.StartWorkflow(ctx, StartInput{
		MerchantID:      merchantID,
		UploadID:        uploadID,
		PurchaseOrderID: poID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, workflowID)
	require.NoError(t, mock.ExpectationsWereMet())

	status, err := orch.q.Status(ctx)
	require.NoError(t, err)
	for _, s := range status {
		if s.Queue == queue.QueueAIParsing {
			assert.Equal(t, int64(1), s.Waiting)
		}
	}
}

func TestStartWorkflowPropagatesUploadNotFound(t *testing.T) {
	orch, mock, _ := newTestOrchestrator(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "workflow_executions"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT .* FROM "uploads"`).WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectRollback()

	_, err := orch.StartWorkflow(ctx, StartInput{
		MerchantID:      uuid.New().String(),
		UploadID:        uuid.New().String(),
		PurchaseOrderID: uuid.New().String(),
	})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
