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

// Package msgs is the message-key registry for every error kind the
// orchestration core can surface. Each key has a fixed printf-style
// format string; ierr.New formats the key itself against its args, so error text
// stays centralized and greppable instead of scattered across call
// sites.
package msgs

import "github.com/stockitai/workflow-core/internal/ierr"

const (
	// Transient infrastructure — retried by the Database Gateway.
	MsgEngineNotConnected    ierr.MessageKey = "WF0001: database engine not connected: %s"
	MsgEngineEmptyResponse   ierr.MessageKey = "WF0002: database engine returned an empty response: %s"
	MsgConnectionTimeout     ierr.MessageKey = "WF0003: connection timeout: %s"
	MsgLockTimeout           ierr.MessageKey = "WF0004: lock timeout: %s"
	MsgStatementTimeout      ierr.MessageKey = "WF0005: statement timeout: %s"
	MsgWarmupFailed          ierr.MessageKey = "WF0006: database warmup probe failed after %s: %s"
	MsgRetriesExhausted      ierr.MessageKey = "WF0007: retries exhausted after %d attempts: %s"
	MsgTransactionGuardOpen  ierr.MessageKey = "WF0008: transaction attempted before warmup completed"

	// Uniqueness conflict — routed to conflict resolver, never retried blindly.
	MsgUniqueViolation       ierr.MessageKey = "WF0020: unique constraint violation on (merchantId, number): %s"
	MsgConflictExhausted     ierr.MessageKey = "WF0021: exhausted numeric suffixes -1..-10 for PO number %s"

	// Stage-external failure.
	MsgStageExternalFailure  ierr.MessageKey = "WF0030: stage %s external collaborator failed: %s"
	MsgStageStalled          ierr.MessageKey = "WF0031: stage %s stalled past %s"
	MsgStageAttemptsExceeded ierr.MessageKey = "WF0032: stage %s exceeded %d attempts: %s"

	// Data validation.
	MsgZeroLineItemsInserted ierr.MessageKey = "WF0040: zero line items inserted for PO %s despite non-empty input"
	MsgNegativeQuantity      ierr.MessageKey = "WF0041: negative quantity %d for line item %s"
	MsgInvalidTotal          ierr.MessageKey = "WF0042: implausible total amount %v for PO %s"

	// Timeout.
	MsgTransactionBudgetExceeded ierr.MessageKey = "WF0050: database_save transaction exceeded its %s budget"

	// Auth.
	MsgUnauthorized ierr.MessageKey = "WF0060: unauthorized: %s"
	MsgShopUnknown  ierr.MessageKey = "WF0061: shop domain unknown or inactive: %s"

	// Domain-object errors.
	MsgWorkflowNotFound  ierr.MessageKey = "WF0070: workflow %s not found"
	MsgPONotFound        ierr.MessageKey = "WF0071: purchase order %s not found"
	MsgUploadNotFound    ierr.MessageKey = "WF0072: upload %s not found"
	MsgMerchantNotFound  ierr.MessageKey = "WF0073: merchant %s not found or inactive"
	MsgWorkflowActive    ierr.MessageKey = "WF0074: purchase order %s already has an active workflow"
	MsgUnknownStage      ierr.MessageKey = "WF0075: unknown stage %q"

	// Broker/runtime startup constraints.
	MsgBrokerClientMisconfigured ierr.MessageKey = "WF0080: broker client must be constructed with maxRetriesPerRequest disabled and ready-check disabled"
)
