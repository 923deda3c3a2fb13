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

// Package ierr provides typed, classifiable errors for the
// orchestration core. It is a deliberately small stand-in for a full
// i18n catalog machinery: this service has no requirement for
// multi-locale translation, so the catalog, language tags and printer
// plumbing are dropped, but the shape of the call site — New(ctx, key,
// args...) — and the "every error kind has one registered key"
// discipline are kept.
package ierr

import (
	"context"
	"errors"
	"fmt"
)

// MessageKey is a format string paired with a stable WFnnnn code prefix,
// e.g. "WF0001: database engine not connected: %s".
type MessageKey string

// Error is a message-keyed error that callers can classify with Is.
type Error struct {
	Key     MessageKey
	Message string
}

func (e *Error) Error() string { return e.Message }

// New formats key against args and returns an *Error. The ctx parameter
// is accepted (and ignored) to keep call sites identical to an
// i18n.NewError(ctx, key, args...) convention, and to leave room for
// request-scoped formatting (locale, redaction) later.
func New(_ context.Context, key MessageKey, args ...interface{}) error {
	return &Error{Key: key, Message: fmt.Sprintf(string(key), args...)}
}

// Is reports whether err (or any error it wraps) was created with key.
func Is(err error, key MessageKey) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Key == key
	}
	return false
}
