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

// Package log wraps logrus with a context-field convention: every
// stage handler, gateway call and reconciler tick attaches identifying
// fields (workflowId, poId, merchantId, stage, queue) to the context
// as it flows down the call stack, and L(ctx) surfaces them on every
// line without each call site re-stating them.
package log

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxFieldsKey struct{}

func init() {
	logrus.SetFormatter(&prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
}

// SetJSONFormat switches to JSON output, for production deployments.
func SetJSONFormat() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
}

// RotationOptions configures the lumberjack-backed file sink Configure
// adds alongside stdout.
type RotationOptions struct {
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Configure applies the process-wide logging setup: JSON output when
// json is true, and — when opts.FilePath is set — a lumberjack rotating
// writer fanned out alongside stdout so logs survive on disk without
// unbounded growth.
func Configure(json bool, opts RotationOptions) {
	if json {
		SetJSONFormat()
	}
	if opts.FilePath == "" {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	logrus.SetOutput(io.MultiWriter(os.Stdout, rotator))
}

// WithField returns a derived context with an additional logging field.
func WithField(ctx context.Context, key string, value interface{}) context.Context {
	fields := fieldsFrom(ctx).WithField(key, value)
	return context.WithValue(ctx, ctxFieldsKey{}, fields)
}

// WithFields returns a derived context with additional logging fields.
func WithFields(ctx context.Context, kv map[string]interface{}) context.Context {
	fields := fieldsFrom(ctx).WithFields(kv)
	return context.WithValue(ctx, ctxFieldsKey{}, fields)
}

func fieldsFrom(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	if e, ok := ctx.Value(ctxFieldsKey{}).(*logrus.Entry); ok {
		return e
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// L returns the logrus entry carrying this context's accumulated fields.
func L(ctx context.Context) *logrus.Entry {
	return fieldsFrom(ctx)
}
