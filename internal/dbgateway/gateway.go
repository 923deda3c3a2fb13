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

// Package dbgateway provides a single process-wide database handle
// with warmup gating, a bounded retry layer for transient connection
// failures outside transactions, and a transaction guard that refuses
// to begin work until the engine has proven itself alive. Query style
// follows a conventional gorm-based persistence layer, and the outer
// retry loop uses sethvargo/go-retry instead of hand-rolled attempt
// counters.
package dbgateway

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stockitai/workflow-core/internal/ierr"
	"github.com/stockitai/workflow-core/internal/log"
	"github.com/stockitai/workflow-core/internal/metrics"
	"github.com/stockitai/workflow-core/internal/msgs"
)

// ErrorClass classifies a database error by its driver-level cause.
type ErrorClass string

const (
	ClassEngineNotConnected ErrorClass = "ENGINE_NOT_CONNECTED"
	ClassEngineEmptyResp    ErrorClass = "ENGINE_EMPTY_RESPONSE"
	ClassUniqueViolation    ErrorClass = "UNIQUE_VIOLATION"
	ClassLockTimeout        ErrorClass = "LOCK_TIMEOUT"
	ClassStatementTimeout   ErrorClass = "STATEMENT_TIMEOUT"
	ClassOther              ErrorClass = "OTHER"
)

// Classify inspects err's text for known driver-level failure
// signatures. Real deployments see these as pgconn/pgx error strings;
// classification is done on message content rather than driver-typed
// errors so the gateway degrades gracefully across postgres driver
// versions.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no connection"),
		strings.Contains(msg, "broken pipe"), strings.Contains(msg, "bad connection"):
		return ClassEngineNotConnected
	case strings.Contains(msg, "empty response"):
		return ClassEngineEmptyResp
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "unique constraint"):
		return ClassUniqueViolation
	case strings.Contains(msg, "lock timeout"), strings.Contains(msg, "could not obtain lock"):
		return ClassLockTimeout
	case strings.Contains(msg, "statement timeout"), strings.Contains(msg, "canceling statement"):
		return ClassStatementTimeout
	default:
		return ClassOther
	}
}

// Retryable reports whether RunRetryable should retry an error of this
// class: ENGINE_NOT_CONNECTED and ENGINE_EMPTY_RESPONSE are retried,
// everything else is surfaced to the caller immediately.
func (c ErrorClass) Retryable() bool {
	return c == ClassEngineNotConnected || c == ClassEngineEmptyResp
}

// Options configures a Gateway's pool, timeouts and warmup gate. The
// connection string is passed to New separately; the Reconciler's
// dedicated handle is a second Gateway opened over the direct URL.
type Options struct {
	PoolSize         int
	ConnMaxAge       time.Duration
	StatementTimeout time.Duration
	WarmupWindow     time.Duration
	WarmupCeiling    time.Duration
}

// Gateway is the process-wide database handle. Exactly one Gateway
// should exist per pool (runtime pooler, and a second, separate
// Gateway for the Reconciler's direct endpoint) — nothing else should
// open its own connection pool.
type Gateway struct {
	opts Options

	mu     sync.RWMutex
	db     *gorm.DB
	sqlDB  *sql.DB
	dsn    string
	openAt time.Time

	warmupMu       sync.Mutex
	warmupComplete bool
	warmupCond     *sync.Cond
	lastProbe      time.Time

	consecutiveEngineErrs int
}

const zombieProbeInterval = 30 * time.Second

// New opens dsn and kicks off the warmup probe in the background;
// Client() blocks callers until warmup succeeds. It never blocks the
// caller itself, matching serverless cold-start expectations where the
// process must come up instantly even if the DB is still settling.
func New(ctx context.Context, dsn string, opts Options) (*Gateway, error) {
	g := &Gateway{opts: opts, dsn: dsn}
	g.warmupCond = sync.NewCond(&g.warmupMu)
	if err := g.connect(ctx); err != nil {
		return nil, err
	}
	go g.warmup(ctx)
	return g, nil
}

// NewWithDB wraps an already-open *gorm.DB as a warmed-up Gateway,
// skipping the dial/probe cycle entirely. Intended for unit tests that
// back gorm with a sqlmock connection; production callers use New.
func NewWithDB(db *gorm.DB) (*Gateway, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	g := &Gateway{db: db, sqlDB: sqlDB, openAt: time.Now()}
	g.warmupCond = sync.NewCond(&g.warmupMu)
	g.warmupComplete = true
	g.lastProbe = time.Now()
	return g, nil
}

func (g *Gateway) connect(ctx context.Context) error {
	db, err := gorm.Open(postgres.Open(g.dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return ierr.New(ctx, msgs.MsgEngineNotConnected, err.Error())
	}
	sqlDB, err := db.DB()
	if err != nil {
		return ierr.New(ctx, msgs.MsgEngineNotConnected, err.Error())
	}
	if g.opts.PoolSize <= 0 {
		g.opts.PoolSize = 5
	}
	sqlDB.SetMaxOpenConns(g.opts.PoolSize)
	sqlDB.SetMaxIdleConns(g.opts.PoolSize)
	if g.opts.ConnMaxAge > 0 {
		sqlDB.SetConnMaxLifetime(g.opts.ConnMaxAge)
	}

	g.mu.Lock()
	// Drop the previous pool's connections before replacing it, so a
	// runtime reconnect never leaks the old instance's listeners.
	old := g.sqlDB
	g.db = db
	g.sqlDB = sqlDB
	g.openAt = time.Now()
	g.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// warmup runs the SELECT 1 probe until it succeeds or the hard ceiling
// elapses, then marks warmupComplete. It keeps retrying forever at the
// warmup cadence if the ceiling is exceeded, logging loudly, since a
// database that is simply down longer than expected should not be
// treated as a permanent failure of the process.
func (g *Gateway) warmup(ctx context.Context) {
	window := g.opts.WarmupWindow
	if window <= 0 {
		window = 2500 * time.Millisecond
	}
	ceiling := g.opts.WarmupCeiling
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	deadline := time.Now().Add(ceiling)
	b := retry.NewConstant(200 * time.Millisecond)
	b = retry.WithMaxDuration(ceiling, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if perr := g.probe(ctx); perr != nil {
			if time.Now().After(deadline) {
				return perr
			}
			return retry.RetryableError(perr)
		}
		return nil
	})
	if err != nil {
		log.L(ctx).Errorf("database warmup did not complete within %s, will keep probing: %s", ceiling, err)
		for {
			if g.probe(ctx) == nil {
				break
			}
			time.Sleep(window)
		}
	}

	g.warmupMu.Lock()
	g.warmupComplete = true
	g.lastProbe = time.Now()
	g.warmupMu.Unlock()
	g.warmupCond.Broadcast()
	log.L(ctx).Infof("database warmup complete")
}

func (g *Gateway) probe(ctx context.Context) error {
	g.mu.RLock()
	sqlDB := g.sqlDB
	g.mu.RUnlock()
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(probeCtx); err != nil {
		return ierr.New(ctx, msgs.MsgWarmupFailed, "2s", err.Error())
	}
	var one int
	row := sqlDB.QueryRowContext(probeCtx, "SELECT 1")
	if err := row.Scan(&one); err != nil || one != 1 {
		return ierr.New(ctx, msgs.MsgEngineEmptyResponse, "SELECT 1")
	}
	return nil
}

// Client blocks until warmup has completed at least once, then returns
// the live *gorm.DB handle, re-probing first if the handle has been
// idle past the zombie-connection window.
func (g *Gateway) Client(ctx context.Context) (*gorm.DB, error) {
	g.warmupMu.Lock()
	for !g.warmupComplete {
		g.warmupCond.Wait()
	}
	stale := time.Since(g.lastProbe) > zombieProbeInterval
	g.warmupMu.Unlock()

	if stale {
		if err := g.probe(ctx); err != nil {
			log.L(ctx).Warnf("reused connection failed health probe, reconnecting: %s", err)
			if rerr := g.connect(ctx); rerr != nil {
				return nil, rerr
			}
		}
		g.warmupMu.Lock()
		g.lastProbe = time.Now()
		g.warmupMu.Unlock()
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.db.WithContext(ctx), nil
}

// RunRetryable executes op against the gateway's handle with up to 5
// attempts, 200ms·2ⁿ backoff capped at 3.2s, reconnecting only after 4
// consecutive ENGINE_NOT_CONNECTED/ENGINE_EMPTY_RESPONSE retries, and
// never starting before warmup completes.
func (g *Gateway) RunRetryable(ctx context.Context, op func(db *gorm.DB) error) error {
	db, err := g.Client(ctx) // blocks for warmup
	if err != nil {
		return err
	}

	b, _ := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithCappedDuration(3200*time.Millisecond, b)
	b = retry.WithMaxRetries(4, b) // 5 total attempts

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		cur := db
		if attempt > 1 {
			// re-fetch in case a reconnect happened underneath us
			cur, err = g.Client(ctx)
			if err != nil {
				return err
			}
		}
		opErr := op(cur)
		if opErr == nil {
			g.mu.Lock()
			g.consecutiveEngineErrs = 0
			g.mu.Unlock()
			return nil
		}

		class := Classify(opErr)
		metrics.DBRetries.WithLabelValues(string(class)).Inc()
		if !class.Retryable() {
			return opErr
		}

		g.mu.Lock()
		g.consecutiveEngineErrs++
		needsReconnect := g.consecutiveEngineErrs >= 4
		if needsReconnect {
			g.consecutiveEngineErrs = 0
		}
		g.mu.Unlock()

		if needsReconnect {
			log.L(ctx).Warnf("4 consecutive engine errors, forcing reconnect")
			metrics.DBReconnects.Inc()
			if rerr := g.connect(ctx); rerr != nil {
				return rerr
			}
		}
		return retry.RetryableError(opErr)
	})
}

// TxOptions configures Transaction.
type TxOptions struct {
	// Timeout defaults to 15s.
	Timeout time.Duration
}

// Transaction opens a transaction and invokes fn with a scoped handle,
// committing on return and rolling back on error. fn may not begin
// until warmup is complete (the "transaction guard"); retries inside
// the transaction are disabled so failures surface immediately to the
// outer queue/stage retry instead of stacking two retry layers.
func (g *Gateway) Transaction(ctx context.Context, fn func(tx *gorm.DB) error, opts TxOptions) error {
	// Transaction guard: block on warmup exactly like Client does,
	// but do not allow any retry of the BEGIN itself.
	db, err := g.Client(ctx)
	if err != nil {
		return err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	txCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err = db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
	elapsed := time.Since(start)
	if elapsed > timeout {
		log.L(ctx).Warnf("transaction exceeded its %s budget (took %s)", timeout, elapsed)
	}
	return err
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.sqlDB == nil {
		return nil
	}
	return g.sqlDB.Close()
}
