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

// Command workflowcore wires the Database Gateway(s), Queue Runtime,
// Stage Result Store, Progress Bus, PO Lock Manager, Orchestrator,
// Reconciler and HTTP server into one running process.
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stockitai/workflow-core/internal/collaborators"
	"github.com/stockitai/workflow-core/internal/config"
	"github.com/stockitai/workflow-core/internal/dbgateway"
	"github.com/stockitai/workflow-core/internal/httpapi"
	"github.com/stockitai/workflow-core/internal/ingress"
	"github.com/stockitai/workflow-core/internal/log"
	"github.com/stockitai/workflow-core/internal/metrics"
	"github.com/stockitai/workflow-core/internal/migrations"
	"github.com/stockitai/workflow-core/internal/orchestrator"
	"github.com/stockitai/workflow-core/internal/persistence"
	"github.com/stockitai/workflow-core/internal/polock"
	"github.com/stockitai/workflow-core/internal/progressbus"
	"github.com/stockitai/workflow-core/internal/queue"
	"github.com/stockitai/workflow-core/internal/reconciler"
	"github.com/stockitai/workflow-core/internal/stagestore"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgPath := os.Getenv("WORKFLOWCORE_CONFIG")
	rawCfg, err := config.Load(cfgPath)
	if err != nil {
		log.L(ctx).Fatalf("failed to load config: %s", err)
	}
	cfg := rawCfg.Resolve()

	log.Configure(cfg.LogJSON, log.RotationOptions{
		FilePath: cfg.LogFilePath, MaxSizeMB: cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups, MaxAgeDays: cfg.LogMaxAgeDays, Compress: cfg.LogCompress,
	})

	if err := migrations.Run(cfg.DBDirectURL); err != nil {
		log.L(ctx).Fatalf("failed to apply migrations: %s", err)
	}

	stop, err := config.Watch(ctx, cfgPath, func(c config.Config) {
		log.L(ctx).Infof("configuration reloaded from %s", cfgPath)
	})
	if err != nil {
		log.L(ctx).Warnf("config hot-reload disabled: %s", err)
	} else {
		defer stop()
	}

	pooledGW, err := dbgateway.New(ctx, cfg.DBPoolerURL, dbgateway.Options{
		PoolSize: cfg.DBPoolSize, ConnMaxAge: cfg.DBConnMaxAge,
		StatementTimeout: cfg.DBStatementTimeout, WarmupWindow: cfg.DBWarmupWindow, WarmupCeiling: cfg.DBWarmupCeiling,
	})
	if err != nil {
		log.L(ctx).Fatalf("failed to open pooled database gateway: %s", err)
	}
	defer pooledGW.Close()

	// The Reconciler gets its own Gateway over the direct endpoint so
	// it never competes with queue workers for pooled connections
	// during cold start.
	directGW, err := dbgateway.New(ctx, cfg.DBDirectURL, dbgateway.Options{
		PoolSize: 2, ConnMaxAge: cfg.DBConnMaxAge,
		StatementTimeout: cfg.DBStatementTimeout, WarmupWindow: cfg.DBWarmupWindow, WarmupCeiling: cfg.DBWarmupCeiling,
	})
	if err != nil {
		log.L(ctx).Fatalf("failed to open direct database gateway: %s", err)
	}
	defer directGW.Close()

	q, err := queue.New(ctx, cfg.BrokerURL, 60*time.Second)
	if err != nil {
		log.L(ctx).Fatalf("failed to start queue runtime: %s", err)
	}
	defer q.Stop()

	store := stagestore.New(q.Client(), cfg.StageStoreTTL)
	bus := progressbus.New(q.Client())
	locks := polock.New(q.Client(), cfg.LockLease, cfg.LockMaxWait, cfg.LockPollPeriod)
	persist := persistence.New(pooledGW)

	aiParser := collaborators.NewRestyAIParser(os.Getenv("AI_PARSER_URL"), 90*time.Second)
	shopify := collaborators.NewRestyShopifyClient(os.Getenv("SHOPIFY_GATEWAY_URL"), 30*time.Second)
	images := collaborators.NewRestyImageSearcher(os.Getenv("IMAGE_SEARCH_URL"), 15*time.Second)

	orch := orchestrator.New(orchestrator.Deps{
		Gateway: pooledGW, Queue: q, Store: store, Bus: bus, Locks: locks, Persistence: persist,
		AIParser: aiParser, Shopify: shopify, Images: images,
		FileFetcher:       httpFileFetcher{},
		AsyncImageDefault: cfg.AsyncImageProcessingDefault,
	})
	if err := orch.RegisterHandlers(ctx); err != nil {
		log.L(ctx).Fatalf("failed to register stage handlers: %s", err)
	}

	recon := reconciler.New(directGW, q, cfg.ReconcilerCadence, cfg.ReconcilerStartupDelay, cfg.ReconcilerStaleThreshold)
	if err := recon.Start(ctx); err != nil {
		log.L(ctx).Fatalf("failed to start reconciler: %s", err)
	}

	ing := ingress.New(pooledGW, orch)
	router := httpapi.NewRouter(httpapi.Deps{
		Gateway: pooledGW, Ingress: ing, Orchestrator: orch, Queue: q, Bus: bus,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedOrigins: []string{"*"},
	})

	srv := &http.Server{Addr: cfg.HTTPListenAddr, Handler: router}
	go func() {
		log.L(ctx).Infof("listening on %s", cfg.HTTPListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.L(ctx).Fatalf("http server failed: %s", err)
		}
	}()

	metricsSrv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: metrics.Handler()}
	go func() {
		log.L(ctx).Infof("serving metrics on %s", cfg.MetricsListenAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.L(ctx).Warnf("metrics server failed: %s", err)
		}
	}()

	<-ctx.Done()
	log.L(ctx).Infof("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}

// httpFileFetcher retrieves an uploaded document's bytes from whatever
// URL scheme the deployment's object storage hands back. Storing the
// document itself is somebody else's job; this is the minimal adapter
// needed to hand bytes to the AIParser.
type httpFileFetcher struct{}

func (httpFileFetcher) Fetch(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
