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

// Package config is the typed configuration tree for the orchestration
// core: every tunable is an optional pointer defaulted through
// confutil, so a partially-specified YAML document (or none at all)
// still produces a complete, safe configuration.
package config

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/stockitai/workflow-core/internal/confutil"
	"github.com/stockitai/workflow-core/internal/log"

	"context"
)

type DatabaseConfig struct {
	PoolerURL        *string `yaml:"poolerUrl,omitempty"`
	DirectURL        *string `yaml:"directUrl,omitempty"`
	PoolSize         *int    `yaml:"poolSize,omitempty"`
	ConnMaxAge       *string `yaml:"connMaxAge,omitempty"`
	StatementTimeout *string `yaml:"statementTimeout,omitempty"`
	WarmupWindow     *string `yaml:"warmupWindow,omitempty"`
	WarmupCeiling    *string `yaml:"warmupCeiling,omitempty"`
}

type QueueConfig struct {
	BrokerURL *string `yaml:"brokerUrl,omitempty"`
}

type LockConfig struct {
	LeaseMs    *int    `yaml:"leaseMs,omitempty"`
	MaxWait    *string `yaml:"maxWait,omitempty"`
	PollPeriod *string `yaml:"pollPeriod,omitempty"`
}

type StageStoreConfig struct {
	TTL *string `yaml:"ttl,omitempty"`
}

type ReconcilerConfig struct {
	Cadence       *string `yaml:"cadence,omitempty"`
	StartupDelay  *string `yaml:"startupDelay,omitempty"`
	StaleThreshold *string `yaml:"staleThreshold,omitempty"`
}

type HTTPConfig struct {
	ListenAddr    *string `yaml:"listenAddr,omitempty"`
	SessionSecret *string `yaml:"sessionSecret,omitempty"`
	MaxUploadMB   *int    `yaml:"maxUploadMb,omitempty"`
}

type FeaturesConfig struct {
	AsyncImageProcessing *bool `yaml:"asyncImageProcessing,omitempty"`
}

// LogConfig controls structured logging output and, when FilePath is
// set, lumberjack-based rotation of the log file alongside stdout.
type LogConfig struct {
	JSON        *bool   `yaml:"json,omitempty"`
	FilePath    *string `yaml:"filePath,omitempty"`
	MaxSizeMB   *int    `yaml:"maxSizeMb,omitempty"`
	MaxBackups  *int    `yaml:"maxBackups,omitempty"`
	MaxAgeDays  *int    `yaml:"maxAgeDays,omitempty"`
	Compress    *bool   `yaml:"compress,omitempty"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	ListenAddr *string `yaml:"listenAddr,omitempty"`
}

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Lock       LockConfig       `yaml:"lock"`
	StageStore StageStoreConfig `yaml:"stageStore"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	HTTP       HTTPConfig       `yaml:"http"`
	Features   FeaturesConfig   `yaml:"features"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Resolved is the fully-defaulted, duration-typed view of Config that
// the rest of the service consumes; Config itself stays close to the
// raw YAML shape so it is easy to hot-reload and re-resolve.
type Resolved struct {
	DBPoolerURL        string
	DBDirectURL        string
	DBPoolSize         int
	DBConnMaxAge       time.Duration
	DBStatementTimeout time.Duration
	DBWarmupWindow     time.Duration
	DBWarmupCeiling    time.Duration

	BrokerURL string

	LockLease      time.Duration
	LockMaxWait    time.Duration
	LockPollPeriod time.Duration

	StageStoreTTL time.Duration

	ReconcilerCadence        time.Duration
	ReconcilerStartupDelay   time.Duration
	ReconcilerStaleThreshold time.Duration

	HTTPListenAddr  string
	SessionSecret   string
	MaxUploadBytes  int64

	AsyncImageProcessingDefault bool

	LogJSON       bool
	LogFilePath   string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool

	MetricsListenAddr string
}

func Default() Config { return Config{} }

// Resolve applies every environment default the service relies on.
func (c Config) Resolve() Resolved {
	return Resolved{
		DBPoolerURL:        confutil.String(c.Database.PoolerURL, "postgres://localhost:5432/workflowcore?pool=5"),
		DBDirectURL:        confutil.String(c.Database.DirectURL, confutil.String(c.Database.PoolerURL, "postgres://localhost:5432/workflowcore")),
		DBPoolSize:         confutil.Int(c.Database.PoolSize, 5),
		DBConnMaxAge:       confutil.Duration(c.Database.ConnMaxAge, 5*time.Minute),
		DBStatementTimeout: confutil.DurationMin(c.Database.StatementTimeout, 180*time.Second, 180*time.Second),
		DBWarmupWindow:     confutil.Duration(c.Database.WarmupWindow, 2500*time.Millisecond),
		DBWarmupCeiling:    confutil.DurationMax(c.Database.WarmupCeiling, 10*time.Second, 10*time.Second),

		BrokerURL: confutil.String(c.Queue.BrokerURL, "redis://localhost:6379/0"),

		LockLease:      time.Duration(confutil.Int(c.Lock.LeaseMs, 60000)) * time.Millisecond,
		LockMaxWait:    confutil.Duration(c.Lock.MaxWait, 15*time.Second),
		LockPollPeriod: confutil.Duration(c.Lock.PollPeriod, 300*time.Millisecond),

		StageStoreTTL: confutil.Duration(c.StageStore.TTL, 30*time.Minute),

		ReconcilerCadence:        confutil.Duration(c.Reconciler.Cadence, 60*time.Second),
		ReconcilerStartupDelay:   confutil.Duration(c.Reconciler.StartupDelay, 3*time.Second),
		ReconcilerStaleThreshold: confutil.Duration(c.Reconciler.StaleThreshold, 5*time.Minute),

		HTTPListenAddr: confutil.String(c.HTTP.ListenAddr, ":8080"),
		SessionSecret:  confutil.String(c.HTTP.SessionSecret, ""),
		MaxUploadBytes: int64(confutil.Int(c.HTTP.MaxUploadMB, 25)) * 1024 * 1024,

		AsyncImageProcessingDefault: confutil.Bool(c.Features.AsyncImageProcessing, true),

		LogJSON:       confutil.Bool(c.Log.JSON, false),
		LogFilePath:   confutil.String(c.Log.FilePath, ""),
		LogMaxSizeMB:  confutil.Int(c.Log.MaxSizeMB, 100),
		LogMaxBackups: confutil.Int(c.Log.MaxBackups, 5),
		LogMaxAgeDays: confutil.Int(c.Log.MaxAgeDays, 28),
		LogCompress:   confutil.Bool(c.Log.Compress, true),

		MetricsListenAddr: confutil.String(c.Metrics.ListenAddr, ":9090"),
	}
}

// Load reads a YAML config file from path, falling back to an empty
// (fully-defaulted) Config if path is empty or missing.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

// WatchFn is invoked with the freshly reloaded Config whenever the
// watched file changes. Only non-connection-affecting fields (stall
// timeouts, pool tunables surfaced by the caller) should actually be
// applied live; connection-shape fields require a restart.
type WatchFn func(Config)

// Watch uses fsnotify to hot-reload path on write, calling fn with the
// newly parsed Config. It logs and ignores parse errors rather than
// crashing the process on a bad edit.
func Watch(ctx context.Context, path string, fn WatchFn) (stop func(), err error) {
	if path == "" {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				c, err := Load(path)
				if err != nil {
					log.L(ctx).Warnf("config reload failed, keeping previous config: %s", err)
					continue
				}
				fn(c)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.L(ctx).Warnf("config watcher error: %s", err)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
