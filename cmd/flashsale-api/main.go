// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the flash-sale API server: it terminates purchase
// traffic and runs the full admission pipeline in front of the shared
// counters. Order persistence happens in the separate order-worker
// binary; the two meet at the Kafka order topic.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flashsale/internal/activity"
	"flashsale/internal/admission"
	"flashsale/internal/api"
	"flashsale/internal/audit"
	"flashsale/internal/config"
	"flashsale/internal/inventory"
	"flashsale/internal/pipeline"
	"flashsale/internal/producer"
	"flashsale/internal/risk"
	"flashsale/internal/storage"
	"flashsale/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config; empty runs local defaults")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.StartMetricsEndpoint(cfg.HTTP.MetricsAddr)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	db, err := storage.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("postgres unreachable", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	if err := storage.EnsureSchema(ctx, db); err != nil {
		logger.Fatal("schema", zap.Error(err))
	}

	orders := storage.NewOrderRepo(db)
	activities := storage.NewActivityRepo(db)
	stockLog := storage.NewStockLogRepo(db)

	ledger := audit.NewAppender(stockLog, cfg.Audit.BatchSize, cfg.Audit.FlushInterval, logger)
	ledger.Start()
	defer ledger.Stop()

	engine := inventory.NewEngine(rdb, ledger, logger)

	sp, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, producer.SaramaConfig())
	if err != nil {
		logger.Fatal("kafka producer", zap.Error(err))
	}
	prod := producer.New(sp, cfg.Kafka.OrderTopic, cfg.Kafka.Partitions, engine, logger)
	defer func() { _ = prod.Close() }()

	buckets := admission.NewConfigStore(rdb, admission.Bucket{
		Capacity:   cfg.Admission.BucketCapacity,
		RefillRate: cfg.Admission.RefillRate,
	})
	queueTokens := admission.NewQueueTokenStore(rdb, cfg.Admission.QueueTokenTTL)
	limiter := admission.NewLimiter(rdb, buckets, queueTokens, logger)

	assessor := risk.NewAssessor(rdb, risk.Thresholds{
		TLow:  cfg.Risk.TLow,
		THigh: cfg.Risk.THigh,
	}, cfg.Risk.DenyIPs, logger)

	sales := activity.NewService(activities, engine, logger)
	pipe := pipeline.New(assessor, limiter, sales, engine, prod, logger)
	server := api.NewServer(pipe, orders, queueTokens, sales, engine, logger).
		WithBucketTuner(buckets)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.HTTP.Addr)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
