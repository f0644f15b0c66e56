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

// Package main is the order worker: it drains the Kafka order topic into
// Postgres in batches, reaps orders whose payment window lapsed, and
// periodically reconciles the audit ledger against the live counters.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flashsale/internal/audit"
	"flashsale/internal/config"
	"flashsale/internal/consumer"
	"flashsale/internal/inventory"
	"flashsale/internal/producer"
	"flashsale/internal/reaper"
	"flashsale/internal/sinks"
	"flashsale/internal/storage"
	"flashsale/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config; empty runs local defaults")
	metricsAddr := flag.String("metrics_addr", ":9091", "Prometheus /metrics listen address")
	dlqSpillPath := flag.String("dlq_spill", "dead_letters.jsonl", "Local JSONL fallback for dead letters the DLQ topic refused")
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

	telemetry.StartMetricsEndpoint(*metricsAddr)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	db, err := storage.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("postgres unreachable", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	if err := storage.EnsureSchema(ctx, db); err != nil {
		logger.Fatal("schema", zap.Error(err))
	}

	orders := storage.NewOrderRepo(db)
	stockLog := storage.NewStockLogRepo(db)

	// Reaper refunds go through the same ledger as the API's decrements;
	// without this the reconciliation would report phantom drift.
	ledger := audit.NewAppender(stockLog, cfg.Audit.BatchSize, cfg.Audit.FlushInterval, logger)
	ledger.Start()
	defer ledger.Stop()
	engine := inventory.NewEngine(rdb, ledger, logger)

	sp, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, producer.SaramaConfig())
	if err != nil {
		logger.Fatal("kafka producer", zap.Error(err))
	}
	defer func() { _ = sp.Close() }()
	dlq := producer.NewDLQ(sp, cfg.Kafka.DLQTopic, logger)

	group, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, consumer.SaramaConfig())
	if err != nil {
		logger.Fatal("kafka consumer group", zap.Error(err))
	}
	defer func() { _ = group.Close() }()

	handler := consumer.NewHandler(orders, dlq,
		cfg.Consumer.BatchSize, cfg.Consumer.FlushInterval, cfg.Consumer.MaxRetry, logger)
	spill, err := sinks.NewDeadLetterFileSink(*dlqSpillPath)
	if err != nil {
		logger.Fatal("dead-letter spill file", zap.Error(err))
	}
	defer func() { _ = spill.Close() }()
	handler.WithSpill(spill)

	sweeper := reaper.New(orders, engine, cfg.Reaper.PaymentWindow, cfg.Reaper.SweepInterval, logger)
	reconciler := audit.NewReconciler(stockLog, engine, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx, group, []string{cfg.Kafka.OrderTopic}, handler, logger)
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				skus, err := stockLog.SKUs(gctx)
				if err != nil {
					logger.Error("reconciliation sku scan failed", zap.Error(err))
					continue
				}
				for _, sku := range skus {
					if _, err := reconciler.Check(gctx, sku); err != nil {
						logger.Error("reconciliation failed", zap.String("sku", sku), zap.Error(err))
					}
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatal("worker exited", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
