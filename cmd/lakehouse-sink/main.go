// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/novatechflow/lakehouse-sink/internal/checkpoint"
	"github.com/novatechflow/lakehouse-sink/internal/config"
	"github.com/novatechflow/lakehouse-sink/internal/processor"
	"github.com/novatechflow/lakehouse-sink/internal/queue"
	"github.com/novatechflow/lakehouse-sink/internal/schema"
	"github.com/novatechflow/lakehouse-sink/internal/server"
	"github.com/novatechflow/lakehouse-sink/internal/sink"
	"github.com/novatechflow/lakehouse-sink/internal/source"
)

const (
	defaultConfigPath  = "config/lakehouse-sink.yaml"
	defaultMetricsAddr = ":9093"
	shutdownTimeout    = 30 * time.Second
)

func main() {
	configPath := flag.String("config", envOrDefault("LAKEHOUSE_CONFIG", defaultConfigPath), "path to the sink configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	if err := run(ctx, *configPath, logger); err != nil {
		logger.Error("lakehouse sink stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", "path", configPath, "writer", cfg.Writer.Type, "topic", cfg.Kafka.Topic, "offsets", cfg.Offsets.Backend)

	q := queue.New(cfg.Queue.Capacity)
	store, err := checkpoint.NewStore(cfg)
	if err != nil {
		return err
	}
	src, err := source.New(ctx, cfg, q, store, logger.With("component", "source"))
	if err != nil {
		_ = store.Close()
		return err
	}
	factory, err := sink.NewFactory(ctx, cfg, logger.With("component", "writer"))
	if err != nil {
		_ = src.Close(context.Background())
		return err
	}
	validator, err := schema.NewValidator(cfg.Validation)
	if err != nil {
		_ = src.Close(context.Background())
		return err
	}
	proc, err := processor.New(cfg.Commit, processor.Deps{
		Queue:     q,
		Factory:   factory,
		Validator: validator,
		Logger:    logger.With("component", "processor"),
	})
	if err != nil {
		_ = src.Close(context.Background())
		return err
	}

	server.Start(ctx, envOrDefault("LAKEHOUSE_METRICS_ADDR", defaultMetricsAddr), server.NewMux(proc, nil), logger)

	// The loop is stopped through Close so an in-flight flush is never cut short.
	procDone := make(chan error, 1)
	go func() { procDone <- proc.Run(context.Background()) }()
	srcCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	srcDone := make(chan error, 1)
	go func() { srcDone <- src.Run(srcCtx) }()

	var runErr error
	procExited, srcExited := false, false
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-procDone:
		procExited = true
	case runErr = <-srcDone:
		srcExited = true
	}

	stopSource()
	if !srcExited {
		if err := <-srcDone; err != nil && runErr == nil {
			runErr = err
		}
	}
	closeErr := proc.Close()
	if !procExited {
		if err := <-procDone; err != nil && runErr == nil {
			runErr = err
		}
	}
	q.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := src.Close(shutdownCtx); err != nil {
		logger.Warn("source close failed", "error", err)
	}
	if closeErr != nil {
		logger.Warn("processor close failed", "error", closeErr)
	}
	return runErr
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LAKEHOUSE_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LAKEHOUSE_LOG_FORMAT"), "console") {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "[15:04:05.000]",
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		})
	}
	return slog.New(handler).With("service", "lakehouse-sink")
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
