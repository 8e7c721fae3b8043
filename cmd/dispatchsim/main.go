// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command dispatchsim drives a single Key_Shared subscription end to end
// against a scripted workload: a producer goroutine appends entries under a
// handful of sticky keys, a Driver reads and dispatches them to a small
// pool of simulated consumers, and each consumer's simulated ack feeds back
// into the log's cursor so mark-delete keeps advancing. It exists to
// exercise the dispatch, registry, redelivery, selector, config, metrics
// and refledger packages together, the way a real broker's Key_Shared
// subscription would.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/absmach/keyshared/config"
	"github.com/absmach/keyshared/dispatch"
	"github.com/absmach/keyshared/metrics"
	"github.com/absmach/keyshared/rangeset"
	"github.com/absmach/keyshared/refledger"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	store := flag.String("store", "memory", "Log backend: memory or badger")
	badgerDir := flag.String("badger-dir", "", "BadgerDB directory (empty runs in-memory)")
	consumers := flag.Int("consumers", 3, "Number of simulated consumers")
	keys := flag.Int("keys", 8, "Number of distinct sticky keys produced")
	produceFor := flag.Duration("duration", 5*time.Second, "How long the producer runs before shutting down")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("dispatchsim: failed to load configuration", "err", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	instanceID := uuid.NewString()
	logger := slog.New(handler).With("instance", instanceID)
	slog.SetDefault(logger)

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracesEnabled {
		shutdown, err := metrics.InitProvider(cfg.Observability, instanceID)
		if err != nil {
			logger.Error("dispatchsim: failed to init observability provider", "err", err)
			os.Exit(1)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	var obs dispatch.Observer
	m, err := metrics.NewMetrics()
	if err != nil {
		logger.Warn("dispatchsim: metrics instruments unavailable, running without an observer", "err", err)
	} else {
		obs = m
	}

	cursor, ackFn, closeStore, err := openStore(*store, *badgerDir)
	if err != nil {
		logger.Error("dispatchsim: failed to open store", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	d := dispatch.New(cfg.Subscription.ToDispatchConfig(nil), cursor, cursor, logger)
	if obs != nil {
		d.SetObserver(obs)
	}

	driver := dispatch.NewDriver(d, cursor, cfg.Driver.ReadBatchSize, cfg.Driver.TickInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go driver.Run(ctx)

	for i := 0; i < *consumers; i++ {
		name := consumerNameForIndex(i)
		c := newSimConsumer(name, 20, logger, func(e dispatch.Entry) {
			if err := ackFn(e.Position); err != nil {
				logger.Warn("dispatchsim: ack failed", "position", e.Position.String(), "err", err)
				return
			}
			d.MarkDeleteAdvanced(e.Position)
		}, driver.Notify)
		if err := d.AddConsumer(c); err != nil {
			logger.Error("dispatchsim: failed to attach consumer", "consumer", name, "err", err)
			os.Exit(1)
		}
		logger.Info("dispatchsim: consumer attached", "consumer", name)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	produceCtx, stopProducing := context.WithTimeout(ctx, *produceFor)
	defer stopProducing()

	logger.Info("dispatchsim: producing entries", "duration", produceFor.String(), "keys", *keys)
	go produce(produceCtx, cursor, driver, *keys)

	select {
	case <-produceCtx.Done():
		logger.Info("dispatchsim: producer finished, draining outstanding acks")
		time.Sleep(200 * time.Millisecond)
	case sig := <-sigCh:
		logger.Info("dispatchsim: received shutdown signal", "signal", sig)
	}

	cancel()
	driver.Stop()
	logger.Info("dispatchsim: stopped")
}

// producingCursor is the Ledger and Cursor view of refledger.MemoryLog or
// BadgerLog that the producer loop receives; produce reaches each log's
// Append method through a type assertion.
type producingCursor interface {
	dispatch.Ledger
	dispatch.Cursor
}

func produce(ctx context.Context, cursor producingCursor, driver *dispatch.Driver, keyCount int) {
	appendFn, ok := cursor.(interface{ Append([]byte) (rangeset.Position, error) })
	var badgerAppend func([]byte) (rangeset.Position, error)
	var memAppend func([]byte) rangeset.Position
	if ok {
		badgerAppend = appendFn.Append
	} else if mem, ok := cursor.(interface{ Append([]byte) rangeset.Position }); ok {
		memAppend = mem.Append
	}

	keys := make([][]byte, keyCount)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key := keys[rand.Intn(len(keys))]
			if badgerAppend != nil {
				if _, err := badgerAppend(key); err != nil {
					slog.Warn("dispatchsim: append failed", "err", err)
					continue
				}
			} else {
				memAppend(key)
			}
			driver.Notify()
		}
	}
}

// openStore builds a producingCursor plus an ack function that folds a
// position back into the log's mark-delete bookkeeping, for either backend.
func openStore(kind, badgerDir string) (producingCursor, func(rangeset.Position) error, func(), error) {
	switch kind {
	case "badger":
		opts := badgerdb.DefaultOptions(badgerDir)
		if badgerDir == "" {
			opts = opts.WithInMemory(true)
		}
		db, err := badgerdb.Open(opts)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open badger: %w", err)
		}
		log := refledger.NewBadgerLog(db)
		return log, log.Ack, func() { _ = db.Close() }, nil
	case "memory", "":
		log := refledger.NewMemoryLog()
		return log, func(p rangeset.Position) error { log.Ack(p); return nil }, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
