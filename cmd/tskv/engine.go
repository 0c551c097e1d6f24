package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tskv"
	"tskv/config"
	"tskv/database"
	"tskv/storage"
	"tskv/storage/longtxengine"
	"tskv/storage/memoryengine"
	"tskv/storage/occengine"
	"tskv/transaction"
)

// openDatabase builds the storage.Engine named by cfg.Engine.Kind and opens
// a Database around it.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.Database, error) {
	var engine storage.Engine
	switch cfg.Engine.Kind {
	case config.EngineMemory:
		engine = memoryengine.New()
	case config.EngineOCC:
		if err := os.MkdirAll(cfg.Engine.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		engine = occengine.New(filepath.Join(cfg.Engine.DataDir, "tskv.db"))
	case config.EngineLongTx:
		engine = longtxengine.New()
	default:
		return nil, fmt.Errorf("unknown engine kind: %q", cfg.Engine.Kind)
	}

	opts := tskv.NewDatabaseOptions()
	if cfg.Transaction.PerformanceTracking {
		opts = opts.WithAttribute(tskv.KeyPerformanceTracking, "true")
	}

	db, code := database.Open(ctx, engine, opts)
	if code != tskv.OK {
		return nil, fmt.Errorf("open database: %s", code)
	}
	return db, nil
}

// finisher builds the commit-or-abort callback the storage.Registry expects,
// closing over db and the transaction it should finalize.
func finisher(ctx context.Context, db *database.Database, txn *transaction.Transaction) func(commit bool) tskv.StatusCode {
	return func(commit bool) tskv.StatusCode {
		if commit {
			return db.Commit(ctx, txn, false)
		}
		return db.Abort(ctx, txn)
	}
}
