// Package db selects and opens the configured record store backend.
package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"command-codes/internal/config"
	"command-codes/internal/domain/ports/repository"
	"command-codes/internal/infra/db/boltstore"
	"command-codes/internal/infra/db/filestore"
	"command-codes/internal/infra/db/postgres"
	"command-codes/internal/infra/redis"
)

// Handle is an opened backend. Close releases its connections or file handles.
type Handle struct {
	Store repository.RecordStore
	Close func() error
}

// BackupRestorer is implemented by backends that keep a rewrite backup.
type BackupRestorer interface {
	RestoreBackup(ctx context.Context) error
}

// Open opens the backend named by cfg.Storage.Backend. For the file backend
// a backup left by an interrupted rewrite is recovered first.
func Open(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*Handle, error) {
	noClose := func() error { return nil }

	switch cfg.Storage.Backend {
	case "file", "":
		fs := filestore.New(cfg.Storage.File.Path,
			filestore.WithBackupSuffix(cfg.Storage.File.BackupSuffix),
			filestore.WithLogger(logger))
		if _, err := fs.Recover(ctx); err != nil {
			return nil, err
		}
		return &Handle{Store: fs, Close: noClose}, nil

	case "bolt":
		bs, err := boltstore.Open(cfg.Storage.Bolt.Path, cfg.Storage.Bolt.Bucket, logger)
		if err != nil {
			return nil, err
		}
		return &Handle{Store: bs, Close: bs.Close}, nil

	case "redis":
		cli, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		rs := redis.NewRecordStore(cli, cfg.Storage.Redis.Key, logger).WithLocker(redis.NewLocker(cli))
		return &Handle{Store: rs, Close: cli.Close}, nil

	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Storage.Postgres.URL)
		if err != nil {
			return nil, err
		}
		ps := postgres.NewRecordStore(pool, postgres.NewTxManager(pool), cfg.Storage.Postgres.Table, logger)
		return &Handle{Store: ps, Close: func() error { pool.Close(); return nil }}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}
