package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/urfave/cli/v3"

	"threatscan/internal/cache/disk"
	"threatscan/internal/cache/remote"
	"threatscan/internal/config"
	"threatscan/internal/dataio"
	"threatscan/internal/ledger"
	"threatscan/internal/pipeline"
	"threatscan/internal/runner"
)

// env is everything a command needs, built from config and global flags.
type env struct {
	cfg    *config.Config
	store  *disk.Store
	ledger ledger.Recorder
	pipe   *pipeline.Pipeline
}

func (e *env) Close() {
	if e.ledger != nil {
		if err := e.ledger.Close(); err != nil {
			log.WithError(err).Warn("close ledger")
		}
	}
}

func openEnv(cmd *cli.Command) (*env, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if v := cmd.String("cache-dir"); v != "" {
		cfg.CacheDir = v
	}
	if v := cmd.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	store, err := disk.NewStore(disk.Config{Root: cfg.CacheDir})
	if err != nil {
		return nil, err
	}
	rec, err := ledger.Open(cfg.LedgerPath(), cfg.LedgerDSN)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, store: store, ledger: rec}

	opts := []runner.Option{runner.WithLedger(rec), runner.WithHotEntries(cfg.HotEntries)}
	if cfg.Mirror.Enabled {
		m, err := remote.NewS3Mirror(remote.S3Config{
			Endpoint:   cfg.Mirror.Endpoint,
			Region:     cfg.Mirror.Region,
			AccessKey:  cfg.Mirror.AccessKey,
			SecretKey:  cfg.Mirror.SecretKey,
			Bucket:     cfg.Mirror.Bucket,
			Prefix:     cfg.Mirror.Prefix,
			UseSSL:     cfg.Mirror.UseSSL,
			MarkerFile: store.MarkerFile(),
		})
		if err != nil {
			e.Close()
			return nil, err
		}
		opts = append(opts, runner.WithMirror(m))
		log.WithFields(log.Fields{"endpoint": cfg.Mirror.Endpoint, "bucket": cfg.Mirror.Bucket}).Info("remote mirror enabled")
	}
	reg, err := runner.NewRegistry(store, opts...)
	if err != nil {
		e.Close()
		return nil, err
	}

	popts := []pipeline.Option{pipeline.WithChunkBytes(cfg.ChunkBytes)}
	if seed := cmd.Int("seed"); seed > 0 {
		popts = append(popts, pipeline.WithSeed(func() uint64 { return uint64(seed) }))
	}
	e.pipe, err = pipeline.New(reg, dataio.NewNpyPartitioner(cfg.DataDir), popts...)
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}
