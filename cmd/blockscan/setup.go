package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/blockscan/internal/config"
	"github.com/ahrav/blockscan/internal/domain/scan"
	"github.com/ahrav/blockscan/internal/infra/reporter"
	"github.com/ahrav/blockscan/internal/infra/storage"
	cpbadger "github.com/ahrav/blockscan/internal/infra/storage/checkpoint/badger"
	cpmemory "github.com/ahrav/blockscan/internal/infra/storage/checkpoint/memory"
	cppostgres "github.com/ahrav/blockscan/internal/infra/storage/checkpoint/postgres"
	cpsqlite "github.com/ahrav/blockscan/internal/infra/storage/checkpoint/sqlite"
	"github.com/ahrav/blockscan/internal/infra/storage/records"
	recmemory "github.com/ahrav/blockscan/internal/infra/storage/records/memory"
	recpostgres "github.com/ahrav/blockscan/internal/infra/storage/records/postgres"
	recsqlite "github.com/ahrav/blockscan/internal/infra/storage/records/sqlite"
	"github.com/ahrav/blockscan/pkg/common"
	"github.com/ahrav/blockscan/pkg/common/logger"
)

// dependencies are the adapters one run needs plus everything that must be
// closed afterwards.
type dependencies struct {
	checkpoints scan.CheckpointRepository
	records     scan.RecordQuerier
	reporter    scan.Reporter

	pools   map[string]*pgxpool.Pool
	sqlite  map[string]*sql.DB
	closers []func() error
}

// Close releases connections in reverse order of acquisition.
func (d *dependencies) Close(log *logger.Logger) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Warn(context.Background(), "failed to close dependency", "error", err)
		}
	}
}

func setup(
	ctx context.Context,
	cfg *config.Config,
	runID string,
	stdout io.Writer,
	log *logger.Logger,
	tracer trace.Tracer,
) (*dependencies, error) {
	d := &dependencies{pools: make(map[string]*pgxpool.Pool), sqlite: make(map[string]*sql.DB)}
	setupLog := logger.NewLoggerContext(log)
	setupLog.Add("records_driver", cfg.Records.Driver, "checkpoint_driver", cfg.Checkpoint.Driver, "sink", cfg.Sink)

	var err error
	if d.records, err = d.openRecords(ctx, cfg, log, tracer); err != nil {
		d.Close(log)
		return nil, err
	}
	if d.checkpoints, err = d.openCheckpoints(ctx, cfg, log, tracer); err != nil {
		d.Close(log)
		return nil, err
	}
	if d.reporter, err = d.openReporter(ctx, cfg, runID, stdout, log, tracer); err != nil {
		d.Close(log)
		return nil, err
	}

	setupLog.Info(ctx, "stores ready")
	return d, nil
}

func (d *dependencies) openRecords(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
	tracer trace.Tracer,
) (scan.RecordQuerier, error) {
	var q scan.RecordQuerier
	switch cfg.Records.Driver {
	case config.DriverMemory:
		q = recmemory.NewRecordStore()
	case config.DriverSQLite:
		db, err := d.sqliteDB(cfg.Records.DSN)
		if err != nil {
			return nil, err
		}
		q = recsqlite.NewRecordStore(db, tracer)
	case config.DriverPostgres:
		pool, err := d.pgPool(ctx, cfg.Records.DSN, log)
		if err != nil {
			return nil, err
		}
		q = recpostgres.NewRecordStore(pool, tracer)
	default:
		return nil, fmt.Errorf("unsupported records driver %q", cfg.Records.Driver)
	}
	return records.NewRateLimited(q, cfg.Records.RateLimit, cfg.Records.Burst), nil
}

func (d *dependencies) openCheckpoints(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
	tracer trace.Tracer,
) (scan.CheckpointRepository, error) {
	switch cfg.Checkpoint.Driver {
	case config.DriverMemory:
		log.Warn(ctx, "checkpoints are kept in memory; an interrupted run restarts from the beginning")
		return cpmemory.NewCheckpointStore(), nil
	case config.DriverSQLite:
		db, err := d.sqliteDB(cfg.Checkpoint.DSN)
		if err != nil {
			return nil, err
		}
		return cpsqlite.NewCheckpointStore(db, tracer), nil
	case config.DriverPostgres:
		pool, err := d.pgPool(ctx, cfg.Checkpoint.DSN, log)
		if err != nil {
			return nil, err
		}
		return cppostgres.NewCheckpointStore(pool, tracer), nil
	case config.DriverBadger:
		store, err := cpbadger.Open(cfg.Checkpoint.Path, log, tracer)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint driver %q", cfg.Checkpoint.Driver)
	}
}

func (d *dependencies) openReporter(
	ctx context.Context,
	cfg *config.Config,
	runID string,
	stdout io.Writer,
	log *logger.Logger,
	tracer trace.Tracer,
) (scan.Reporter, error) {
	var console, kafka scan.Reporter
	if cfg.Sink == config.SinkConsole || cfg.Sink == config.SinkBoth {
		console = reporter.NewConsole(stdout, reporter.WithDevStats(cfg.Dev))
	}
	if cfg.Sink == config.SinkKafka || cfg.Sink == config.SinkBoth {
		producer, err := reporter.ConnectKafkaProducer(ctx, reporter.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		}, log)
		if err != nil {
			return nil, err
		}
		k := reporter.NewKafka(producer, cfg.Kafka.Topic, runID, cfg.Job, log, tracer)
		d.closers = append(d.closers, k.Close)
		kafka = k
	}
	return reporter.NewTee(console, kafka), nil
}

// sqliteDB opens each SQLite file once so records and checkpoints can share
// it.
func (d *dependencies) sqliteDB(path string) (*sql.DB, error) {
	if db, ok := d.sqlite[path]; ok {
		return db, nil
	}
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	d.sqlite[path] = db
	d.closers = append(d.closers, db.Close)
	return db, nil
}

// pgPool connects to each DSN once, retrying while the server comes up, and
// applies the schema.
func (d *dependencies) pgPool(ctx context.Context, dsn string, log *logger.Logger) (*pgxpool.Pool, error) {
	if pool, ok := d.pools[dsn]; ok {
		return pool, nil
	}
	pool, err := common.ConnectWithRetry(ctx, log, "postgres", common.DefaultConnectConfig(),
		func(ctx context.Context) (*pgxpool.Pool, error) {
			return storage.OpenPool(ctx, storage.PoolConfig{DSN: dsn})
		})
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() error { pool.Close(); return nil })

	if err := storage.RunMigrations(ctx, pool); err != nil {
		return nil, err
	}
	d.pools[dsn] = pool
	return pool, nil
}
