package app

import (
	"context"
	"fmt"

	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/config"
	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/hash/sha256"
	"github.com/JakeFAU/incremental-crawler/internal/sink"
	gcsstorage "github.com/JakeFAU/incremental-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/incremental-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/incremental-crawler/internal/storage/memory"
	mongostore "github.com/JakeFAU/incremental-crawler/internal/storage/mongo"
	pgstore "github.com/JakeFAU/incremental-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/incremental-crawler/internal/storage/redis"
)

// backends opens each shared client at most once, however many stores use it.
type backends struct {
	cfg    config.StorageConfig
	clock  crawler.Clock
	logger *zap.Logger

	redis  *goredis.Client
	pool   *pgxpool.Pool
	tables pgstore.Tables
	mongo  *mongodrv.Client
	gcs    *gcs.Client
}

func (b *backends) redisClient(ctx context.Context) (*goredis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	client, err := redisstore.NewClient(ctx, b.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis init failed: %w", err)
	}
	b.logger.Info("redis connected", zap.String("addr", b.cfg.Redis.Addr))
	b.redis = client
	return client, nil
}

func (b *backends) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if b.pool != nil {
		return b.pool, nil
	}
	tables, err := pgstore.TablesFor(b.cfg.Postgres.TablePrefix)
	if err != nil {
		return nil, crawler.NewError(crawler.KindFatalConfig, "postgres tables", b.cfg.Postgres.TablePrefix, err)
	}
	pool, err := pgstore.Connect(ctx, b.cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	if err := pgstore.EnsureSchema(ctx, pool, tables); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema failed: %w", err)
	}
	b.logger.Info("postgres connected", zap.String("records_table", tables.Records))
	b.pool, b.tables = pool, tables
	return pool, nil
}

func (b *backends) checkpoints(ctx context.Context) (crawler.CheckpointStore, error) {
	switch b.cfg.Checkpoints {
	case config.BackendFile:
		store, err := localstorage.NewCheckpointStore(b.cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local checkpoint store init failed: %w", err)
		}
		return store, nil
	case config.BackendRedis:
		client, err := b.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return redisstore.NewCheckpointStore(client, b.cfg.Redis.Prefix), nil
	case config.BackendPostgres:
		pool, err := b.postgres(ctx)
		if err != nil {
			return nil, err
		}
		store, err := pgstore.NewCheckpointStore(pool, b.tables.Checkpoints)
		if err != nil {
			return nil, fmt.Errorf("postgres checkpoint store init failed: %w", err)
		}
		return store, nil
	default:
		b.logger.Warn("using in-memory checkpoints; progress is lost on exit")
		return memorystorage.NewCheckpointStore(), nil
	}
}

func (b *backends) dedupLog(ctx context.Context) (crawler.DedupLog, error) {
	switch b.cfg.Dedup {
	case config.BackendFile:
		l, err := localstorage.NewDedupLog(b.cfg.Local, b.logger)
		if err != nil {
			return nil, fmt.Errorf("local dedup log init failed: %w", err)
		}
		return l, nil
	case config.BackendRedis:
		client, err := b.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return redisstore.NewDedupLog(client, b.cfg.Redis.Prefix), nil
	case config.BackendPostgres:
		pool, err := b.postgres(ctx)
		if err != nil {
			return nil, err
		}
		l, err := pgstore.NewDedupLog(pool, b.tables.Dedup)
		if err != nil {
			return nil, fmt.Errorf("postgres dedup log init failed: %w", err)
		}
		return l, nil
	default:
		b.logger.Warn("using in-memory dedup log; every run starts empty")
		return memorystorage.NewDedupLog(), nil
	}
}

func (b *backends) sink(ctx context.Context) (crawler.Sink, error) {
	var next crawler.Sink
	switch b.cfg.Sink {
	case config.BackendMongo:
		client, err := mongostore.Connect(ctx, b.cfg.Mongo)
		if err != nil {
			return nil, fmt.Errorf("mongo init failed: %w", err)
		}
		b.mongo = client
		next = mongostore.NewRecordSink(client.Database(b.cfg.Mongo.Database), b.logger.Named("mongo"))
		b.logger.Info("mongo record sink", zap.String("database", b.cfg.Mongo.Database))
	case config.BackendPostgres:
		pool, err := b.postgres(ctx)
		if err != nil {
			return nil, err
		}
		rs, err := pgstore.NewRecordSink(pool, b.tables.Records)
		if err != nil {
			return nil, fmt.Errorf("postgres record sink init failed: %w", err)
		}
		next = rs
	case config.BackendBlob:
		store, err := b.blobStore(ctx)
		if err != nil {
			return nil, err
		}
		bs, err := sink.NewBlobSink(store, sha256.New(), b.clock)
		if err != nil {
			return nil, fmt.Errorf("blob sink init failed: %w", err)
		}
		next = bs
	default:
		b.logger.Warn("using in-memory record sink; records are discarded on exit")
		next = memorystorage.NewRecordSink()
	}
	return sink.Instrument(next, b.logger.Named("sink")), nil
}

func (b *backends) blobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch b.cfg.Blob {
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		b.gcs = client
		store, err := gcsstorage.New(client, b.cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		b.logger.Info("gcs blob store", zap.String("bucket", b.cfg.GCS.Bucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(b.cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		b.logger.Debug("local blob store", zap.String("path", b.cfg.Local.BaseDir))
		return store, nil
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func (b *backends) close(ctx context.Context) {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			b.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if b.mongo != nil {
		if err := b.mongo.Disconnect(ctx); err != nil {
			b.logger.Warn("mongo disconnect failed", zap.Error(err))
		}
	}
	if b.gcs != nil {
		if err := b.gcs.Close(); err != nil {
			b.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}
