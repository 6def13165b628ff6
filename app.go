package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-gallery/internal/blobstore"
	"github.com/example/face-gallery/internal/cache"
	"github.com/example/face-gallery/internal/comparator"
	"github.com/example/face-gallery/internal/config"
	"github.com/example/face-gallery/internal/enrollment"
	"github.com/example/face-gallery/internal/gallery"
	"github.com/example/face-gallery/internal/grpcclient"
	"github.com/example/face-gallery/internal/match"
	"github.com/example/face-gallery/internal/repository"
	"github.com/example/face-gallery/internal/repository/sqlite"
	"github.com/example/face-gallery/internal/usecase"
)

var errDataDirLocked = errors.New("data directory is in use by another process")

// storage is what a database driver provides: the identity store backing the
// gallery index and the verification log repository.
type storage struct {
	identities gallery.Store
	logs       usecase.VerificationRepository
	close      func() error
}

// app holds every long-lived component of a running server.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	index   *gallery.Index
	usecase *usecase.FaceUseCase
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.DatabaseDriver != config.DriverMemory {
		if err := a.lockDataDir(); err != nil {
			return nil, err
		}
	}

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.close)

	images, err := openBlobStore(cfg)
	if err != nil {
		return nil, err
	}

	kv, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeCache)
	probes := blobstore.NewCacheStore(kv, cfg.ProbeTTL)

	cmp, err := a.openComparator(ctx)
	if err != nil {
		return nil, err
	}

	a.index = gallery.NewIndex(store.identities, logger)
	if err := a.index.Load(ctx); err != nil {
		return nil, fmt.Errorf("load gallery: %w", err)
	}
	logger.Info("gallery loaded", zap.Int("identities", a.index.Len()))

	engine := match.NewEngine(a.index, probes, images, cmp, match.Options{
		Workers:        cfg.MatchWorkers,
		CompareTimeout: cfg.CompareTimeout,
	}, logger)
	enroller := enrollment.NewService(images, a.index, enrollment.Options{
		AllowDuplicateImages: cfg.AllowDuplicateImages,
	}, logger)
	a.usecase = usecase.NewFaceUseCase(store.logs, kv, probes, enroller, engine, usecase.Options{
		ResultTTL: cfg.ResultTTL,
	}, logger)
	return a, nil
}

// Close releases resources in reverse acquisition order. It is safe to call
// more than once; later calls are no-ops.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to release resource", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) lockDataDir() error {
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(a.cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", errDataDirLocked, a.cfg.LockPath())
	}
	a.closers = append(a.closers, lock.Unlock)
	return nil
}

func (a *app) openComparator(ctx context.Context) (comparator.Comparator, error) {
	switch a.cfg.Comparator {
	case config.ComparatorGRPC:
		client, conn, err := grpcclient.DialComparator(ctx, a.cfg.ComparatorAddr, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect to face comparator: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		return client, nil
	default:
		return comparator.NewPHash(a.cfg.PHashThreshold), nil
	}
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage, error) {
	switch cfg.DatabaseDriver {
	case config.DriverMemory:
		return &storage{logs: repository.NewMemoryRepository(), close: func() error { return nil }}, nil
	case config.DriverPostgres:
		db, err := initDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("access db handle: %w", err)
		}
		repo := repository.NewGormRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		return &storage{identities: repo, logs: repo, close: sqlDB.Close}, nil
	default:
		store, err := sqlite.Open(ctx, cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		return &storage{identities: store, logs: store, close: store.Close}, nil
	}
}

func openBlobStore(cfg *config.Config) (blobstore.Store, error) {
	if cfg.DatabaseDriver == config.DriverMemory {
		return blobstore.NewMemoryStore(nil), nil
	}
	return blobstore.NewImageDir(cfg.BlobDir())
}

// openCache returns Redis when REDIS_ADDR is set, an in-process cache otherwise.
func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Cache, func() error, error) {
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set, using in-process cache for probes and results")
		return cache.NewMemoryCache(), func() error { return nil }, nil
	}
	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := initRedis(redisCtx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedisCache(client), client.Close, nil
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return client, nil
}
