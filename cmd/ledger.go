package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"storagequota/internal/config"
	"storagequota/internal/pkg/logger"
	"storagequota/internal/repository"
	"storagequota/internal/service/s3"
)

// openLedger connects the configured backend. The returned func releases it.
func openLedger(ctx context.Context, cfg *config.Config) (repository.LedgerStore, func(), error) {
	switch cfg.Ledger.Backend {
	case config.BackendPostgres:
		return openPostgresLedger(cfg)
	case config.BackendRedis:
		return openRedisLedger(ctx, cfg)
	case config.BackendS3:
		client, err := s3.NewClient(&cfg.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		return repository.NewS3Ledger(client, cfg.S3.Prefix), func() {}, nil
	case config.BackendMongo:
		return openMongoLedger(ctx, cfg)
	default:
		logger.Warn("Using in-memory ledger, quota data is not persisted")
		return repository.NewMemoryLedger(), func() {}, nil
	}
}

func openPostgresLedger(cfg *config.Config) (repository.LedgerStore, func(), error) {
	db, err := connectWithRetry(cfg.Database, 5, time.Second*5)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database after retries: %w", err)
	}

	if err := runMigrations(cfg.Database); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	closeFn := func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database connection", zap.Error(err))
		}
	}
	return repository.NewPostgresLedger(db), closeFn, nil
}

func connectWithRetry(dbCfg config.DatabaseConfig, maxAttempts int, delay time.Duration) (*sqlx.DB, error) {
	// Connect to the system database first so the target can be created.
	sysCfg := dbCfg
	sysCfg.Name = "postgres"
	pgDB, err := sqlx.Connect("postgres", sysCfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres database: %w", err)
	}
	defer pgDB.Close()

	var exists bool
	err = pgDB.Get(&exists, "SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)", dbCfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		logger.Info("Database does not exist, creating", zap.String("database", dbCfg.Name))
		quoted := `"` + strings.ReplaceAll(dbCfg.Name, `"`, `""`) + `"`
		if _, err = pgDB.Exec("CREATE DATABASE " + quoted); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	var db *sqlx.DB
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.Connect("postgres", dbCfg.GetDSN())
		if err == nil {
			return db, nil
		}

		logger.Warn("Failed to connect to database",
			zap.Int("attempt", i+1), zap.Int("max_attempts", maxAttempts), zap.Error(err))
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, err)
}

func runMigrations(dbCfg config.DatabaseConfig) error {
	var m *migrate.Migrate
	var err error

	for i := 0; i < 5; i++ {
		m, err = migrate.New(dbCfg.MigrationsPath, dbCfg.GetURL())
		if err == nil {
			break
		}
		logger.Warn("Failed to create migrate instance", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(time.Second * 5)
	}

	if err != nil {
		return fmt.Errorf("failed to create migrate instance after retries: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		logger.Warn("Found dirty database state, forcing version", zap.Uint("version", version))
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func openRedisLedger(ctx context.Context, cfg *config.Config) (repository.LedgerStore, func(), error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Error("Error closing redis client", zap.Error(err))
		}
	}
	return repository.NewRedisLedger(client, repository.WithKeyPrefix(cfg.Redis.KeyPrefix)), closeFn, nil
}

func openMongoLedger(ctx context.Context, cfg *config.Config) (repository.LedgerStore, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	ledger := repository.NewMongoLedger(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection))
	if err := ledger.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}

	closeFn := func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Error("Error disconnecting mongo client", zap.Error(err))
		}
	}
	return ledger, closeFn, nil
}
