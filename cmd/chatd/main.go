package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tokmz/chatd/internal/auth"
	"github.com/tokmz/chatd/internal/config"
	"github.com/tokmz/chatd/internal/core"
	"github.com/tokmz/chatd/internal/db"
	"github.com/tokmz/chatd/internal/handler"
	"github.com/tokmz/chatd/internal/logger"
	"github.com/tokmz/chatd/internal/pool"
	"github.com/tokmz/chatd/internal/snowflake"
	"github.com/tokmz/chatd/internal/store"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	mgr, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.App()
	mgr.Watch()

	log, err := logger.New(&logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Console: cfg.Log.Console,
		File:    cfg.Log.File,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}

	ids, err := snowflake.New(cfg.Snowflake.ShardID, cfg.Snowflake.Epoch)
	if err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}

	dbPool, err := db.NewPool(db.Config{
		Type:     cfg.Database.Type,
		DSN:      cfg.Database.DSN,
		PoolSize: cfg.Database.PoolSize,
	}, log)
	if err != nil {
		return fmt.Errorf("init db pool: %w", err)
	}
	defer dbPool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(dbPool, ids, log)
	if err := st.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var tokenOpts []auth.TokenOption
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		tokenOpts = append(tokenOpts, auth.WithRedis(rdb))
		log.Info("token revocation enabled", zap.String("redis", cfg.Redis.Addr))
	}

	tokens, err := auth.NewTokenManager(cfg.Server.JWTSecret, log, tokenOpts...)
	if err != nil {
		return fmt.Errorf("init token manager: %w", err)
	}

	workers := pool.New(cfg.Server.Workers, log)
	defer workers.Stop()

	registry := core.NewRegistry(log)
	api := handler.NewAPI(st, tokens, log)
	chat := handler.NewChat(st, registry, log)

	srv := core.NewServer(cfg.Server.Addr(), core.SessionConfig{
		ReadTimeout:   cfg.Server.ReadTimeout,
		InflightLimit: cfg.Server.InflightLimit,
		BodyLimit:     cfg.Server.BodyLimit,
	}, core.Deps{
		Handler:  api,
		Messages: chat,
		Tokens:   tokens,
		Registry: registry,
		Workers:  workers,
		Logger:   log,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Info("chatd started", zap.String("addr", cfg.Server.Addr()))

	<-ctx.Done()
	log.Info("shutting down")
	srv.Shutdown()

	return nil
}
