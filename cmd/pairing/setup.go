package main

import (
	"context"
	"fmt"
	"time"

	"pairing_engine/internal/docstore"
	"pairing_engine/internal/feed"
	"pairing_engine/internal/history"
	"pairing_engine/internal/logger"
	"pairing_engine/internal/server"
	"pairing_engine/internal/session"
	"pairing_engine/internal/task"
	"pairing_engine/internal/user"
)

// app 组装好的服务依赖
type app struct {
	users         *user.StaticProvider
	store         *docstore.Store
	history       *history.FileStore
	tasks         *task.Manager
	server        *server.Server
	retentionDays int
}

// setup 按配置初始化各组件
func setup(cfg *Config) (*app, error) {
	// 1. 初始化 User Provider
	userProvider, err := user.NewStaticProvider(cfg.Paths.Users)
	if err != nil {
		return nil, fmt.Errorf("init user provider: %w", err)
	}

	// 2. 初始化 History Store 并清理过期记录
	historyStore, err := history.NewFileStore(cfg.Paths.History)
	if err != nil {
		return nil, fmt.Errorf("init history store: %w", err)
	}
	if err := historyStore.Cleanup(cfg.History.RetentionDays); err != nil {
		logger.Warn("history cleanup failed: %v", err)
	}

	// 3. 初始化文档存储，写操作经过熔断器
	store, err := docstore.NewStore(cfg.Paths.DB)
	if err != nil {
		return nil, fmt.Errorf("init docstore: %w", err)
	}
	guarded := docstore.NewGuarded(store, docstore.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Timeout:          cfg.Breaker.Timeout,
	})

	// 4. 会话管理
	hub := feed.NewHub()
	sessions := session.NewManager(guarded,
		session.WithCategories(cfg.Categories()...),
		session.WithPublisher(hub),
	)

	tasks := task.NewManager()
	srv := server.NewServer(server.Options{
		Users:          userProvider,
		Sessions:       sessions,
		Store:          store,
		History:        historyStore,
		Hub:            hub,
		Tasks:          tasks,
		HydrateTimeout: cfg.Session.HydrateTimeout,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	})

	return &app{
		users:         userProvider,
		store:         store,
		history:       historyStore,
		tasks:         tasks,
		server:        srv,
		retentionDays: cfg.History.RetentionDays,
	}, nil
}

// maintain 清理已完成的任务、不活跃用户的限流状态和过期的下发历史
func (a *app) maintain(ctx context.Context) {
	if n := a.tasks.Prune(time.Hour); n > 0 {
		logger.Debug("pruned %d finished tasks", n)
	}
	if n := a.server.PruneLimiters(time.Hour); n > 0 {
		logger.Debug("pruned %d idle rate limiters", n)
	}
	if err := a.history.Cleanup(a.retentionDays); err != nil {
		logger.Warn("history cleanup failed: %v", err)
	}
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logger.Error("close docstore: %v", err)
	}
}
