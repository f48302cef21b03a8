package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"pairing_engine/internal/model"
)

// envPrefix 环境变量前缀，PAIRING_SERVER_PORT -> server.port
const envPrefix = "PAIRING_"

// Config 对应 configs/server.yaml
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Paths   PathsConfig   `koanf:"paths"`
	Session SessionConfig `koanf:"session"`
	History HistoryConfig `koanf:"history"`
	Breaker BreakerConfig `koanf:"breaker"`
}

type ServerConfig struct {
	Port      string  `koanf:"port"`
	Debug     bool    `koanf:"debug"`
	RateLimit float64 `koanf:"rate_limit"` // 每个用户每秒请求数，0 关闭限流
	RateBurst int     `koanf:"rate_burst"`
}

type PathsConfig struct {
	Users   string `koanf:"users"`
	DB      string `koanf:"db"`
	History string `koanf:"history"`
}

type SessionConfig struct {
	HydrateTimeout time.Duration `koanf:"hydrate_timeout"`
	Categories     []string      `koanf:"categories"`
}

type HistoryConfig struct {
	RetentionDays int `koanf:"retention_days"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `koanf:"failure_threshold"`
	Timeout          time.Duration `koanf:"timeout"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{Port: "8080", RateLimit: 20, RateBurst: 40},
		Paths: PathsConfig{
			Users:   "configs/users.yaml",
			DB:      "data/pairing.db",
			History: "data/history.jsonl",
		},
		Session: SessionConfig{
			HydrateTimeout: 30 * time.Second,
			Categories:     []string{string(model.Animals), string(model.Culture)},
		},
		History: HistoryConfig{RetentionDays: 30},
		Breaker: BreakerConfig{FailureThreshold: 5, Timeout: 30 * time.Second},
	}
}

// loadConfig 初始化配置，优先级：命令行参数 > 环境变量 > 配置文件 > 默认值
// explicit 表示配置文件由用户指定，此时文件不存在视为错误
func loadConfig(path string, explicit bool, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		case explicit || !errors.Is(statErr, os.ErrNotExist):
			return nil, fmt.Errorf("failed to load config file %s: %w", path, statErr)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := splitList(k, "session.categories"); err != nil {
		return nil, err
	}

	for key, v := range overrides {
		if err := k.Set(key, v); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransform PAIRING_SESSION_HYDRATE_TIMEOUT -> session.hydrate_timeout
// 只有第一个下划线是层级分隔
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// splitList 环境变量里的列表以逗号分隔
func splitList(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if err := k.Set(path, out); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		return errors.New("server.rate_burst must be positive when rate limiting is enabled")
	}
	if c.Session.HydrateTimeout <= 0 {
		return errors.New("session.hydrate_timeout must be positive")
	}
	if len(c.Session.Categories) == 0 {
		return errors.New("session.categories must not be empty")
	}
	for _, cat := range c.Session.Categories {
		if !model.Category(cat).Valid(model.DefaultCategories) {
			return fmt.Errorf("unknown category %q in session.categories", cat)
		}
	}
	if c.History.RetentionDays <= 0 {
		return errors.New("history.retention_days must be positive")
	}
	if c.Breaker.FailureThreshold == 0 {
		return errors.New("breaker.failure_threshold must be positive")
	}
	return nil
}

// Categories 返回参与选对的分类
func (c *Config) Categories() []model.Category {
	out := make([]model.Category, 0, len(c.Session.Categories))
	for _, cat := range c.Session.Categories {
		out = append(out, model.Category(cat))
	}
	return out
}
