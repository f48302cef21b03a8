package user

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"pairing_engine/internal/logger"
	"pairing_engine/internal/model"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Provider 定义了身份解析接口
type Provider interface {
	GetUser(userID string) (*model.User, error)
	GetUserByToken(token string) (*model.User, error)
}

// StaticProvider 基于静态配置文件实现的身份提供者
type StaticProvider struct {
	path       string // 为空表示不是从文件加载
	users      map[string]*model.User
	tokenIndex map[string]*model.User
	mu         sync.RWMutex
}

type staticConfig struct {
	Users []model.User `yaml:"users"`
}

// NewStaticProvider 从 yaml 文件创建 StaticProvider
func NewStaticProvider(configPath string) (*StaticProvider, error) {
	users, err := readUsers(configPath)
	if err != nil {
		return nil, err
	}
	p, err := NewStaticProviderFromUsers(users)
	if err != nil {
		return nil, err
	}
	p.path = configPath
	return p, nil
}

func readUsers(configPath string) ([]model.User, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read user config file: %w", err)
	}

	var config staticConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse user config: %w", err)
	}
	return config.Users, nil
}

// NewStaticProviderFromUsers 直接用用户列表创建 StaticProvider
// ID 或 Token 重复时返回错误
func NewStaticProviderFromUsers(users []model.User) (*StaticProvider, error) {
	p := &StaticProvider{
		users:      make(map[string]*model.User, len(users)),
		tokenIndex: make(map[string]*model.User, len(users)),
	}

	for i := range users {
		u := users[i]
		if u.ID == "" {
			return nil, fmt.Errorf("user #%d has empty id", i)
		}
		if _, dup := p.users[u.ID]; dup {
			return nil, fmt.Errorf("duplicate user id: %s", u.ID)
		}
		p.users[u.ID] = &u

		if u.Token != "" {
			if _, dup := p.tokenIndex[u.Token]; dup {
				return nil, fmt.Errorf("duplicate token for user %s", u.ID)
			}
			p.tokenIndex[u.Token] = &u
		}
	}

	return p, nil
}

// GetUser 根据 UserID 获取用户信息
func (p *StaticProvider) GetUser(userID string) (*model.User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	u, ok := p.users[userID]
	if !ok {
		return nil, fmt.Errorf("user not found: %s", userID)
	}
	return u, nil
}

// GetUserByToken 根据 Token 获取用户信息
func (p *StaticProvider) GetUserByToken(token string) (*model.User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	u, ok := p.tokenIndex[token]
	if !ok {
		return nil, fmt.Errorf("%w: invalid token", model.ErrIdentityMissing)
	}
	return u, nil
}

// Users 返回全部用户，按 ID 排序
func (p *StaticProvider) Users() []model.User {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.User, 0, len(p.users))
	for _, u := range p.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reload 重新读取用户文件，失败时保留原有用户
func (p *StaticProvider) Reload() error {
	if p.path == "" {
		return errors.New("provider is not backed by a file")
	}
	users, err := readUsers(p.path)
	if err != nil {
		return err
	}
	next, err := NewStaticProviderFromUsers(users)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.users = next.users
	p.tokenIndex = next.tokenIndex
	p.mu.Unlock()
	return nil
}

// Serve 监听用户文件的变化并自动重新加载，直到 ctx 取消
// 监听的是所在目录，编辑器用替换方式保存文件时也能收到事件
func (p *StaticProvider) Serve(ctx context.Context) error {
	if p.path == "" {
		return errors.New("provider is not backed by a file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create users watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watch %s: %w", p.path, err)
	}
	target := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := p.Reload(); err != nil {
				logger.Warn("reload users from %s failed, keeping previous: %v", p.path, err)
				continue
			}
			logger.Info("reloaded users from %s", p.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("users watcher error: %v", err)
		}
	}
}

// String 用于 supervisor 日志
func (p *StaticProvider) String() string {
	return "users-watcher"
}
