package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"pairing_engine/internal/logger"
)

// Config 监督树的重启策略，零值使用默认值
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Tree 分两层：api 层跑 HTTP 服务，background 层跑文件监听和定时清理
// 后台任务崩溃不会影响 API
type Tree struct {
	root       *suture.Supervisor
	api        *suture.Supervisor
	background *suture.Supervisor
}

// New 创建监督树，事件写入日志
func New(name string, cfg Config) *Tree {
	cfg.applyDefaults()

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = logEvent

	t := &Tree{
		root:       suture.New(name, rootSpec),
		api:        suture.New("api", spec),
		background: suture.New("background", spec),
	}
	t.root.Add(t.api)
	t.root.Add(t.background)
	return t
}

func logEvent(e suture.Event) {
	logger.Warn("supervisor: %s", e.String())
}

func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

func (t *Tree) AddBackground(svc suture.Service) suture.ServiceToken {
	return t.background.Add(svc)
}

// Serve 阻塞直到 ctx 取消
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// Unstopped 返回超时未停止的服务名
func (t *Tree) Unstopped() []string {
	report, err := t.root.UnstoppedServiceReport()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(report))
	for _, svc := range report {
		names = append(names, svc.Name)
	}
	return names
}
