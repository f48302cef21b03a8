package docstore

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"pairing_engine/internal/logger"
	"pairing_engine/internal/metrics"
	"pairing_engine/internal/model"
)

// BreakerConfig 写入熔断配置
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // 连续失败多少次后熔断
	Timeout          time.Duration // 熔断后多久进入半开状态
}

// Guarded 在 Store 的写操作外包一层熔断器，读操作直接透传
// 后端持续不可用时写入快速失败，不拖慢每一轮比较
type Guarded struct {
	*Store
	cb *gobreaker.CircuitBreaker[struct{}]
}

// NewGuarded 创建带熔断的存储
func NewGuarded(s *Store, cfg BreakerConfig) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "docstore-writes"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker %s: %s -> %s", name, from, to)
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	}
	return &Guarded{Store: s, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

// State 返回熔断器当前状态
func (g *Guarded) State() string {
	return g.cb.State().String()
}

// SavePreferences 受熔断保护的偏好写入
func (g *Guarded) SavePreferences(ctx context.Context, userID string, prefs map[string]float64) error {
	_, err := g.cb.Execute(func() (struct{}, error) {
		return struct{}{}, g.Store.SavePreferences(ctx, userID, prefs)
	})
	return err
}

// AppendScore 受熔断保护的记录追加
func (g *Guarded) AppendScore(ctx context.Context, userID string, sc model.Score) error {
	_, err := g.cb.Execute(func() (struct{}, error) {
		return struct{}{}, g.Store.AppendScore(ctx, userID, sc)
	})
	return err
}
