package preference

import (
	"context"
	"fmt"
	"sync"

	"pairing_engine/internal/logger"
	"pairing_engine/internal/model"
)

const (
	// Default 没有记录时的偏好值
	Default = 0.5
	// Step 每轮比较对偏好的调整幅度
	Step = 0.1
	// Threshold 滑块值不低于该阈值视为喜欢
	Threshold = 0.5
)

// Loader 从外部存储读取用户的偏好映射
type Loader interface {
	LoadPreferences(ctx context.Context, userID string) (map[string]float64, error)
}

// Saver 覆盖写入用户的完整偏好映射
type Saver interface {
	SavePreferences(ctx context.Context, userID string, prefs map[string]float64) error
}

// Persister 偏好的读写接口
type Persister interface {
	Loader
	Saver
}

// Store 维护 item -> 偏好值 的映射，取值始终在 [0,1]
// 内存中的映射是会话内的唯一可信来源，远端写入失败不会回滚
type Store struct {
	userID    string
	persister Persister

	// saveMu 覆盖快照和写入的整个过程，后修改的映射一定后写入
	saveMu sync.Mutex

	mu       sync.RWMutex
	prefs    map[string]float64
	touched  map[string]struct{} // 加载完成前本地已修改过的条目
	hydrated bool
}

// NewStore 创建偏好存储，userID 为空表示当前没有登录用户
func NewStore(userID string, p Persister) *Store {
	return &Store{
		userID:    userID,
		persister: p,
		prefs:     make(map[string]float64),
		touched:   make(map[string]struct{}),
	}
}

// Adjust 根据滑块值计算新的偏好
func Adjust(current, slider float64) float64 {
	delta := -Step
	if slider >= Threshold {
		delta = Step
	}
	return clamp(current + delta)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Get 返回偏好值，没有记录时返回 Default
func (s *Store) Get(itemID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.prefs[itemID]; ok {
		return v
	}
	return Default
}

// Update 按滑块值调整单个 item 的偏好并持久化完整映射
// 返回调整后的值；持久化失败时返回包装了 model.ErrPersistence 的错误，内存中的修改保留
func (s *Store) Update(ctx context.Context, itemID string, slider float64) (float64, error) {
	if s.userID == "" {
		logger.Debug("preference update for %s skipped: no user", itemID)
		return s.Get(itemID), nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	current, ok := s.prefs[itemID]
	if !ok {
		current = Default
	}
	next := Adjust(current, slider)
	s.prefs[itemID] = next
	if !s.hydrated {
		s.touched[itemID] = struct{}{}
	}
	snapshot := s.copyLocked()
	s.mu.Unlock()

	if s.persister == nil {
		return next, nil
	}
	if err := s.persister.SavePreferences(ctx, s.userID, snapshot); err != nil {
		logger.Error("Failed to save preferences for user %s: %v", s.userID, err)
		return next, fmt.Errorf("%w: save preferences: %w", model.ErrPersistence, err)
	}
	return next, nil
}

// LoadAll 从外部存储加载偏好映射
// 没有用户或没有存储数据时得到空映射；加载失败时保持现有映射并返回 model.ErrHydration
func (s *Store) LoadAll(ctx context.Context) (map[string]float64, error) {
	if s.userID == "" || s.persister == nil {
		s.markHydrated(nil)
		return s.Snapshot(), nil
	}

	loaded, err := s.persister.LoadPreferences(ctx, s.userID)
	if err != nil {
		return s.Snapshot(), fmt.Errorf("%w: load preferences: %w", model.ErrHydration, err)
	}
	s.markHydrated(loaded)
	return s.Snapshot(), nil
}

func (s *Store) markHydrated(loaded map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]float64, len(loaded)+len(s.touched))
	for id, v := range loaded {
		merged[id] = clamp(v)
	}
	// 加载完成前的本地修改优先
	for id := range s.touched {
		merged[id] = s.prefs[id]
	}
	s.prefs = merged
	s.touched = make(map[string]struct{})
	s.hydrated = true
}

// Hydrated 是否已完成加载
func (s *Store) Hydrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated
}

// Snapshot 返回当前映射的副本
func (s *Store) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() map[string]float64 {
	out := make(map[string]float64, len(s.prefs))
	for k, v := range s.prefs {
		out[k] = v
	}
	return out
}

// Clear 清空映射，用于退出登录
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = make(map[string]float64)
	s.touched = make(map[string]struct{})
	s.hydrated = false
}
