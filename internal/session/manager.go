package session

import (
	"sync"

	"pairing_engine/internal/metrics"
	"pairing_engine/internal/model"
)

// Manager 按用户维护活跃会话
type Manager struct {
	backend Backend
	opts    []Option

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager 创建会话管理器，opts 应用到每个新会话
func NewManager(backend Backend, opts ...Option) *Manager {
	return &Manager{
		backend:  backend,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Start 为用户创建新会话，已有会话被直接替换
// 新会话尚未加载，调用方负责 Hydrate
func (m *Manager) Start(u *model.User) *Session {
	s := New(u, m.backend, m.opts...)

	m.mu.Lock()
	m.sessions[u.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	return s
}

// Get 返回用户的会话
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// End 退出登录并移除会话，会话不存在时返回 false
func (m *Manager) End(userID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false
	}
	metrics.ActiveSessions.Set(float64(n))
	s.SignOut()
	return true
}

// Len 返回活跃会话数
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
