package feed

import (
	"sync"

	"pairing_engine/internal/metrics"
	"pairing_engine/internal/model"
)

// Subscription 一个订阅者，Updates 上总是收到最新的完整记录列表（按时间倒序）
type Subscription struct {
	userID  string
	updates chan []model.Score
	hub     *Hub
	once    sync.Once
}

// Updates 返回更新通道，取消订阅后关闭
func (s *Subscription) Updates() <-chan []model.Score {
	return s.updates
}

// Close 取消订阅，可以重复调用
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub 按用户维护比较记录的变更订阅
// 只保留最新一份列表，慢消费者会跳过中间状态
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe 订阅某个用户的记录变更
func (h *Hub) Subscribe(userID string) *Subscription {
	sub := &Subscription{
		userID:  userID,
		updates: make(chan []model.Score, 1),
		hub:     h,
	}

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*Subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()

	metrics.FeedSubscribers.Inc()
	return sub
}

// Publish 向用户的所有订阅者推送最新列表，不阻塞
func (h *Hub) Publish(userID string, scores []model.Score) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[userID] {
		snapshot := append([]model.Score(nil), scores...)
		// 丢弃尚未消费的旧列表
		select {
		case <-sub.updates:
		default:
		}
		sub.updates <- snapshot
	}
}

// CloseUser 关闭某个用户的全部订阅，用于退出登录
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	subs := h.subs[userID]
	delete(h.subs, userID)
	h.mu.Unlock()

	for sub := range subs {
		sub.once.Do(func() {
			close(sub.updates)
			metrics.FeedSubscribers.Dec()
		})
	}
}

// Subscribers 返回用户当前的订阅数
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[sub.userID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.updates)
			metrics.FeedSubscribers.Dec()
		}
		if len(set) == 0 {
			delete(h.subs, sub.userID)
		}
	}
}
