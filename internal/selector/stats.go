package selector

import (
	"sort"

	"pairing_engine/internal/model"
)

// CategoryStats 单个分类的运行状态
type CategoryStats struct {
	Total     int      `json:"total"`
	Remaining int      `json:"remaining"`
	Cooldown  []string `json:"cooldown"`
}

// Stats Selector 的状态快照
type Stats struct {
	Categories map[model.Category]CategoryStats `json:"categories"`
	UsedPairs  int                              `json:"used_pairs"`
}

// Stats 返回各分类池的大小、冷却列表和已用组合数量
func (s *Selector) Stats() Stats {
	st := Stats{Categories: make(map[model.Category]CategoryStats, len(s.categories))}
	for _, c := range s.categories {
		p := s.pools[c]
		p.mu.Lock()
		cs := CategoryStats{
			Total:     len(p.all),
			Remaining: len(p.working),
			Cooldown:  make([]string, 0, len(p.cooldown)),
		}
		for _, it := range p.cooldown {
			cs.Cooldown = append(cs.Cooldown, it.ID)
		}
		p.mu.Unlock()
		st.Categories[c] = cs
	}

	s.usedMu.Lock()
	st.UsedPairs = len(s.used)
	s.usedMu.Unlock()
	return st
}

// Cooldown 返回分类的冷却列表副本，按下发顺序从旧到新
func (s *Selector) Cooldown(category model.Category) []model.Item {
	p, ok := s.pools[category]
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Item(nil), p.cooldown...)
}

// Remaining 返回分类待展示池的副本
func (s *Selector) Remaining(category model.Category) []model.Item {
	p, ok := s.pools[category]
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Item(nil), p.working...)
}

// UsedPairs 返回已下发组合的键，按字典序排列
func (s *Selector) UsedPairs() []string {
	s.usedMu.Lock()
	defer s.usedMu.Unlock()

	keys := make([]string, 0, len(s.used))
	for k := range s.used {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
