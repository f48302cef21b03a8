package selector

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"pairing_engine/internal/model"
)

// CooldownLimit 每个分类冷却列表的容量
const CooldownLimit = 5

// PreferenceSource 提供 item 的偏好值，没有记录时返回默认值
type PreferenceSource interface {
	Get(itemID string) float64
}

// Selector 按分类维护待展示池，每次下发同一分类中两张不同的图片
type Selector struct {
	prefs      PreferenceSource
	categories []model.Category
	pools      map[model.Category]*pool

	rngMu sync.Mutex
	rng   *rand.Rand

	usedMu sync.Mutex
	used   map[string]struct{}
}

// pool 单个分类的状态
type pool struct {
	mu       sync.Mutex
	all      []model.Item // 分类下的全部图片
	working  []model.Item // 本轮洗牌中尚未展示的图片
	cooldown []model.Item // 最近下发过的图片
}

// Option 配置 Selector
type Option func(*Selector)

// WithRand 注入随机源，测试中用固定种子
func WithRand(r *rand.Rand) Option {
	return func(s *Selector) {
		s.rng = r
	}
}

// WithCategories 设置参与选对的分类集合
func WithCategories(categories ...model.Category) Option {
	return func(s *Selector) {
		if len(categories) > 0 {
			s.categories = append([]model.Category(nil), categories...)
		}
	}
}

// New 创建 Selector，所有分类初始为空，需通过 SetItems 加载
func New(prefs PreferenceSource, opts ...Option) *Selector {
	s := &Selector{
		prefs:      prefs,
		categories: append([]model.Category(nil), model.DefaultCategories...),
		used:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s.pools = make(map[model.Category]*pool, len(s.categories))
	for _, c := range s.categories {
		s.pools[c] = &pool{}
	}
	return s
}

// Categories 返回分类集合
func (s *Selector) Categories() []model.Category {
	return append([]model.Category(nil), s.categories...)
}

// SetItems 设置某个分类的全部图片，并用新的随机排列重新填充待展示池
func (s *Selector) SetItems(category model.Category, items []model.Item) error {
	p, ok := s.pools[category]
	if !ok {
		return fmt.Errorf("unknown category: %s", category)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.all = dedupe(items)
	p.working = s.shuffled(p.all)
	return nil
}

// NextPair 随机选择一个分类并下发一对图片
func (s *Selector) NextPair() (model.Pair, error) {
	s.rngMu.Lock()
	category := s.categories[s.rng.Intn(len(s.categories))]
	s.rngMu.Unlock()

	return s.NextPairIn(category)
}

// NextPairIn 从指定分类下发一对图片
// 池中少于 2 张时返回 model.ErrInsufficientItems，不会自动重试，此时返回的 Pair 只带分类
func (s *Selector) NextPairIn(category model.Category) (model.Pair, error) {
	p, ok := s.pools[category]
	if !ok {
		return model.Pair{}, fmt.Errorf("unknown category: %s", category)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// 按偏好降序排列候选。抽取在排序后的列表上均匀进行，排序本身不影响概率
	ordered := s.orderByPreference(p.working)
	if len(ordered) < 2 {
		return model.Pair{Category: category}, fmt.Errorf("%w: category %s has %d candidates", model.ErrInsufficientItems, category, len(ordered))
	}

	s.rngMu.Lock()
	i := s.rng.Intn(len(ordered))
	j := s.rng.Intn(len(ordered) - 1)
	s.rngMu.Unlock()
	if j >= i {
		j++
	}
	first, second := ordered[i], ordered[j]

	kept := p.working[:0]
	for _, it := range p.working {
		if it.ID != first.ID && it.ID != second.ID {
			kept = append(kept, it)
		}
	}
	p.working = kept

	p.cooldown = append(p.cooldown, first, second)
	if len(p.cooldown) > CooldownLimit {
		p.cooldown = append([]model.Item(nil), p.cooldown[2:]...)
	}

	pair := model.Pair{Category: category, First: first, Second: second}
	s.usedMu.Lock()
	s.used[pair.Key()] = struct{}{}
	s.usedMu.Unlock()

	if len(p.working) < 2 {
		p.working = s.shuffled(p.all)
	}

	return pair, nil
}

// Reset 重新填充所有分类的池，清空冷却列表和已用组合
func (s *Selector) Reset() {
	for _, c := range s.categories {
		p := s.pools[c]
		p.mu.Lock()
		p.working = s.shuffled(p.all)
		p.cooldown = nil
		p.mu.Unlock()
	}

	s.usedMu.Lock()
	s.used = make(map[string]struct{})
	s.usedMu.Unlock()
}

func (s *Selector) orderByPreference(items []model.Item) []model.Item {
	ordered := make([]model.Item, len(items))
	copy(ordered, items)
	if s.prefs == nil {
		return ordered
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return s.prefs.Get(ordered[i].ID) > s.prefs.Get(ordered[j].ID)
	})
	return ordered
}

func (s *Selector) shuffled(items []model.Item) []model.Item {
	out := make([]model.Item, len(items))
	copy(out, items)

	s.rngMu.Lock()
	s.rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	s.rngMu.Unlock()
	return out
}

// dedupe 按 ID 去重，保留首次出现的条目
func dedupe(items []model.Item) []model.Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]model.Item, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}
