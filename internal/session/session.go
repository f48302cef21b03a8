package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pairing_engine/internal/logger"
	"pairing_engine/internal/metrics"
	"pairing_engine/internal/model"
	"pairing_engine/internal/preference"
	"pairing_engine/internal/selector"
)

var (
	// ErrInvalidSlider 滑块值不在 [0,1]
	ErrInvalidSlider = errors.New("slider out of range")
	// ErrUnknownItem 提交的图片不在本会话已加载的目录中
	ErrUnknownItem = errors.New("unknown item")
	// ErrSameItem 同一张图片不能和自己比较
	ErrSameItem = errors.New("same item")
)

// Backend 会话依赖的外部存储
type Backend interface {
	ItemsByCategory(ctx context.Context, category model.Category) ([]model.Item, error)
	preference.Persister
	AppendScore(ctx context.Context, userID string, sc model.Score) error
	ListScores(ctx context.Context, userID string, limit int) ([]model.Score, error)
}

// Publisher 接收用户最新的比较记录列表
type Publisher interface {
	Publish(userID string, scores []model.Score)
}

// userCloser 退出登录时关闭推送，feed.Hub 实现了它
type userCloser interface {
	CloseUser(userID string)
}

// Comparison 一轮比较的输入
type Comparison struct {
	FirstID  string  `json:"first_id" binding:"required"`
	SecondID string  `json:"second_id" binding:"required"`
	Slider1  float64 `json:"slider1"`
	Slider2  float64 `json:"slider2"`
}

// Session 单个用户的会话上下文，持有偏好、选对器和已加载的目录
type Session struct {
	backend   Backend
	prefs     *preference.Store
	selector  *selector.Selector
	publisher Publisher
	now       func() time.Time

	// submitMu 串行化整轮提交，记录和推送的顺序与提交顺序一致
	submitMu sync.Mutex

	mu       sync.RWMutex
	user     *model.User
	catalog  map[model.Category]map[string]model.Item
	hydrated bool
}

type config struct {
	rng        *rand.Rand
	categories []model.Category
	publisher  Publisher
	now        func() time.Time
}

// Option 配置 Session
type Option func(*config)

// WithRand 注入随机源
func WithRand(r *rand.Rand) Option {
	return func(c *config) { c.rng = r }
}

// WithCategories 覆盖参与选对的分类集合
func WithCategories(categories ...model.Category) Option {
	return func(c *config) {
		if len(categories) > 0 {
			c.categories = append([]model.Category(nil), categories...)
		}
	}
}

// WithPublisher 设置记录变更的推送目标
func WithPublisher(p Publisher) Option {
	return func(c *config) { c.publisher = p }
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New 创建会话。user 为 nil 表示未登录，此时所有写操作都是空操作
func New(user *model.User, backend Backend, opts ...Option) *Session {
	cfg := &config{
		categories: model.DefaultCategories,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	userID := ""
	if user != nil {
		userID = user.ID
	}
	prefs := preference.NewStore(userID, backend)

	selOpts := []selector.Option{selector.WithCategories(cfg.categories...)}
	if cfg.rng != nil {
		selOpts = append(selOpts, selector.WithRand(cfg.rng))
	}

	return &Session{
		backend:   backend,
		prefs:     prefs,
		selector:  selector.New(prefs, selOpts...),
		publisher: cfg.publisher,
		now:       cfg.now,
		user:      user,
		catalog:   make(map[model.Category]map[string]model.Item),
	}
}

// UserID 返回当前用户，未登录或已退出时为空
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// Hydrated 是否至少完成过一次加载
func (s *Session) Hydrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated
}

// Hydrate 并发加载每个分类的图片和用户偏好
// 单个集合失败时降级为空，所有失败合并后返回，均包装 model.ErrHydration
// 返回值是各分类加载到的图片数量
func (s *Session) Hydrate(ctx context.Context) (map[model.Category]int, error) {
	var (
		g      errgroup.Group
		errMu  sync.Mutex
		errs   []error
		counts = make(map[model.Category]int)
	)
	fail := func(collection string, err error) {
		metrics.HydrationFailures.WithLabelValues(collection).Inc()
		logger.Error("hydrate %s for user %s failed: %v", collection, s.UserID(), err)
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	for _, cat := range s.selector.Categories() {
		cat := cat
		g.Go(func() error {
			items, err := s.backend.ItemsByCategory(ctx, cat)
			if err != nil {
				fail(string(cat), fmt.Errorf("%w: load %s: %w", model.ErrHydration, cat, err))
				items = nil
			}
			if err := s.selector.SetItems(cat, items); err != nil {
				return err
			}

			index := make(map[string]model.Item, len(items))
			for _, it := range items {
				index[it.ID] = it
			}
			s.mu.Lock()
			s.catalog[cat] = index
			counts[cat] = len(index)
			s.mu.Unlock()
			return nil
		})
	}

	g.Go(func() error {
		if _, err := s.prefs.LoadAll(ctx); err != nil {
			fail("preferences", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return counts, err
	}

	s.mu.Lock()
	s.hydrated = true
	s.mu.Unlock()

	logger.Debug("session for user %s hydrated: %v", s.UserID(), counts)
	return counts, errors.Join(errs...)
}

// NextPair 下发下一对图片
func (s *Session) NextPair() (model.Pair, error) {
	pair, err := s.selector.NextPair()
	if err != nil {
		if errors.Is(err, model.ErrInsufficientItems) {
			metrics.PairsUnavailable.WithLabelValues(string(pair.Category)).Inc()
		}
		return model.Pair{}, err
	}
	metrics.PairsDispatched.WithLabelValues(string(pair.Category)).Inc()
	return pair, nil
}

func (s *Session) lookup(id string) (model.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// 按配置的分类顺序查找，同一 ID 出现在多个分类时取靠前的
	for _, cat := range s.selector.Categories() {
		if it, ok := s.catalog[cat][id]; ok {
			return it, true
		}
	}
	return model.Item{}, false
}

func validSlider(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Submit 记录一轮比较：计算差值，追加记录，按各自滑块调整两张图片的偏好
// 写入失败时返回包装了 model.ErrPersistence 的错误，内存中的偏好保留
// 未登录时只返回计算出的记录，不做任何写入
func (s *Session) Submit(ctx context.Context, c Comparison) (model.Score, error) {
	if !validSlider(c.Slider1) || !validSlider(c.Slider2) {
		return model.Score{}, fmt.Errorf("%w: %v, %v", ErrInvalidSlider, c.Slider1, c.Slider2)
	}
	if c.FirstID == c.SecondID {
		return model.Score{}, fmt.Errorf("%w: %s", ErrSameItem, c.FirstID)
	}
	first, ok := s.lookup(c.FirstID)
	if !ok {
		return model.Score{}, fmt.Errorf("%w: %s", ErrUnknownItem, c.FirstID)
	}
	second, ok := s.lookup(c.SecondID)
	if !ok {
		return model.Score{}, fmt.Errorf("%w: %s", ErrUnknownItem, c.SecondID)
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	score := model.Score{
		ID:              uuid.NewString(),
		Slider1:         c.Slider1,
		Slider2:         c.Slider2,
		Image1ID:        first.ID,
		Image2ID:        second.ID,
		Image1URL:       first.URL,
		Image2URL:       second.URL,
		RelationalScore: math.Abs(c.Slider1 - c.Slider2),
		Date:            s.now(),
	}
	metrics.ComparisonsRecorded.Inc()

	userID := s.UserID()
	if userID == "" {
		logger.Debug("comparison %s not persisted: %v", score.ID, model.ErrIdentityMissing)
		return score, nil
	}

	var errs []error
	if err := s.backend.AppendScore(ctx, userID, score); err != nil {
		metrics.PersistenceFailures.WithLabelValues("append_score").Inc()
		logger.Error("append score for user %s failed: %v", userID, err)
		errs = append(errs, fmt.Errorf("append score: %w", err))
	}

	for _, u := range []struct {
		id     string
		slider float64
	}{{first.ID, c.Slider1}, {second.ID, c.Slider2}} {
		direction := "down"
		if u.slider >= preference.Threshold {
			direction = "up"
		}
		metrics.PreferenceUpdates.WithLabelValues(direction).Inc()
		if _, err := s.prefs.Update(ctx, u.id, u.slider); err != nil {
			metrics.PersistenceFailures.WithLabelValues("save_preferences").Inc()
			errs = append(errs, err)
		}
	}

	s.publish(ctx, userID)

	if len(errs) > 0 {
		return score, fmt.Errorf("%w: %w", model.ErrPersistence, errors.Join(errs...))
	}
	return score, nil
}

func (s *Session) publish(ctx context.Context, userID string) {
	if s.publisher == nil {
		return
	}
	scores, err := s.backend.ListScores(ctx, userID, 0)
	if err != nil {
		logger.Error("refresh scores for user %s failed: %v", userID, err)
		return
	}
	s.publisher.Publish(userID, scores)
}

// Scores 按时间倒序返回当前用户的比较记录，未登录时为空
func (s *Session) Scores(ctx context.Context, limit int) ([]model.Score, error) {
	userID := s.UserID()
	if userID == "" {
		return []model.Score{}, nil
	}
	scores, err := s.backend.ListScores(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if scores == nil {
		scores = []model.Score{}
	}
	return scores, nil
}

// Preferences 返回偏好映射的副本
func (s *Session) Preferences() map[string]float64 {
	return s.prefs.Snapshot()
}

// Stats 返回选对器状态
func (s *Session) Stats() selector.Stats {
	return s.selector.Stats()
}

// Reset 重新填充所有分类的池
func (s *Session) Reset() {
	s.selector.Reset()
}

// SignOut 清空偏好映射并关闭推送，之后的提交不再写入
func (s *Session) SignOut() {
	s.mu.Lock()
	user := s.user
	s.user = nil
	s.mu.Unlock()

	s.prefs.Clear()
	s.selector.Reset()
	if user == nil {
		return
	}
	if c, ok := s.publisher.(userCloser); ok {
		c.CloseUser(user.ID)
	}
	logger.Info("user %s signed out", user.ID)
}
