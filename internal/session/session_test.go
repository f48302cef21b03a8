package session

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pairing_engine/internal/feed"
	"pairing_engine/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memBackend struct {
	mu        sync.Mutex
	items     map[model.Category][]model.Item
	prefs     map[string]map[string]float64
	scores    map[string][]model.Score
	itemErr   map[model.Category]error
	loadErr   error
	saveErr   error
	appendErr error
	saves     int
}

func newMemBackend() *memBackend {
	return &memBackend{
		items: map[model.Category][]model.Item{
			model.Animals: {
				{ID: "a1", Category: model.Animals, URL: "https://img/a1"},
				{ID: "a2", Category: model.Animals, URL: "https://img/a2"},
				{ID: "a3", Category: model.Animals, URL: "https://img/a3"},
			},
			model.Culture: {
				{ID: "c1", Category: model.Culture, URL: "https://img/c1"},
				{ID: "c2", Category: model.Culture, URL: "https://img/c2"},
			},
		},
		prefs:   map[string]map[string]float64{},
		scores:  map[string][]model.Score{},
		itemErr: map[model.Category]error{},
	}
}

func (b *memBackend) ItemsByCategory(_ context.Context, c model.Category) ([]model.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.itemErr[c]; err != nil {
		return nil, err
	}
	return append([]model.Item(nil), b.items[c]...), nil
}

func (b *memBackend) LoadPreferences(_ context.Context, userID string) (map[string]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	out := map[string]float64{}
	for k, v := range b.prefs[userID] {
		out[k] = v
	}
	return out, nil
}

func (b *memBackend) SavePreferences(_ context.Context, userID string, prefs map[string]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	if b.saveErr != nil {
		return b.saveErr
	}
	b.prefs[userID] = prefs
	return nil
}

func (b *memBackend) AppendScore(_ context.Context, userID string, sc model.Score) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.appendErr != nil {
		return b.appendErr
	}
	b.scores[userID] = append(b.scores[userID], sc)
	return nil
}

func (b *memBackend) ListScores(_ context.Context, userID string, limit int) ([]model.Score, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]model.Score(nil), b.scores[userID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var alice = &model.User{ID: "alice", Name: "Alice"}

func hydrated(t *testing.T, b *memBackend, u *model.User, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithRand(rand.New(rand.NewSource(1)))}, opts...)
	s := New(u, b, opts...)
	_, err := s.Hydrate(context.Background())
	require.NoError(t, err)
	return s
}

func TestSubmitUpdatesPreferences(t *testing.T) {
	b := newMemBackend()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := hydrated(t, b, alice, WithClock(func() time.Time { return fixed }))

	score, err := s.Submit(context.Background(), Comparison{FirstID: "a1", SecondID: "a2", Slider1: 0.8, Slider2: 0.3})
	require.NoError(t, err)

	assert.InDelta(t, 0.5, score.RelationalScore, 1e-9)
	assert.Equal(t, "a1", score.Image1ID)
	assert.Equal(t, "https://img/a2", score.Image2URL)
	assert.Equal(t, fixed, score.Date)
	assert.NotEmpty(t, score.ID)

	prefs := s.Preferences()
	assert.InDelta(t, 0.6, prefs["a1"], 1e-9)
	assert.InDelta(t, 0.4, prefs["a2"], 1e-9)

	// 记录和完整偏好都已写入
	require.Len(t, b.scores["alice"], 1)
	assert.Equal(t, score.ID, b.scores["alice"][0].ID)
	assert.InDelta(t, 0.6, b.prefs["alice"]["a1"], 1e-9)
	assert.InDelta(t, 0.4, b.prefs["alice"]["a2"], 1e-9)
	assert.Equal(t, 2, b.saves)
}

func TestSubmitValidation(t *testing.T) {
	s := hydrated(t, newMemBackend(), alice)
	ctx := context.Background()

	cases := []struct {
		name string
		c    Comparison
		want error
	}{
		{"slider above range", Comparison{FirstID: "a1", SecondID: "a2", Slider1: 1.2, Slider2: 0.3}, ErrInvalidSlider},
		{"slider below range", Comparison{FirstID: "a1", SecondID: "a2", Slider1: 0.2, Slider2: -0.1}, ErrInvalidSlider},
		{"slider NaN", Comparison{FirstID: "a1", SecondID: "a2", Slider1: math.NaN(), Slider2: 0.1}, ErrInvalidSlider},
		{"same item", Comparison{FirstID: "a1", SecondID: "a1", Slider1: 0.2, Slider2: 0.3}, ErrSameItem},
		{"unknown first", Comparison{FirstID: "zz", SecondID: "a1", Slider1: 0.2, Slider2: 0.3}, ErrUnknownItem},
		{"unknown second", Comparison{FirstID: "a1", SecondID: "zz", Slider1: 0.2, Slider2: 0.3}, ErrUnknownItem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Submit(ctx, tc.c)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, s.Preferences())

	// 边界值合法
	_, err := s.Submit(ctx, Comparison{FirstID: "a1", SecondID: "c1", Slider1: 0, Slider2: 1})
	assert.NoError(t, err)
}

func TestSubmitWithoutUser(t *testing.T) {
	b := newMemBackend()
	s := hydrated(t, b, nil)

	score, err := s.Submit(context.Background(), Comparison{FirstID: "a1", SecondID: "a2", Slider1: 0.9, Slider2: 0.1})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, score.RelationalScore, 1e-9)

	assert.Empty(t, s.Preferences())
	assert.Empty(t, b.scores)
	assert.Zero(t, b.saves)

	scores, err := s.Scores(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestSubmitPersistenceFailureKeepsMemory(t *testing.T) {
	b := newMemBackend()
	s := hydrated(t, b, alice)

	b.appendErr = errors.New("append unavailable")
	b.saveErr = errors.New("save unavailable")

	score, err := s.Submit(context.Background(), Comparison{FirstID: "a1", SecondID: "a2", Slider1: 0.8, Slider2: 0.3})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPersistence)
	assert.ErrorIs(t, err, b.appendErr)
	assert.ErrorIs(t, err, b.saveErr)
	assert.NotEmpty(t, score.ID)

	prefs := s.Preferences()
	assert.InDelta(t, 0.6, prefs["a1"], 1e-9)
	assert.InDelta(t, 0.4, prefs["a2"], 1e-9)

	// 只有记录写入失败时偏好照常写入
	b.saveErr = nil
	_, err = s.Submit(context.Background(), Comparison{FirstID: "a1", SecondID: "a2", Slider1: 0.8, Slider2: 0.3})
	assert.ErrorIs(t, err, model.ErrPersistence)
	assert.InDelta(t, 0.7, b.prefs["alice"]["a1"], 1e-9)
}

func TestHydratePartialFailure(t *testing.T) {
	b := newMemBackend()
	b.itemErr[model.Culture] = errors.New("culture collection offline")
	b.prefs["alice"] = map[string]float64{"a1": 0.9, "a2": 1.7}

	s := New(alice, b, WithRand(rand.New(rand.NewSource(3))))
	counts, err := s.Hydrate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrHydration)
	assert.ErrorIs(t, err, b.itemErr[model.Culture])
	assert.Equal(t, 3, counts[model.Animals])
	assert.Equal(t, 0, counts[model.Culture])
	assert.True(t, s.Hydrated())

	prefs := s.Preferences()
	assert.InDelta(t, 0.9, prefs["a1"], 1e-9)
	assert.InDelta(t, 1.0, prefs["a2"], 1e-9)

	// culture 为空时 NextPair 可能失败，但 animals 仍然可用
	var ok int
	for i := 0; i < 50; i++ {
		pair, err := s.NextPair()
		if err != nil {
			assert.ErrorIs(t, err, model.ErrInsufficientItems)
			continue
		}
		assert.Equal(t, model.Animals, pair.Category)
		ok++
	}
	assert.Positive(t, ok)

	_, err = s.Submit(context.Background(), Comparison{FirstID: "c1", SecondID: "a1", Slider1: 0.5, Slider2: 0.5})
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestHydratePreferenceFailure(t *testing.T) {
	b := newMemBackend()
	b.loadErr = errors.New("users collection offline")

	s := New(alice, b)
	counts, err := s.Hydrate(context.Background())
	assert.ErrorIs(t, err, model.ErrHydration)
	assert.Equal(t, 3, counts[model.Animals])
	assert.Empty(t, s.Preferences())
}

func TestNextPairBeforeHydrate(t *testing.T) {
	s := New(alice, newMemBackend())
	_, err := s.NextPair()
	assert.ErrorIs(t, err, model.ErrInsufficientItems)
	assert.False(t, s.Hydrated())
}

func TestNextPairAndReset(t *testing.T) {
	s := hydrated(t, newMemBackend(), alice, WithCategories(model.Animals))

	for i := 0; i < 20; i++ {
		pair, err := s.NextPair()
		require.NoError(t, err)
		assert.Equal(t, model.Animals, pair.Category)
		assert.NotEqual(t, pair.First.ID, pair.Second.ID)
	}
	assert.NotZero(t, s.Stats().UsedPairs)

	s.Reset()
	assert.Zero(t, s.Stats().UsedPairs)
	assert.Equal(t, 3, s.Stats().Categories[model.Animals].Remaining)
	_, err := s.NextPair()
	assert.NoError(t, err)
}

func TestPublishAndSignOut(t *testing.T) {
	hub := feed.NewHub()
	b := newMemBackend()
	clock := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s := hydrated(t, b, alice, WithPublisher(hub), WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))

	sub := hub.Subscribe("alice")
	defer sub.Close()

	first, err := s.Submit(context.Background(), Comparison{FirstID: "a1", SecondID: "a2", Slider1: 0.6, Slider2: 0.2})
	require.NoError(t, err)
	second, err := s.Submit(context.Background(), Comparison{FirstID: "c1", SecondID: "c2", Slider1: 0.1, Slider2: 0.2})
	require.NoError(t, err)

	latest := <-sub.Updates()
	require.Len(t, latest, 2)
	assert.Equal(t, second.ID, latest[0].ID)
	assert.Equal(t, first.ID, latest[1].ID)

	s.SignOut()
	assert.Empty(t, s.Preferences())
	assert.Equal(t, "", s.UserID())
	_, open := <-sub.Updates()
	assert.False(t, open)
	assert.Zero(t, hub.Subscribers("alice"))

	// 退出后不再写入
	_, err = s.Submit(context.Background(), Comparison{FirstID: "a1", SecondID: "a2", Slider1: 0.6, Slider2: 0.2})
	require.NoError(t, err)
	assert.Len(t, b.scores["alice"], 2)
}

func TestScoresLimit(t *testing.T) {
	b := newMemBackend()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	s := hydrated(t, b, alice, WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}))

	for i := 0; i < 3; i++ {
		_, err := s.Submit(context.Background(), Comparison{FirstID: "a1", SecondID: "a3", Slider1: 0.5, Slider2: 0.4})
		require.NoError(t, err)
	}
	scores, err := s.Scores(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.True(t, scores[0].Date.After(scores[1].Date))
}

func TestManager(t *testing.T) {
	m := NewManager(newMemBackend())
	assert.Zero(t, m.Len())

	s1 := m.Start(alice)
	got, ok := m.Get("alice")
	require.True(t, ok)
	assert.Same(t, s1, got)

	// 重新开始替换旧会话
	s2 := m.Start(alice)
	got, _ = m.Get("alice")
	assert.Same(t, s2, got)
	assert.Equal(t, 1, m.Len())

	m.Start(&model.User{ID: "bob"})
	assert.Equal(t, 2, m.Len())

	assert.True(t, m.End("alice"))
	assert.False(t, m.End("alice"))
	_, ok = m.Get("alice")
	assert.False(t, ok)
	assert.Equal(t, "", s2.UserID())
	assert.Equal(t, 1, m.Len())
}

// gatedBackend 第一次追加记录时阻塞到 gate 关闭
type gatedBackend struct {
	*memBackend
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedBackend) AppendScore(ctx context.Context, userID string, sc model.Score) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.gate
	}
	return g.memBackend.AppendScore(ctx, userID, sc)
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent [][]model.Score
}

func (r *recordingPublisher) Publish(_ string, scores []model.Score) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, scores)
}

func TestOverlappingSubmitsKeepOrder(t *testing.T) {
	b := &gatedBackend{
		memBackend: newMemBackend(),
		entered:    make(chan struct{}),
		gate:       make(chan struct{}),
	}
	pub := &recordingPublisher{}

	var clockMu sync.Mutex
	tick := time.Date(2024, 9, 19, 10, 0, 0, 0, time.UTC)
	s := New(alice, b,
		WithRand(rand.New(rand.NewSource(1))),
		WithPublisher(pub),
		WithClock(func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			tick = tick.Add(time.Second)
			return tick
		}),
	)
	_, err := s.Hydrate(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.Submit(ctx, Comparison{FirstID: "a1", SecondID: "a2", Slider1: 0.8, Slider2: 0.3})
		assert.NoError(t, err)
	}()
	<-b.entered

	go func() {
		defer wg.Done()
		_, err := s.Submit(ctx, Comparison{FirstID: "a3", SecondID: "a1", Slider1: 0.9, Slider2: 0.9})
		assert.NoError(t, err)
	}()
	// 第二轮如果不等待第一轮，会在放行前完成写入和推送
	time.Sleep(50 * time.Millisecond)
	close(b.gate)
	wg.Wait()

	b.mu.Lock()
	persisted := b.prefs["alice"]
	b.mu.Unlock()
	assert.Equal(t, s.Preferences(), persisted)
	assert.InDelta(t, 0.7, persisted["a1"], 1e-9)
	assert.InDelta(t, 0.4, persisted["a2"], 1e-9)
	assert.InDelta(t, 0.6, persisted["a3"], 1e-9)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.sent, 2)
	assert.Len(t, pub.sent[0], 1)
	require.Len(t, pub.sent[1], 2)
	assert.Equal(t, "a3", pub.sent[1][0].Image1ID, "latest score first in the last push")
}
