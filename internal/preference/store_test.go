package preference

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairing_engine/internal/model"
)

type memPersister struct {
	mu      sync.Mutex
	stored  map[string]map[string]float64
	saves   int
	loadErr error
	saveErr error
}

func newMemPersister() *memPersister {
	return &memPersister{stored: make(map[string]map[string]float64)}
}

func (m *memPersister) LoadPreferences(_ context.Context, userID string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make(map[string]float64)
	for k, v := range m.stored[userID] {
		out[k] = v
	}
	return out, nil
}

func (m *memPersister) SavePreferences(_ context.Context, userID string, prefs map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.stored[userID] = prefs
	return nil
}

func TestGetDefaultAndIdempotent(t *testing.T) {
	s := NewStore("u1", newMemPersister())
	assert.Equal(t, Default, s.Get("missing"))
	assert.Equal(t, s.Get("missing"), s.Get("missing"))

	_, err := s.Update(context.Background(), "x", 0.9)
	require.NoError(t, err)
	first := s.Get("x")
	assert.Equal(t, first, s.Get("x"))
}

func TestUpdateRule(t *testing.T) {
	cases := []struct {
		name   string
		start  float64
		slider float64
		want   float64
	}{
		{"like from default", 0.5, 0.8, 0.6},
		{"threshold counts as like", 0.5, 0.5, 0.6},
		{"dislike from default", 0.5, 0.3, 0.4},
		{"zero slider", 0.5, 0, 0.4},
		{"clamp top", 0.95, 1, 1},
		{"clamp bottom", 0.05, 0.1, 0},
		{"at top stays", 1, 0.7, 1},
		{"at bottom stays", 0, 0.2, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Adjust(tc.start, tc.slider), 1e-9)
		})
	}
}

func TestUpdatePersistsFullMap(t *testing.T) {
	p := newMemPersister()
	s := NewStore("u1", p)
	ctx := context.Background()

	got, err := s.Update(ctx, "X", 0.8)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got, 1e-9)

	got, err = s.Update(ctx, "Y", 0.3)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got, 1e-9)

	assert.Equal(t, 2, p.saves)
	require.Len(t, p.stored["u1"], 2)
	assert.InDelta(t, 0.6, p.stored["u1"]["X"], 1e-9)
	assert.InDelta(t, 0.4, p.stored["u1"]["Y"], 1e-9)
}

func TestPersistenceFailureKeepsInMemoryValue(t *testing.T) {
	p := newMemPersister()
	p.saveErr = errors.New("backend down")
	s := NewStore("u1", p)

	got, err := s.Update(context.Background(), "X", 0.9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrPersistence))
	assert.ErrorIs(t, err, p.saveErr)
	assert.InDelta(t, 0.6, got, 1e-9)
	assert.InDelta(t, 0.6, s.Get("X"), 1e-9)
}

func TestLoadAll(t *testing.T) {
	p := newMemPersister()
	p.stored["u1"] = map[string]float64{"a": 0.9, "b": 1.7, "c": -0.2}
	s := NewStore("u1", p)

	prefs, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Hydrated())
	assert.InDelta(t, 0.9, prefs["a"], 1e-9)
	// 越界值在加载时收敛到 [0,1]
	assert.Equal(t, 1.0, prefs["b"])
	assert.Equal(t, 0.0, prefs["c"])
}

func TestLoadAllEmptyWhenAbsent(t *testing.T) {
	s := NewStore("nobody", newMemPersister())
	prefs, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, prefs)
	assert.Equal(t, Default, s.Get("anything"))
}

func TestLoadAllFailureReportsHydration(t *testing.T) {
	p := newMemPersister()
	p.loadErr = errors.New("timeout")
	s := NewStore("u1", p)

	prefs, err := s.LoadAll(context.Background())
	require.ErrorIs(t, err, model.ErrHydration)
	assert.ErrorIs(t, err, p.loadErr)
	assert.Empty(t, prefs)
	assert.False(t, s.Hydrated())
}

func TestUpdateBeforeHydrationWins(t *testing.T) {
	p := newMemPersister()
	s := NewStore("u1", p)
	ctx := context.Background()

	_, err := s.Update(ctx, "a", 0.1)
	require.NoError(t, err)

	// 模拟远端仍是旧数据
	p.stored["u1"] = map[string]float64{"a": 0.9, "b": 0.7}
	_, err = s.LoadAll(ctx)
	require.NoError(t, err)

	assert.InDelta(t, 0.4, s.Get("a"), 1e-9)
	assert.InDelta(t, 0.7, s.Get("b"), 1e-9)
}

func TestIdentityMissingIsNoop(t *testing.T) {
	p := newMemPersister()
	s := NewStore("", p)
	ctx := context.Background()

	got, err := s.Update(ctx, "X", 0.9)
	require.NoError(t, err)
	assert.Equal(t, Default, got)
	assert.Equal(t, 0, p.saves)

	prefs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, prefs)
}

func TestClear(t *testing.T) {
	s := NewStore("u1", newMemPersister())
	_, _ = s.Update(context.Background(), "X", 0.9)
	s.Clear()
	assert.Empty(t, s.Snapshot())
	assert.Equal(t, Default, s.Get("X"))
	assert.False(t, s.Hydrated())
}

func TestValuesStayInRange(t *testing.T) {
	s := NewStore("u1", nil)
	r := rand.New(rand.NewSource(1))
	ids := []string{"a", "b", "c"}
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		_, err := s.Update(ctx, ids[r.Intn(len(ids))], r.Float64())
		require.NoError(t, err)
		for _, id := range ids {
			v := s.Get(id)
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0)
		}
	}
}

// gatedPersister 第一次写入阻塞到 gate 关闭
type gatedPersister struct {
	*memPersister
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedPersister) SavePreferences(ctx context.Context, userID string, prefs map[string]float64) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.gate
	}
	return g.memPersister.SavePreferences(ctx, userID, prefs)
}

func TestOverlappingUpdatesPersistInOrder(t *testing.T) {
	p := &gatedPersister{
		memPersister: newMemPersister(),
		entered:      make(chan struct{}),
		gate:         make(chan struct{}),
	}
	s := NewStore("u1", p)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.Update(ctx, "a", 0.9)
		assert.NoError(t, err)
	}()
	<-p.entered

	go func() {
		defer wg.Done()
		_, err := s.Update(ctx, "b", 0.9)
		assert.NoError(t, err)
	}()
	// 给第二次更新足够的时间，如果它不等待第一次写入就会先落盘
	time.Sleep(50 * time.Millisecond)
	close(p.gate)
	wg.Wait()

	p.mu.Lock()
	persisted := p.stored["u1"]
	saves := p.saves
	p.mu.Unlock()

	assert.Equal(t, 2, saves)
	assert.Equal(t, s.Snapshot(), persisted)
	assert.InDelta(t, 0.6, persisted["a"], 1e-9)
	assert.InDelta(t, 0.6, persisted["b"], 1e-9)
}
