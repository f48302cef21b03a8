package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"pairing_engine/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	category  TEXT NOT NULL,
	id        TEXT NOT NULL,
	url       TEXT NOT NULL,
	PRIMARY KEY (category, id)
);

CREATE TABLE IF NOT EXISTS common_pairs (
	pair_id     TEXT PRIMARY KEY,
	image1_url  TEXT NOT NULL,
	image2_url  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	uid               TEXT PRIMARY KEY,
	name              TEXT,
	created_at        TEXT NOT NULL,
	image_preference  TEXT
);

CREATE TABLE IF NOT EXISTS scores (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	slider1           REAL NOT NULL,
	slider2           REAL NOT NULL,
	image1_id         TEXT NOT NULL,
	image2_id         TEXT NOT NULL,
	image1_url        TEXT NOT NULL,
	image2_url        TEXT NOT NULL,
	relational_score  REAL NOT NULL,
	date              TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_user_date ON scores(user_id, date DESC);
`

// timeLayout 固定宽度，保证按字符串排序与时间顺序一致
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store 基于 SQLite 的文档存储，承载图片目录、用户偏好和比较记录
type Store struct {
	db *sql.DB
}

// NewStore 打开数据库并执行建表
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// PutItems 写入或覆盖图片目录条目
func (s *Store) PutItems(ctx context.Context, items []model.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO items (category, id, url) VALUES (?, ?, ?)
			 ON CONFLICT(category, id) DO UPDATE SET url = excluded.url`,
			string(it.Category), it.ID, it.URL,
		)
		if err != nil {
			return fmt.Errorf("insert item %s/%s: %w", it.Category, it.ID, err)
		}
	}
	return tx.Commit()
}

// ItemsByCategory 读取某个分类下的全部图片
func (s *Store) ItemsByCategory(ctx context.Context, category model.Category) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, url FROM items WHERE category = ? ORDER BY id`, string(category),
	)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		var cat string
		if err := rows.Scan(&it.ID, &cat, &it.URL); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Category = model.Category(cat)
		items = append(items, it)
	}
	return items, rows.Err()
}

// PutCommonPairs 写入或覆盖公共图片对
func (s *Store) PutCommonPairs(ctx context.Context, pairs []model.CommonPair) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range pairs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO common_pairs (pair_id, image1_url, image2_url) VALUES (?, ?, ?)
			 ON CONFLICT(pair_id) DO UPDATE SET image1_url = excluded.image1_url, image2_url = excluded.image2_url`,
			p.PairID, p.Image1URL, p.Image2URL,
		)
		if err != nil {
			return fmt.Errorf("insert common pair %s: %w", p.PairID, err)
		}
	}
	return tx.Commit()
}

// CommonPairs 读取全部公共图片对
func (s *Store) CommonPairs(ctx context.Context) ([]model.CommonPair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pair_id, image1_url, image2_url FROM common_pairs ORDER BY pair_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query common pairs: %w", err)
	}
	defer rows.Close()

	var pairs []model.CommonPair
	for rows.Next() {
		var p model.CommonPair
		if err := rows.Scan(&p.PairID, &p.Image1URL, &p.Image2URL); err != nil {
			return nil, fmt.Errorf("scan common pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// PutUser 写入用户资料，已存在时只更新名字
func (s *Store) PutUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (uid, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(uid) DO UPDATE SET name = excluded.name`,
		u.ID, u.Name, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put user %s: %w", u.ID, err)
	}
	return nil
}

// LoadPreferences 读取用户的偏好映射，没有记录时返回空映射
func (s *Store) LoadPreferences(ctx context.Context, userID string) (map[string]float64, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT image_preference FROM users WHERE uid = ?`, userID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load preferences %s: %w", userID, err)
	}

	prefs := map[string]float64{}
	if !raw.Valid || raw.String == "" {
		return prefs, nil
	}
	if err := json.Unmarshal([]byte(raw.String), &prefs); err != nil {
		return nil, fmt.Errorf("unmarshal preferences %s: %w", userID, err)
	}
	return prefs, nil
}

// SavePreferences 覆盖写入用户的完整偏好映射
func (s *Store) SavePreferences(ctx context.Context, userID string, prefs map[string]float64) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (uid, created_at, image_preference) VALUES (?, ?, ?)
		 ON CONFLICT(uid) DO UPDATE SET image_preference = excluded.image_preference`,
		userID, time.Now().UTC().Format(timeLayout), string(data),
	)
	if err != nil {
		return fmt.Errorf("save preferences %s: %w", userID, err)
	}
	return nil
}

// AppendScore 追加一条比较记录
func (s *Store) AppendScore(ctx context.Context, userID string, sc model.Score) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scores (id, user_id, slider1, slider2, image1_id, image2_id, image1_url, image2_url, relational_score, date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, userID, sc.Slider1, sc.Slider2, sc.Image1ID, sc.Image2ID, sc.Image1URL, sc.Image2URL,
		sc.RelationalScore, sc.Date.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("append score %s: %w", sc.ID, err)
	}
	return nil
}

// ListScores 按时间倒序列出用户的比较记录，limit <= 0 表示不限制
func (s *Store) ListScores(ctx context.Context, userID string, limit int) ([]model.Score, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slider1, slider2, image1_id, image2_id, image1_url, image2_url, relational_score, date
		 FROM scores WHERE user_id = ? ORDER BY date DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()

	var scores []model.Score
	for rows.Next() {
		var sc model.Score
		var dateStr string
		if err := rows.Scan(&sc.ID, &sc.Slider1, &sc.Slider2, &sc.Image1ID, &sc.Image2ID,
			&sc.Image1URL, &sc.Image2URL, &sc.RelationalScore, &dateStr); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		date, err := time.Parse(timeLayout, dateStr)
		if err != nil {
			return nil, fmt.Errorf("scan score %s: bad date %q: %w", sc.ID, dateStr, err)
		}
		sc.Date = date
		scores = append(scores, sc)
	}
	return scores, rows.Err()
}
