package history

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"pairing_engine/internal/model"
)

// Record 代表一次下发的图片对
type Record struct {
	UserID    string `json:"user_id"`
	Category  string `json:"category"` // e.g., "animals", "culture"
	FirstID   string `json:"first_id"`
	SecondID  string `json:"second_id"`
	Timestamp int64  `json:"timestamp"`
}

// PairKey 返回与 model.Pair.Key 一致的组合键
func (r Record) PairKey() string {
	return r.FirstID + "-" + r.SecondID
}

// Store 定义下发历史存储接口
type Store interface {
	// RecentPairs 获取用户在指定分类下最近 N 天下发过的组合键
	RecentPairs(userID string, category string, days int) ([]string, error)
	// SavePair 保存一次下发
	SavePair(userID string, pair model.Pair) error
	// Cleanup 删除超过保留天数的记录
	Cleanup(retentionDays int) error
}

// FileStore 基于 JSONL 文件的历史存储实现
type FileStore struct {
	filePath string
	mu       sync.RWMutex
	records  []Record // 内存缓存，用于快速查询
	now      func() time.Time
}

// NewFileStore 创建一个新的 FileStore
// 如果文件不存在，会自动创建
func NewFileStore(filePath string) (*FileStore, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	fs := &FileStore{
		filePath: filePath,
		records:  make([]Record, 0),
		now:      time.Now,
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	return fs, nil
}

// load 从文件加载所有历史记录到内存
func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			// 忽略损坏的行
			continue
		}
		s.records = append(s.records, record)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan history file: %w", err)
	}

	return nil
}

// RecentPairs 获取用户最近 N 天的下发记录 (返回组合键列表，按时间先后)
func (s *FileStore) RecentPairs(userID string, category string, days int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Unix() - int64(days*24*60*60)

	var result []string
	for _, r := range s.records {
		if r.UserID != userID || r.Timestamp < cutoff {
			continue
		}
		if category != "" && r.Category != category {
			continue
		}
		result = append(result, r.PairKey())
	}

	return result, nil
}

// SavePair 追加一条下发记录到文件和内存
func (s *FileStore) SavePair(userID string, pair model.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history file for appending: %w", err)
	}
	defer f.Close()

	record := Record{
		UserID:    userID,
		Category:  string(pair.Category),
		FirstID:   pair.First.ID,
		SecondID:  pair.Second.ID,
		Timestamp: s.now().Unix(),
	}

	if err := json.NewEncoder(f).Encode(record); err != nil {
		return fmt.Errorf("failed to write history record: %w", err)
	}
	s.records = append(s.records, record)

	return nil
}

// Cleanup 删除超过 retentionDays 天的记录，并重写文件
func (s *FileStore) Cleanup(retentionDays int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Unix() - int64(retentionDays*24*60*60)

	kept := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if r.Timestamp >= cutoff {
			kept = append(kept, r)
		}
	}

	// 先写临时文件再替换，避免中途失败丢数据
	tmpPath := s.filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp history file: %w", err)
	}

	w := bufio.NewWriter(f)
	encoder := json.NewEncoder(w)
	for _, r := range kept {
		if err := encoder.Encode(r); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write history record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to flush history file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp history file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("failed to replace history file: %w", err)
	}

	s.records = kept
	return nil
}
