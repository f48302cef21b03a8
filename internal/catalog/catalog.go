package catalog

import (
	"context"
	"fmt"
	"os"

	"pairing_engine/internal/logger"
	"pairing_engine/internal/model"

	"gopkg.in/yaml.v3"
)

// Seed 目录种子文件，对应 configs/catalog.yaml
type Seed struct {
	Items       []model.Item       `yaml:"items"`
	CommonPairs []model.CommonPair `yaml:"common_pairs"`
}

// Writer 目录写入接口，由 docstore 实现
type Writer interface {
	PutItems(ctx context.Context, items []model.Item) error
	PutCommonPairs(ctx context.Context, pairs []model.CommonPair) error
}

// LoadFile 读取并校验种子文件
func LoadFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse 解析种子内容
// 分类必须属于默认分类集合，同一分类内 ID 不能重复
func Parse(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(seed.Items))
	for i, it := range seed.Items {
		if it.ID == "" {
			return nil, fmt.Errorf("item #%d has empty id", i)
		}
		if !it.Category.Valid(model.DefaultCategories) {
			return nil, fmt.Errorf("item %s has unknown category %q", it.ID, it.Category)
		}
		key := string(it.Category) + "/" + it.ID
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate item %s in category %s", it.ID, it.Category)
		}
		seen[key] = struct{}{}
	}

	for i, p := range seed.CommonPairs {
		if p.PairID == "" {
			return nil, fmt.Errorf("common pair #%d has empty pair_id", i)
		}
	}
	return &seed, nil
}

// Counts 按分类统计图片数量
func (s *Seed) Counts() map[model.Category]int {
	out := make(map[model.Category]int)
	for _, it := range s.Items {
		out[it.Category]++
	}
	return out
}

// Import 将种子写入存储
func Import(ctx context.Context, w Writer, seed *Seed) error {
	if err := w.PutItems(ctx, seed.Items); err != nil {
		return fmt.Errorf("import items: %w", err)
	}
	if err := w.PutCommonPairs(ctx, seed.CommonPairs); err != nil {
		return fmt.Errorf("import common pairs: %w", err)
	}

	for cat, n := range seed.Counts() {
		logger.Info("imported %d items into %s", n, cat)
		if n < 2 {
			logger.Warn("category %s has fewer than 2 items, no pair can be drawn from it", cat)
		}
	}
	logger.Info("imported %d common pairs", len(seed.CommonPairs))
	return nil
}
