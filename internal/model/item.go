package model

// Category 图片分类，取值来自一个封闭集合
type Category string

const (
	Animals Category = "animals"
	Culture Category = "culture"
)

// DefaultCategories 默认参与选对的分类
var DefaultCategories = []Category{Animals, Culture}

// Valid 判断分类是否属于给定集合
func (c Category) Valid(set []Category) bool {
	for _, s := range set {
		if s == c {
			return true
		}
	}
	return false
}

// Item 代表一张可供比较的图片
type Item struct {
	ID       string   `json:"id" yaml:"id"`
	Category Category `json:"category" yaml:"category"`
	URL      string   `json:"url" yaml:"url"` // 展示资源地址，对核心逻辑不透明
}

// Pair 一次下发给展示层的图片对，两张图片来自同一分类
type Pair struct {
	Category Category `json:"category"`
	First    Item     `json:"first"`
	Second   Item     `json:"second"`
}

// Key 返回 "firstId-secondId" 形式的组合键
func (p Pair) Key() string {
	return p.First.ID + "-" + p.Second.ID
}

// CommonPair 目录中预先配置的公共图片对
type CommonPair struct {
	PairID    string `json:"pair_id" yaml:"pair_id"`
	Image1URL string `json:"image1_url" yaml:"image1_url"`
	Image2URL string `json:"image2_url" yaml:"image2_url"`
}
