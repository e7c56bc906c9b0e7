package memory

import (
	"context"
	"math"
	"time"
)

// Category 标记记忆的来源。
type Category string

const (
	CategoryInvestment Category = "Investment"
	CategoryAnalysis   Category = "Analysis"
	CategoryLearning   Category = "Learning"
	CategoryLegal      Category = "Legal"
	CategoryVCMilei    Category = "VCMilei"
)

// Record 是一条只追加的记忆。
type Record struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Category  Category  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Match 是检索命中的记忆及其相似度。
type Match struct {
	Record
	Score float64 `json:"relevance_score"`
}

// Filter 限定 Load 返回的记录范围。
type Filter struct {
	// Category 为空表示不过滤。
	Category Category
	// Limit 为 0 表示全部，否则只返回最近的 Limit 条。
	Limit int
}

// Store 是记忆的持久化后端，只支持追加与读取。
type Store interface {
	Save(ctx context.Context, record Record) (Record, error)
	Load(ctx context.Context, filter Filter) ([]Record, error)
}

// cosine 计算两个向量的余弦相似度，维度不一致或存在零向量时返回 0。
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
