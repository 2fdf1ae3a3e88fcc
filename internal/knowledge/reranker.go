package knowledge

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// 重排序权重，向量相似度占主导
const (
	weightVector  = 1.0
	weightTitle   = 0.3
	weightRecency = 0.1
	weightSource  = 0.1

	slugMatchBonus  = 0.05
	maxLengthPenalty = 0.05

	// 内容超过该长度开始计惩罚
	lengthPenaltyStart = 2000
	lengthPenaltyScale = 8000

	// 新鲜度衰减半衰期（天）
	recencyHalfLifeDays = 90
)

// 来源类型权重，原创内容优先于同步内容
var sourceTypeWeights = map[string]float64{
	"page":       1.0,
	"ai_content": 0.9,
	"template":   0.6,
	"wp_post":    0.8,
	"wp_page":    0.8,
	"wp_media":   0.4,
	"wp_term":    0.3,
}

// RerankOptions 重排序参数
type RerankOptions struct {
	TopN                int
	TopK                int
	MaxPerSource        int
	DiversityThreshold  float64
	SimilarityThreshold float64
	Question            string
}

// RerankMetrics 重排序统计
type RerankMetrics struct {
	ChunksConsidered    int     `json:"chunks_considered"`
	ChunksSelected      int     `json:"chunks_selected"`
	AvgSimilarityBefore float64 `json:"avg_similarity_before"`
	AvgSimilarityAfter  float64 `json:"avg_similarity_after"`
	TopSimilarity       float64 `json:"top_similarity"`
	DiversitySkipped    int     `json:"diversity_skipped"`
	SourceCapSkipped    int     `json:"source_cap_skipped"`
}

// ScoredCandidate 带重排分数的候选
type ScoredCandidate struct {
	Candidate
	RerankScore float64
}

// RerankSelection 重排序选择结果
type RerankSelection struct {
	Selected []ScoredCandidate
	Metrics  RerankMetrics
}

// Reranker 确定性本地重排序器，代替二次模型调用。
// 相同输入必须产生相同输出，保证可审计可测试。
type Reranker struct {
	now func() time.Time
}

// NewReranker 创建重排序器
func NewReranker() *Reranker {
	return &Reranker{now: time.Now}
}

var tokenSplitPattern = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// tokenize 小写分词，去掉标点
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range tokenSplitPattern.Split(strings.ToLower(text), -1) {
		if tok != "" {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

// jaccard 两个token集合的Jaccard相似度
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func (r *Reranker) recencyScore(publishedAt *time.Time) float64 {
	if publishedAt == nil || publishedAt.IsZero() {
		return 0
	}
	ageDays := r.now().Sub(*publishedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp2(-ageDays / recencyHalfLifeDays)
}

func lengthPenalty(content string) float64 {
	over := len(content) - lengthPenaltyStart
	if over <= 0 {
		return 0
	}
	penalty := float64(over) / lengthPenaltyScale * maxLengthPenalty
	if penalty > maxLengthPenalty {
		return maxLengthPenalty
	}
	return penalty
}

func (r *Reranker) score(c Candidate, questionTokens map[string]struct{}) float64 {
	s := c.Similarity * weightVector

	if c.Title != "" {
		s += jaccard(questionTokens, tokenize(c.Title)) * weightTitle
	}
	if c.Slug != "" {
		slugTokens := tokenize(strings.ReplaceAll(c.Slug, "-", " "))
		for tok := range slugTokens {
			if _, ok := questionTokens[tok]; ok {
				s += slugMatchBonus
				break
			}
		}
	}

	s += r.recencyScore(c.PublishedAt) * weightRecency
	s += sourceTypeWeights[c.SourceType] * weightSource
	s -= lengthPenalty(c.Content)
	return s
}

// RerankAndSelect 过滤、打分、排序并贪心选择top-K，
// 同时施加单一来源上限与冗余抑制
func (r *Reranker) RerankAndSelect(candidates []Candidate, opts RerankOptions) *RerankSelection {
	metrics := RerankMetrics{}

	if opts.TopN > 0 && len(candidates) > opts.TopN {
		candidates = candidates[:opts.TopN]
	}

	// 阈值过滤
	filtered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Similarity >= opts.SimilarityThreshold {
			filtered = append(filtered, c)
		}
	}
	metrics.ChunksConsidered = len(filtered)
	if len(filtered) == 0 {
		return &RerankSelection{Selected: []ScoredCandidate{}, Metrics: metrics}
	}

	var simSum float64
	for _, c := range filtered {
		simSum += c.Similarity
		if c.Similarity > metrics.TopSimilarity {
			metrics.TopSimilarity = c.Similarity
		}
	}
	metrics.AvgSimilarityBefore = simSum / float64(len(filtered))

	questionTokens := tokenize(opts.Question)
	scored := make([]ScoredCandidate, 0, len(filtered))
	for _, c := range filtered {
		scored = append(scored, ScoredCandidate{
			Candidate:   c,
			RerankScore: r.score(c, questionTokens),
		})
	}

	// 分数相同时按RecordID升序，保证确定性
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].RerankScore != scored[j].RerankScore {
			return scored[i].RerankScore > scored[j].RerankScore
		}
		return scored[i].RecordID < scored[j].RecordID
	})

	topK := opts.TopK
	if topK <= 0 {
		topK = len(scored)
	}
	maxPerSource := opts.MaxPerSource

	selected := make([]ScoredCandidate, 0, topK)
	selectedTokens := make([]map[string]struct{}, 0, topK)
	sourceCounts := make(map[string]int)

	for _, sc := range scored {
		if len(selected) >= topK {
			break
		}

		sourceKey := sc.SourceType + ":" + sc.SourceID
		if maxPerSource > 0 && sourceCounts[sourceKey] >= maxPerSource {
			metrics.SourceCapSkipped++
			continue
		}

		contentTokens := tokenize(sc.Content)
		redundant := false
		if opts.DiversityThreshold > 0 {
			for _, prev := range selectedTokens {
				if jaccard(contentTokens, prev) > opts.DiversityThreshold {
					redundant = true
					break
				}
			}
		}
		if redundant {
			metrics.DiversitySkipped++
			continue
		}

		selected = append(selected, sc)
		selectedTokens = append(selectedTokens, contentTokens)
		sourceCounts[sourceKey]++
	}

	metrics.ChunksSelected = len(selected)
	if len(selected) > 0 {
		var sum float64
		for _, sc := range selected {
			sum += sc.Similarity
		}
		metrics.AvgSimilarityAfter = sum / float64(len(selected))
	}

	return &RerankSelection{Selected: selected, Metrics: metrics}
}
