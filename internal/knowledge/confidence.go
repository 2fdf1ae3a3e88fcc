package knowledge

import (
	"github.com/aihub/rag-core/internal/config"
)

// ConfidenceLevel 置信度级别
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// ConfidenceInput 置信度计算输入，全部来自检索统计
type ConfidenceInput struct {
	ChunksSelected    int
	AverageSimilarity float64
	TopSimilarity     float64
	HasTopSimilarity  bool
	DiversityApplied  bool
	RerankApplied     bool
}

// ConfidenceResult 置信度结果
type ConfidenceResult struct {
	Level      ConfidenceLevel         `json:"level"`
	Score      float64                 `json:"score"`
	Reasons    []string                `json:"reasons"`
	Thresholds config.ConfidenceConfig `json:"thresholds"`
}

// ShouldCallProvider 是否允许调用生成模型
func (r *ConfidenceResult) ShouldCallProvider() bool {
	return r.Level != ConfidenceLow
}

// ShouldUseFallback 是否直接走兜底回复
func (r *ConfidenceResult) ShouldUseFallback() bool {
	return r.Level == ConfidenceLow
}

// ShouldRequestClarification 是否建议向用户澄清问题
func (r *ConfidenceResult) ShouldRequestClarification() bool {
	return r.Level == ConfidenceMedium
}

// ConfidenceGate 基于检索统计的置信度判定。
// 判定必须发生在任何生成调用之前，证据不足时拒绝生成。
type ConfidenceGate struct {
	cfg config.ConfidenceConfig
}

// NewConfidenceGate 创建置信度判定器
func NewConfidenceGate(cfg config.ConfidenceConfig) *ConfidenceGate {
	return &ConfidenceGate{cfg: cfg}
}

// Compute 按决策表计算置信度
func (g *ConfidenceGate) Compute(in ConfidenceInput) *ConfidenceResult {
	result := &ConfidenceResult{
		Thresholds: g.cfg,
		Reasons:    []string{},
	}

	if in.ChunksSelected == 0 {
		result.Level = ConfidenceLow
		result.Score = 0
		result.Reasons = append(result.Reasons, "no chunks selected")
		return result
	}

	result.Score = in.AverageSimilarity

	if in.AverageSimilarity < g.cfg.Hard {
		result.Level = ConfidenceLow
		result.Reasons = append(result.Reasons, "average similarity below hard threshold")
		return result
	}
	if in.HasTopSimilarity && in.TopSimilarity < g.cfg.HardTop {
		result.Level = ConfidenceLow
		result.Reasons = append(result.Reasons, "top similarity below hard threshold")
		return result
	}

	if in.AverageSimilarity >= g.cfg.Soft && in.ChunksSelected >= g.cfg.MinChunks {
		result.Level = ConfidenceHigh
		result.Reasons = append(result.Reasons, "strong similarity with sufficient chunks")
		return result
	}

	result.Level = ConfidenceMedium
	if in.AverageSimilarity < g.cfg.Soft {
		result.Reasons = append(result.Reasons, "average similarity below soft threshold")
	}
	if in.ChunksSelected < g.cfg.MinChunks {
		result.Reasons = append(result.Reasons, "fewer chunks than required for high confidence")
	}
	return result
}
