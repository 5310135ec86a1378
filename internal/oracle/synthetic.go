package oracle

import (
	"context"
	"math/rand"

	"github.com/betbot/perpsim/internal/domain"
)

// SyntheticProvider 确定性随机游走价格源（快速模式默认）。
// 同一种子 + 同一调用序列产出完全相同的样本序列。
type SyntheticProvider struct {
	rng      *rand.Rand
	prices   map[domain.Symbol]domain.Price
	baseline map[domain.Symbol]domain.Price
	// StepBps 单次游走的最大步长（bp）
	StepBps int64
	// SpreadBps min/max 相对 mid 的半宽（bp）
	SpreadBps int64
}

// NewSyntheticProvider 创建合成价格源；base 为每个 symbol 的起始价
func NewSyntheticProvider(seed uint64, base map[domain.Symbol]domain.Price) *SyntheticProvider {
	prices := make(map[domain.Symbol]domain.Price, len(base))
	baseline := make(map[domain.Symbol]domain.Price, len(base))
	for sym, p := range base {
		prices[sym] = p
		baseline[sym] = p
	}
	return &SyntheticProvider{
		rng:       rand.New(rand.NewSource(int64(seed) ^ 0x5DEECE66D)),
		prices:    prices,
		baseline:  baseline,
		StepBps:   20,
		SpreadBps: 5,
	}
}

func (p *SyntheticProvider) Name() string { return "synthetic" }

// Fetch 为每个 symbol 推进一步随机游走
func (p *SyntheticProvider) Fetch(_ context.Context, nowNS uint64, symbols []domain.Symbol) ([]domain.OracleSample, error) {
	out := make([]domain.OracleSample, 0, len(symbols))
	for _, sym := range symbols {
		cur, ok := p.prices[sym]
		if !ok {
			continue
		}
		// 游走步长 ∈ [-StepBps, +StepBps]
		stepBps := p.rng.Int63n(2*p.StepBps+1) - p.StepBps
		next := cur + domain.Price(int64(cur)*stepBps/10_000)
		if floor := p.baseline[sym] / 10; next < floor {
			next = floor
		}
		p.prices[sym] = next

		half := domain.Price(int64(next) * p.SpreadBps / 10_000)
		out = append(out, domain.OracleSample{
			Symbol:    sym,
			PriceMin:  next - half,
			PriceMax:  next + half,
			PriceMid:  next,
			PublishNS: nowNS,
		})
	}
	return out, nil
}
