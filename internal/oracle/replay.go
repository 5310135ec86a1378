package oracle

import (
	"context"
	"sort"

	"github.com/betbot/perpsim/internal/domain"
)

// TracePoint 回放轨迹中的一个点
type TracePoint struct {
	AtNS   uint64
	Sample domain.OracleSample
}

// ReplayProvider 按预置轨迹回放价格（测试与确定性场景）。
// 每次 Fetch 返回各 symbol 在 now 之前（含）最新的轨迹点。
type ReplayProvider struct {
	traces map[domain.Symbol][]TracePoint
	// FailuresBefore 前 N 次 Fetch 直接失败（故障注入）
	FailuresBefore int
	fetchCount     int
}

// NewReplayProvider 创建回放价格源
func NewReplayProvider(points []TracePoint) *ReplayProvider {
	traces := make(map[domain.Symbol][]TracePoint)
	for _, pt := range points {
		traces[pt.Sample.Symbol] = append(traces[pt.Sample.Symbol], pt)
	}
	for sym := range traces {
		tr := traces[sym]
		sort.SliceStable(tr, func(i, j int) bool { return tr[i].AtNS < tr[j].AtNS })
		traces[sym] = tr
	}
	return &ReplayProvider{traces: traces}
}

func (p *ReplayProvider) Name() string { return "replay" }

// Fetch 返回 now 前各 symbol 的最新样本
func (p *ReplayProvider) Fetch(_ context.Context, nowNS uint64, symbols []domain.Symbol) ([]domain.OracleSample, error) {
	p.fetchCount++
	if p.fetchCount <= p.FailuresBefore {
		return nil, errFetchInjected
	}

	out := make([]domain.OracleSample, 0, len(symbols))
	for _, sym := range symbols {
		tr := p.traces[sym]
		var latest *TracePoint
		for i := range tr {
			if tr[i].AtNS <= nowNS {
				latest = &tr[i]
			} else {
				break
			}
		}
		if latest == nil {
			continue
		}
		s := latest.Sample
		if s.PublishNS == 0 {
			s.PublishNS = latest.AtNS
		}
		out = append(out, s)
	}
	return out, nil
}
