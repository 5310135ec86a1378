package oracle

import (
	"context"

	"github.com/betbot/perpsim/internal/domain"
)

// Provider 外部价格提供方契约
// 实现必须为每个请求的 symbol 给出 {price_min, price_max, publish_ns}；
// 部分失败时允许返回子集。
type Provider interface {
	// Fetch 拉取一批 symbol 的最新样本。nowNS 为当前虚拟时间，
	// 仿真内提供方用它生成确定性的 publish_ns。
	Fetch(ctx context.Context, nowNS uint64, symbols []domain.Symbol) ([]domain.OracleSample, error)
	// Name 提供方名称（日志与诊断）
	Name() string
}
