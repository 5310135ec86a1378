package kernel

import "github.com/betbot/perpsim/internal/domain"

// LatencyModel 消息投递延迟模型：网络延迟 + 接收方计算延迟
type LatencyModel interface {
	DelayNS(from, to domain.AgentID) uint64
	ComputeNS(to domain.AgentID) uint64
}

// FixedLatency 固定延迟模型：所有消息同一网络/计算延迟
type FixedLatency struct {
	NetworkDelayNS uint64
	ComputeDelayNS uint64
}

func (f FixedLatency) DelayNS(_, _ domain.AgentID) uint64 { return f.NetworkDelayNS }
func (f FixedLatency) ComputeNS(_ domain.AgentID) uint64  { return f.ComputeDelayNS }

// ZeroLatency 零延迟模型（测试与默认场景）
type ZeroLatency struct{}

func (ZeroLatency) DelayNS(_, _ domain.AgentID) uint64 { return 0 }
func (ZeroLatency) ComputeNS(_ domain.AgentID) uint64  { return 0 }
