package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/events"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/metrics"
)

var oracleLog = logrus.WithField("component", "oracle_agent")

var errFetchInjected = errors.New("injected fetch failure")

// degradedThreshold 连续失败多少次后发出 OracleDegraded 诊断
const degradedThreshold = 3

// AgentConfig 预言机代理配置
type AgentConfig struct {
	ID             domain.AgentID
	Symbols        []domain.Symbol
	WakeIntervalMS uint64
	FetchTimeout   time.Duration // 实时模式单次拉取超时
	Realtime       bool
}

// Agent 预言机代理：周期拉取外部价格、写缓存、广播 OracleTick。
// 拉取失败不更新缓存也不发 tick；连续三次失败发出 OracleDegraded。
type Agent struct {
	cfg      AgentConfig
	provider Provider
	cache    *PriceCache
	bus      *events.Bus

	consecutiveFailures int
}

// NewAgent 创建预言机代理
func NewAgent(cfg AgentConfig, provider Provider, cache *PriceCache, bus *events.Bus) *Agent {
	if cfg.WakeIntervalMS == 0 {
		cfg.WakeIntervalMS = 1000
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return &Agent{cfg: cfg, provider: provider, cache: cache, bus: bus}
}

func (a *Agent) ID() domain.AgentID { return a.cfg.ID }
func (a *Agent) Name() string       { return "oracle" }

// Step 一次唤醒：拉取、校验、写缓存、广播
func (a *Agent) Step(ctx *kernel.Context) kernel.StepResult {
	interval := a.cfg.WakeIntervalMS * uint64(time.Millisecond)

	for _, env := range ctx.Inbox {
		if _, ok := env.Payload.(kernel.Shutdown); ok {
			return kernel.StepResult{NextWakeDelta: interval}
		}
	}

	fetchCtx := context.Background()
	if a.cfg.Realtime {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(fetchCtx, a.cfg.FetchTimeout)
		defer cancel()
	}

	metrics.OracleFetches.Add(1)
	samples, err := a.provider.Fetch(fetchCtx, ctx.Now, a.cfg.Symbols)
	if err != nil {
		a.onFetchFailure(ctx.Now, err)
		return kernel.StepResult{NextWakeDelta: interval}
	}
	a.consecutiveFailures = 0

	for _, s := range samples {
		s.ReceivedNS = ctx.Now
		if err := s.Validate(); err != nil {
			oracleLog.Warnf("丢弃非法样本：%v", err)
			continue
		}
		if !a.cache.Put(s) {
			// 乱序样本：publish_ns 未前进，丢弃
			continue
		}
		a.bus.Publish(events.OracleTick{TS: ctx.Now, Sample: s})
	}

	return kernel.StepResult{NextWakeDelta: interval}
}

func (a *Agent) onFetchFailure(nowNS uint64, err error) {
	a.consecutiveFailures++
	metrics.OracleFailures.Add(1)
	oracleLog.Warnf("拉取失败（连续 %d 次）：%v", a.consecutiveFailures, err)

	if a.consecutiveFailures == degradedThreshold {
		a.bus.Publish(events.OracleDegraded{
			TS:          nowNS,
			Consecutive: a.consecutiveFailures,
			LastError:   err.Error(),
		})
	}
}
